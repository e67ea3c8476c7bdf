package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dustfold/config"
	"dustfold/core/events"
	"dustfold/core/state"
	coretypes "dustfold/core/types"
	"dustfold/native/batch"
	"dustfold/native/liquidity"
	"dustfold/native/metrics"
	"dustfold/native/recovery"
	"dustfold/native/registry"
	"dustfold/native/tree"
	"dustfold/observability"
	"dustfold/observability/logging"
	"dustfold/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./dustfold.toml", "path to daemon configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DUSTFOLD_ENV"))
	logger := logging.Setup("dustfoldd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := state.NewManager(db)
	n, err := buildNode(st, cfg)
	if err != nil {
		logger.Error("wire engines", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/status", n.handleStatus(logger))
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
}

// node bundles the wired protocol engines.
type node struct {
	st        *state.Manager
	registry  *registry.Registry
	metrics   *metrics.Engine
	batch     *batch.Engine
	liquidity *liquidity.Manager
	recovery  *recovery.Engine
	tree      *tree.Engine
}

func buildNode(st *state.Manager, cfg *config.Config) (*node, error) {
	var vault, executor, collector [20]byte
	var err error
	if strings.TrimSpace(cfg.VaultAddress) != "" {
		if vault, err = config.ParseAddress(cfg.VaultAddress); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.ExecutorAddress) != "" {
		if executor, err = config.ParseAddress(cfg.ExecutorAddress); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.FeeCollector) != "" {
		if collector, err = config.ParseAddress(cfg.FeeCollector); err != nil {
			return nil, err
		}
	}

	reg := registry.NewRegistry(st)
	reg.SetPauses(st)

	met := metrics.NewEngine(st)
	if err := met.SetParams(metrics.Params{
		ReferenceLiquidity:    big.NewInt(cfg.ReferenceLiquidity),
		LargeDepositThreshold: big.NewInt(cfg.LargeDepositThreshold),
	}); err != nil {
		return nil, err
	}

	bat := batch.NewEngine(st)
	bat.SetPauses(st)
	bat.SetGasOracle(batch.StaticGasOracle{Fee: big.NewInt(cfg.GasPrice)})

	liq := liquidity.NewManager(st, liquidity.NewConstantProductPool(st))
	liq.SetPauses(st)
	if err := liq.SetFee(cfg.FeeBps, collector); err != nil {
		return nil, err
	}

	rec := recovery.NewEngine(st)
	rec.SetVault(vault)

	emitter := &metricsEmitter{metrics: observability.Metrics()}
	reg.SetEmitter(emitter)
	bat.SetEmitter(emitter)
	liq.SetEmitter(emitter)
	rec.SetEmitter(emitter)

	orchestrator := tree.NewEngine(st, reg, met, bat, liq)
	orchestrator.SetEmitter(emitter)
	orchestrator.SetPauses(st)
	orchestrator.SetRecovery(rec)
	orchestrator.SetVault(vault)
	orchestrator.SetExecutor(executor)
	orchestrator.SetSwapAdapter(tree.NewOracleQuotedVenue(met))
	if err := orchestrator.SetSlippage(cfg.SlippageBps); err != nil {
		return nil, err
	}

	return &node{
		st:        st,
		registry:  reg,
		metrics:   met,
		batch:     bat,
		liquidity: liq,
		recovery:  rec,
		tree:      orchestrator,
	}, nil
}

// metricsEmitter bridges protocol events into the prometheus registry.
type metricsEmitter struct {
	metrics *observability.ProtocolMetrics
}

func (m *metricsEmitter) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	carrier, ok := evt.(interface{ Event() *coretypes.Event })
	if !ok {
		return
	}
	record := carrier.Event()
	switch record.Type {
	case tree.EventTypeDeposit:
		value, _ := strconv.ParseFloat(record.Attributes["value"], 64)
		m.metrics.ObserveDeposit(record.Attributes["asset"], "accepted", value)
	case tree.EventTypeSettled:
		m.metrics.ObserveSettlement(record.Attributes["asset"], "settled")
	case tree.EventTypeSettlementDeferred:
		m.metrics.ObserveSettlement(record.Attributes["asset"], "deferred")
	case batch.EventTypeBatchClosed:
		m.metrics.ObserveBatchClose(record.Attributes["asset"], record.Attributes["reason"])
	case recovery.EventTypeClaimProcessed:
		m.metrics.ObserveRefund()
	}
}

type statusResponse struct {
	AcceptedAssets []string `json:"acceptedAssets"`
	IssuedSupply   string   `json:"issuedSupply"`
	PoolUnits      string   `json:"poolUnits"`
	FeesCollected  string   `json:"feesCollected"`
	RecoveryActive bool     `json:"recoveryActive"`
	RecoveryLevel  string   `json:"recoveryLevel,omitempty"`
}

func (n *node) handleStatus(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accepted, err := n.registry.AcceptedAssets()
		if err != nil {
			logger.Error("status: accepted assets", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		supply, err := n.tree.IssuedSupply()
		if err != nil {
			logger.Error("status: issued supply", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		pool, err := n.liquidity.Info()
		if err != nil {
			logger.Error("status: pool info", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		recState, err := n.recovery.Status()
		if err != nil {
			logger.Error("status: recovery", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		resp := statusResponse{
			AcceptedAssets: accepted,
			IssuedSupply:   supply.String(),
			PoolUnits:      pool.TotalUnits.String(),
			FeesCollected:  pool.FeesCollected.String(),
			RecoveryActive: recState.Active,
		}
		if recState.Active {
			resp.RecoveryLevel = recState.Level.String()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("status: encode", "error", err)
		}
	}
}
