package tree

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"dustfold/core/events"
	"dustfold/core/types"
	"dustfold/native/batch"
	nativecommon "dustfold/native/common"
	"dustfold/native/metrics"
	"dustfold/native/registry"
)

const moduleName = "tree"

// DefaultSlippageBps bounds the realized swap output against the quote.
const DefaultSlippageBps = uint32(100)

const maxSlippageBps = uint32(5000)

var (
	errNilState = errors.New("tree: state not configured")
	// ErrDepositsFrozen rejects deposits during a recovery episode.
	ErrDepositsFrozen = errors.New("tree: deposits frozen by recovery")
	// ErrDepositRejected rejects deposits outside the registry's bounds or
	// over the daily cap.
	ErrDepositRejected = errors.New("tree: deposit rejected by registry")
	// ErrValueUnavailable rejects deposits while the asset has no usable
	// settlement valuation.
	ErrValueUnavailable = errors.New("tree: settlement value unavailable")
	// ErrInsufficientBalance rejects deposits exceeding the caller's funds.
	ErrInsufficientBalance = errors.New("tree: insufficient balance")
	// ErrSwapInProgress rejects reentrant settlement.
	ErrSwapInProgress = errors.New("tree: settlement already in progress")
	// ErrInvalidSlippage rejects slippage tolerances above the ceiling.
	ErrInvalidSlippage = errors.New("tree: slippage tolerance too high")
	// ErrSettlementDeferred wraps venue failures that happen before any
	// funds move; the batch reopens and retries at a later trigger.
	ErrSettlementDeferred = errors.New("tree: settlement deferred")
	// ErrBatchNotReady reports a keeper poll that found no closeable batch.
	ErrBatchNotReady = errors.New("tree: batch not ready")
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value interface{}) error
	KVGetList(key []byte, out interface{}) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, acc *types.Account) error
}

// Engine orchestrates the deposit flow: registry admission, valuation and
// issuance, custody, batching, and settlement of closed batches into the
// shared liquidity position.
type Engine struct {
	st        engineState
	registry  AssetRegistry
	metrics   MetricsSource
	batcher   Batcher
	liquidity LiquidityTarget
	recovery  RecoveryGate
	swap      SwapAdapter

	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64

	vault       [20]byte
	executor    [20]byte
	slippageBps uint32
	inSwap      bool
}

// NewEngine wires the orchestrator over its collaborators.
func NewEngine(st engineState, registry AssetRegistry, source MetricsSource, batcher Batcher, target LiquidityTarget) *Engine {
	return &Engine{
		st:          st,
		registry:    registry,
		metrics:     source,
		batcher:     batcher,
		liquidity:   target,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
		slippageBps: DefaultSlippageBps,
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the governance pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetRecovery wires the emergency gate. A nil gate never halts deposits.
func (e *Engine) SetRecovery(gate RecoveryGate) {
	if e == nil {
		return
	}
	e.recovery = gate
}

// SetSwapAdapter wires the settlement venue.
func (e *Engine) SetSwapAdapter(adapter SwapAdapter) {
	if e == nil {
		return
	}
	e.swap = adapter
}

// SetVault configures the account custodying accumulated dust and pool-bound
// settlement funds.
func (e *Engine) SetVault(vault [20]byte) {
	if e == nil {
		return
	}
	e.vault = vault
}

// SetExecutor configures the service account used as the liquidity caller; it
// must hold ROLE_BATCH_EXECUTOR.
func (e *Engine) SetExecutor(executor [20]byte) {
	if e == nil {
		return
	}
	e.executor = executor
}

// SetSlippage configures the settlement slippage tolerance in basis points.
func (e *Engine) SetSlippage(bps uint32) error {
	if bps > maxSlippageBps {
		return ErrInvalidSlippage
	}
	e.slippageBps = bps
	return nil
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Deposit accepts a user's dust, credits freshly issued FOLD priced by the
// metrics engine, and hands the dust to the batcher. When the deposit closes
// a batch, the batch settles synchronously into the liquidity position.
func (e *Engine) Deposit(caller [20]byte, asset string, amount *big.Int) (*DepositReceipt, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.recovery != nil {
		halted, err := e.recovery.DepositsHalted()
		if err != nil {
			return nil, err
		}
		if halted {
			return nil, ErrDepositsFrozen
		}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("tree: amount must be positive")
	}
	// Every collaborator keys by the canonical symbol, so normalize once.
	symbol, err := registry.NormalizeSymbol(asset)
	if err != nil {
		return nil, err
	}

	// Side-effect-free checks run first; the daily-cap reservation is the
	// last gate before funds move, so a rejection never burns cap.
	entry, found, err := e.registry.Asset(symbol)
	if err != nil {
		return nil, err
	}
	if !found || !entry.Accepted {
		return nil, ErrDepositRejected
	}
	if amount.Cmp(entry.MinAmount) < 0 || amount.Cmp(entry.MaxAmount) > 0 {
		return nil, ErrDepositRejected
	}

	value, err := e.metrics.SettlementValue(symbol, amount)
	if err != nil {
		return nil, err
	}
	if value.Sign() <= 0 {
		return nil, ErrValueUnavailable
	}
	rate, err := e.metrics.CalculateIssuanceRate(symbol, amount)
	if err != nil {
		return nil, err
	}
	minted := new(big.Int).Mul(value, rate)
	minted.Div(minted, metrics.Precision)

	callerAcc, err := e.st.GetAccount(caller[:])
	if err != nil {
		return nil, err
	}
	if callerAcc.Balance(symbol).Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}

	ok, err := e.registry.CheckAndConsumeDailyAmount(symbol, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDepositRejected
	}

	if err := e.transfer(caller, e.vault, symbol, amount); err != nil {
		return nil, err
	}
	if minted.Sign() > 0 {
		if err := e.mintIssued(caller, minted); err != nil {
			return nil, err
		}
	}

	now := e.now()
	record := &UserDeposit{
		Asset:     symbol,
		Amount:    new(big.Int).Set(amount),
		Value:     new(big.Int).Set(value),
		Minted:    new(big.Int).Set(minted),
		Timestamp: now,
	}
	if err := e.st.KVAppend(depositsKey(caller, symbol), record); err != nil {
		return nil, err
	}

	closed, err := e.batcher.AddToBatch(symbol, caller, amount, value)
	if err != nil {
		return nil, err
	}

	receipt := &DepositReceipt{
		Asset:  symbol,
		Amount: new(big.Int).Set(amount),
		Value:  new(big.Int).Set(value),
		Rate:   new(big.Int).Set(rate),
		Minted: new(big.Int).Set(minted),
	}
	e.emit(depositAccepted{caller: caller, record: record})

	if closed != nil {
		settlement, err := e.settle(closed)
		switch {
		case err == nil:
			receipt.BatchID = closed.ID
			receipt.Settled = true
			receipt.Settlement = settlement
		case errors.Is(err, ErrSettlementDeferred):
			// The deposit itself is committed; the batch goes back to
			// accumulating and retries at a later trigger.
			if rerr := e.batcher.Reopen(closed.Asset); rerr != nil {
				return nil, rerr
			}
			receipt.BatchID = closed.ID
			receipt.SettlementError = err.Error()
			e.emit(settlementDeferred{asset: closed.Asset, id: closed.ID, reason: err.Error()})
		default:
			return nil, fmt.Errorf("tree: settling batch %x: %w", closed.ID[:4], err)
		}
	}
	return receipt, nil
}

// ProcessBatch re-evaluates the asset's batch triggers and settles when they
// hold. Keepers call it to retry a settlement the venue previously rejected;
// a batch locked by an interrupted settlement resumes here as well.
func (e *Engine) ProcessBatch(asset string) (*SettlementResult, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	symbol, err := registry.NormalizeSymbol(asset)
	if err != nil {
		return nil, err
	}
	closed, err := e.batcher.CloseIfReady(symbol)
	if err != nil {
		return nil, err
	}
	if closed == nil {
		return nil, ErrBatchNotReady
	}
	settlement, err := e.settle(closed)
	if err != nil {
		if errors.Is(err, ErrSettlementDeferred) {
			if rerr := e.batcher.Reopen(closed.Asset); rerr != nil {
				return nil, rerr
			}
		}
		return nil, err
	}
	return settlement, nil
}

// settle converts a locked batch into the settlement asset and deposits the
// proceeds, paired with matching issued supply, into the liquidity position.
// Failures before the swap executes come back wrapped in
// ErrSettlementDeferred with no funds moved; the batch is finalized against
// its processed set only after every transfer has landed.
func (e *Engine) settle(closed *batch.CloseResult) (*SettlementResult, error) {
	if e.swap == nil {
		return nil, errors.New("tree: swap adapter not configured")
	}
	if e.inSwap {
		return nil, ErrSwapInProgress
	}
	e.inSwap = true
	defer func() { e.inSwap = false }()

	vaultAcc, err := e.st.GetAccount(e.vault[:])
	if err != nil {
		return nil, err
	}
	assetBalance := vaultAcc.Balance(closed.Asset)
	if assetBalance.Cmp(closed.Amount) < 0 {
		return nil, fmt.Errorf("tree: vault short of %s for settlement", closed.Asset)
	}

	quote, err := e.swap.Quote(closed.Asset, nativecommon.SettlementSymbol, closed.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementDeferred, err)
	}
	minOut := new(big.Int).Mul(quote.ExpectedOut, big.NewInt(int64(10000-e.slippageBps)))
	minOut.Div(minOut, big.NewInt(10000))
	actual, err := e.swap.Execute(closed.Asset, nativecommon.SettlementSymbol, closed.Amount, minOut, quote.RouteData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementDeferred, err)
	}

	vaultAcc.SetBalance(closed.Asset, assetBalance.Sub(assetBalance, closed.Amount))
	settlementBalance := vaultAcc.Balance(nativecommon.SettlementSymbol)
	vaultAcc.SetBalance(nativecommon.SettlementSymbol, settlementBalance.Add(settlementBalance, actual))
	if err := e.st.PutAccount(e.vault[:], vaultAcc); err != nil {
		return nil, err
	}

	matched, err := e.liquidity.QuoteMatchingAsset(actual)
	if err != nil {
		return nil, err
	}
	if matched.Sign() > 0 {
		if err := e.mintIssued(e.vault, matched); err != nil {
			return nil, err
		}
	}
	added, err := e.liquidity.AddLiquidity(e.executor, e.vault, matched, actual, nil)
	if err != nil {
		return nil, err
	}
	// The manager already moved the fee; the pool absorbed the rest.
	if err := e.debit(e.vault, nativecommon.SettlementSymbol, added.NetSettlement); err != nil {
		return nil, err
	}
	if matched.Sign() > 0 {
		if err := e.debit(e.vault, nativecommon.IssuedSymbol, matched); err != nil {
			return nil, err
		}
	}

	if err := e.batcher.Finalize(closed.Asset, closed.ID); err != nil {
		return nil, err
	}

	result := &SettlementResult{
		BatchID:       closed.ID,
		Asset:         closed.Asset,
		AmountIn:      new(big.Int).Set(closed.Amount),
		SettlementOut: new(big.Int).Set(actual),
		MatchedIssued: new(big.Int).Set(matched),
		Units:         new(big.Int).Set(added.Units),
		Reason:        closed.Reason,
	}
	e.emit(batchSettled{result: result})
	return result, nil
}

func (e *Engine) transfer(from, to [20]byte, asset string, amount *big.Int) error {
	fromAcc, err := e.st.GetAccount(from[:])
	if err != nil {
		return err
	}
	balance := fromAcc.Balance(asset)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAcc, err := e.st.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc.SetBalance(asset, balance.Sub(balance, amount))
	toBalance := toAcc.Balance(asset)
	toAcc.SetBalance(asset, toBalance.Add(toBalance, amount))
	if err := e.st.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.st.PutAccount(to[:], toAcc)
}

func (e *Engine) debit(from [20]byte, asset string, amount *big.Int) error {
	acc, err := e.st.GetAccount(from[:])
	if err != nil {
		return err
	}
	balance := acc.Balance(asset)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("tree: vault short of %s", asset)
	}
	acc.SetBalance(asset, balance.Sub(balance, amount))
	return e.st.PutAccount(from[:], acc)
}

func (e *Engine) mintIssued(to [20]byte, amount *big.Int) error {
	acc, err := e.st.GetAccount(to[:])
	if err != nil {
		return err
	}
	balance := acc.Balance(nativecommon.IssuedSymbol)
	acc.SetBalance(nativecommon.IssuedSymbol, balance.Add(balance, amount))
	if err := e.st.PutAccount(to[:], acc); err != nil {
		return err
	}
	supply, err := e.IssuedSupply()
	if err != nil {
		return err
	}
	supply.Add(supply, amount)
	return e.st.KVPut(supplyKey(), supply)
}

// IssuedSupply returns the total FOLD issued so far.
func (e *Engine) IssuedSupply() (*big.Int, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	supply := big.NewInt(0)
	if _, err := e.st.KVGet(supplyKey(), supply); err != nil {
		return nil, err
	}
	return supply, nil
}

// Deposits returns the recorded deposit history for a user and asset.
func (e *Engine) Deposits(user [20]byte, asset string) ([]UserDeposit, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	symbol, err := registry.NormalizeSymbol(asset)
	if err != nil {
		return nil, err
	}
	var out []UserDeposit
	if err := e.st.KVGetList(depositsKey(user, symbol), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func depositsKey(user [20]byte, asset string) []byte {
	return []byte("tree/deposits/" + hex.EncodeToString(user[:]) + "/" + asset)
}

func supplyKey() []byte {
	return []byte("tree/supply/" + nativecommon.IssuedSymbol)
}
