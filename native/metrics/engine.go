package metrics

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"dustfold/core/events"
)

// RoleUpdater guards metric submissions.
const RoleUpdater = "ROLE_METRICS_UPDATER"

var (
	errNilState = errors.New("metrics: state not configured")
	// ErrUnauthorized rejects updates from callers without the updater role.
	ErrUnauthorized = errors.New("metrics: caller missing ROLE_METRICS_UPDATER")
	// ErrMetricsUnavailable signals that an asset has never been updated.
	ErrMetricsUnavailable = errors.New("metrics: no samples recorded for asset")
)

type metricsState interface {
	HasRole(role string, addr []byte) bool
}

// Params are the operator-tunable inputs of the issuance-rate formula.
type Params struct {
	// ReferenceLiquidity is the harmonic-mean liquidity at which the base
	// rate reaches BaseRateCap.
	ReferenceLiquidity *big.Int
	// LargeDepositThreshold is the deposit size above which the amount bonus
	// applies.
	LargeDepositThreshold *big.Int
}

// DefaultParams returns conservative defaults suitable for tests and local
// deployments.
func DefaultParams() Params {
	return Params{
		ReferenceLiquidity:    big.NewInt(10_000),
		LargeDepositThreshold: big.NewInt(1_000),
	}
}

func (p Params) validate() error {
	if p.ReferenceLiquidity == nil || p.ReferenceLiquidity.Sign() <= 0 {
		return fmt.Errorf("metrics: reference liquidity must be positive")
	}
	if p.LargeDepositThreshold == nil || p.LargeDepositThreshold.Sign() < 0 {
		return fmt.Errorf("metrics: large deposit threshold must be non-negative")
	}
	return nil
}

// Engine maintains the per-asset sample windows and derives the capped
// issuance rate. Sample history is recomputable market data, so it lives in
// memory rather than in the persistent state manager.
type Engine struct {
	mu      sync.Mutex
	st      metricsState
	emitter events.Emitter
	params  Params
	tokens  map[string]*TokenMetrics
	nowFn   func() int64
}

// NewEngine constructs a metrics engine with default parameters.
func NewEngine(st metricsState) *Engine {
	return &Engine{
		st:      st,
		emitter: events.NoopEmitter{},
		params:  DefaultParams(),
		tokens:  make(map[string]*TokenMetrics),
		nowFn:   func() int64 { return time.Now().Unix() },
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

// SetParams replaces the formula parameters after validation.
func (e *Engine) SetParams(params Params) error {
	if err := params.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = Params{
		ReferenceLiquidity:    new(big.Int).Set(params.ReferenceLiquidity),
		LargeDepositThreshold: new(big.Int).Set(params.LargeDepositThreshold),
	}
	e.mu.Unlock()
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

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Update records one price, liquidity, and volume sample for the asset and
// recomputes the derived harmonic means. Volume velocity is recomputed at most
// once per VelocityIntervalSeconds; the cheaper harmonic means refresh on
// every sample.
func (e *Engine) Update(caller [20]byte, asset string, price, liquidity, volume *big.Int) error {
	if e == nil || e.st == nil {
		return errNilState
	}
	if !e.st.HasRole(RoleUpdater, caller[:]) {
		return ErrUnauthorized
	}
	symbol := normalizeAsset(asset)
	if symbol == "" {
		return fmt.Errorf("metrics: empty asset symbol")
	}
	if isNegative(price) || isNegative(liquidity) || isNegative(volume) {
		return fmt.Errorf("metrics: negative sample")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tm, ok := e.tokens[symbol]
	if !ok {
		tm = newTokenMetrics()
		e.tokens[symbol] = tm
	}

	tm.prices[tm.priceCursor] = valueOrZero(price)
	tm.priceCursor = (tm.priceCursor + 1) % WindowSize
	if tm.priceCount < WindowSize {
		tm.priceCount++
	}

	tm.liquidity[tm.liquidityCursor] = valueOrZero(liquidity)
	tm.liquidityCursor = (tm.liquidityCursor + 1) % WindowSize
	if tm.liquidityCount < WindowSize {
		tm.liquidityCount++
	}

	tm.volumes[tm.volumeCursor] = valueOrZero(volume)
	tm.volumeCursor = (tm.volumeCursor + 1) % WindowSize
	if tm.volumeCount < WindowSize {
		tm.volumeCount++
	}

	tm.harmonicPrice = harmonicMean(tm.prices)
	tm.harmonicLiquidity = harmonicMean(tm.liquidity)

	now := e.now()
	if tm.lastVelocityUpdate == 0 || now-tm.lastVelocityUpdate >= VelocityIntervalSeconds {
		tm.velocity = volumeVelocity(tm.volumes, tm.volumeCursor, tm.volumeCount)
		tm.lastVelocityUpdate = now
	}
	tm.lastUpdate = now

	e.emitUpdated(symbol, tm)
	return nil
}

// CalculateIssuanceRate derives the fixed-point issuance rate for a deposit of
// the given amount. The formula applies per-factor caps and then the absolute
// MaxIssuanceRate ceiling, in that order; the ordering is load-bearing.
func (e *Engine) CalculateIssuanceRate(asset string, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tm, ok := e.tokens[normalizeAsset(asset)]
	if !ok || tm.lastUpdate == 0 {
		return nil, ErrMetricsUnavailable
	}

	baseRate := e.liquidityScaledRate(tm.harmonicLiquidity)

	velocityBonus := big.NewInt(0)
	if tm.velocity.Cmp(Precision) > 0 {
		excess := new(big.Int).Sub(tm.velocity, Precision)
		bonus := excess.Mul(excess, VelocityScalingFactor)
		bonus.Div(bonus, Precision)
		velocityBonus = minBig(bonus, MaxVelocityBonus)
	}

	deviation := maxRelativeDeviation(tm.prices, tm.priceCursor, tm.priceCount)
	stability := new(big.Int).Sub(Precision, minBig(deviation, MaxStabilityReduction))

	rate := new(big.Int).Add(baseRate, velocityBonus)
	rate.Mul(rate, stability)
	rate.Div(rate, Precision)

	if amount != nil && e.params.LargeDepositThreshold != nil && amount.Cmp(e.params.LargeDepositThreshold) > 0 {
		amountBonus := minBig(new(big.Int).Div(rate, big.NewInt(10)), MaxAmountBonus)
		rate.Add(rate, amountBonus)
	}

	return minBig(rate, MaxIssuanceRate), nil
}

// liquidityScaledRate maps harmonic-mean liquidity linearly toward BaseRateCap
// at the reference liquidity size.
func (e *Engine) liquidityScaledRate(harmonicLiquidity *big.Int) *big.Int {
	if harmonicLiquidity == nil || harmonicLiquidity.Sign() <= 0 {
		return big.NewInt(0)
	}
	ref := e.params.ReferenceLiquidity
	if ref == nil || ref.Sign() <= 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(harmonicLiquidity, BaseRateCap)
	scaled.Div(scaled, ref)
	return minBig(scaled, BaseRateCap)
}

// SettlementValue appraises amount units of the asset in settlement terms
// using the harmonic-mean price. A zero result means no price is available.
func (e *Engine) SettlementValue(asset string, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tm, ok := e.tokens[normalizeAsset(asset)]
	if !ok || tm.lastUpdate == 0 {
		return nil, ErrMetricsUnavailable
	}
	if amount == nil || amount.Sign() <= 0 || tm.harmonicPrice.Sign() == 0 {
		return big.NewInt(0), nil
	}
	value := new(big.Int).Mul(amount, tm.harmonicPrice)
	return value.Div(value, Precision), nil
}

// Snapshot returns the derived metrics for the asset.
func (e *Engine) Snapshot(asset string) (*Snapshot, error) {
	if e == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tm, ok := e.tokens[normalizeAsset(asset)]
	if !ok || tm.lastUpdate == 0 {
		return nil, ErrMetricsUnavailable
	}
	return &Snapshot{
		HarmonicPrice:     new(big.Int).Set(tm.harmonicPrice),
		HarmonicLiquidity: new(big.Int).Set(tm.harmonicLiquidity),
		Velocity:          new(big.Int).Set(tm.velocity),
		PriceSamples:      tm.priceCount,
		LastUpdate:        tm.lastUpdate,
	}, nil
}

func (e *Engine) emitUpdated(symbol string, tm *TokenMetrics) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(metricsUpdated{
		asset:             symbol,
		harmonicPrice:     new(big.Int).Set(tm.harmonicPrice),
		harmonicLiquidity: new(big.Int).Set(tm.harmonicLiquidity),
		velocity:          new(big.Int).Set(tm.velocity),
	})
}

func isNegative(v *big.Int) bool {
	return v != nil && v.Sign() < 0
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
