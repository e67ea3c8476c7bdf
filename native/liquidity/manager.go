package liquidity

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"dustfold/core/events"
	"dustfold/core/types"
	nativecommon "dustfold/native/common"
)

// RoleExecutor guards pool mutations; the orchestrator's settlement path runs
// under this capability.
const RoleExecutor = "ROLE_BATCH_EXECUTOR"

const (
	moduleName = "liquidity"
	// MaxFeeBps bounds the configurable liquidity fee.
	MaxFeeBps = uint32(1000)
	bpsDenom  = 10_000
)

var (
	errNilState = errors.New("liquidity: state not configured")
	errNilPool  = errors.New("liquidity: pool not configured")
	// ErrUnauthorized rejects callers without the executor role.
	ErrUnauthorized = errors.New("liquidity: caller missing ROLE_BATCH_EXECUTOR")
	// ErrBelowMinimumLiquidity rejects an initial deposit whose minted
	// position would be small enough to manipulate.
	ErrBelowMinimumLiquidity = errors.New("liquidity: minted position below minimum")
	// ErrSlippage rejects removals or additions breaching caller floors.
	ErrSlippage = errors.New("liquidity: output below caller floor")
)

// Pool abstracts the external AMM position the manager drives. The pool
// custodies deposited funds; the manager owns fees and aggregate bookkeeping.
// The quote methods mirror their mutating counterparts without moving funds,
// so the manager can validate caller floors before committing anything.
type Pool interface {
	Deposit(assetAmount, settlementAmount *big.Int) (*big.Int, error)
	Withdraw(units *big.Int) (assetOut, settlementOut *big.Int, err error)
	QuoteDeposit(assetAmount, settlementAmount *big.Int) (*big.Int, error)
	QuoteWithdraw(units *big.Int) (assetOut, settlementOut *big.Int, err error)
	Reserves() (assetReserve, settlementReserve *big.Int, err error)
}

type managerState interface {
	HasRole(role string, addr []byte) bool
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// PoolInfo is the manager's aggregate bookkeeping for the pooled pair.
type PoolInfo struct {
	TotalUnits    *big.Int `json:"totalUnits"`
	LastUpdate    int64    `json:"lastUpdate"`
	FeesCollected *big.Int `json:"feesCollected"`
}

func (p *PoolInfo) ensure() {
	if p.TotalUnits == nil {
		p.TotalUnits = big.NewInt(0)
	}
	if p.FeesCollected == nil {
		p.FeesCollected = big.NewInt(0)
	}
}

// AddResult reports the outcome of an AddLiquidity call. Refund is the
// settlement input beyond the pool ratio, returned instead of deposited.
type AddResult struct {
	Units         *big.Int
	Fee           *big.Int
	NetSettlement *big.Int
	Refund        *big.Int
}

// RemoveResult reports the outcome of a RemoveLiquidity call.
type RemoveResult struct {
	AssetOut      *big.Int
	SettlementOut *big.Int
}

// Manager folds settled batch proceeds into the pooled liquidity position,
// collecting a basis-point fee on the settlement side.
type Manager struct {
	st        managerState
	pool      Pool
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	nowFn     func() int64
	feeBps    uint32
	collector [20]byte
	minUnits  *big.Int
}

// NewManager constructs a liquidity manager over the provided state and pool.
func NewManager(st managerState, pool Pool) *Manager {
	return &Manager{
		st:       st,
		pool:     pool,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		minUnits: big.NewInt(1000),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetPauses wires the governance pause switches into the manager.
func (m *Manager) SetPauses(p nativecommon.PauseView) {
	if m == nil {
		return
	}
	m.pauses = p
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (m *Manager) SetNowFunc(now func() int64) {
	if now == nil {
		m.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	m.nowFn = now
}

// SetFee configures the basis-point fee and its collector.
func (m *Manager) SetFee(feeBps uint32, collector [20]byte) error {
	if feeBps > MaxFeeBps {
		return fmt.Errorf("liquidity: fee %d bps above maximum %d", feeBps, MaxFeeBps)
	}
	m.feeBps = feeBps
	m.collector = collector
	return nil
}

// SetMinimumLiquidity configures the floor for the first minted position.
func (m *Manager) SetMinimumLiquidity(minUnits *big.Int) {
	if minUnits == nil || minUnits.Sign() < 0 {
		m.minUnits = big.NewInt(0)
		return
	}
	m.minUnits = new(big.Int).Set(minUnits)
}

func (m *Manager) now() int64 {
	if m == nil || m.nowFn == nil {
		return time.Now().Unix()
	}
	return m.nowFn()
}

func (m *Manager) emit(evt events.Event) {
	if m == nil || m.emitter == nil || evt == nil {
		return
	}
	m.emitter.Emit(evt)
}

func (m *Manager) loadInfo() (*PoolInfo, error) {
	var info PoolInfo
	if _, err := m.st.KVGet(poolInfoKey(), &info); err != nil {
		return nil, err
	}
	info.ensure()
	return &info, nil
}

func (m *Manager) storeInfo(info *PoolInfo) error {
	return m.st.KVPut(poolInfoKey(), info)
}

func (m *Manager) transferSettlement(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := m.st.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := m.st.GetAccount(to[:])
	if err != nil {
		return err
	}
	balance := fromAcc.Balance(nativecommon.SettlementSymbol)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("liquidity: insufficient settlement balance")
	}
	fromAcc.SetBalance(nativecommon.SettlementSymbol, balance.Sub(balance, amount))
	toBalance := toAcc.Balance(nativecommon.SettlementSymbol)
	toAcc.SetBalance(nativecommon.SettlementSymbol, toBalance.Add(toBalance, amount))
	if err := m.st.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return m.st.PutAccount(to[:], toAcc)
}

// AddLiquidity deducts the settlement-side fee, forwards it to the collector,
// and deposits the remaining pair into the pool. The first minted position
// must exceed the minimum-liquidity floor.
func (m *Manager) AddLiquidity(caller, from [20]byte, assetAmount, settlementAmount, minUnits *big.Int) (*AddResult, error) {
	if m == nil || m.st == nil {
		return nil, errNilState
	}
	if m.pool == nil {
		return nil, errNilPool
	}
	if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
		return nil, err
	}
	if !m.st.HasRole(RoleExecutor, caller[:]) {
		return nil, ErrUnauthorized
	}
	if assetAmount == nil || assetAmount.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity: asset amount must be positive")
	}
	if settlementAmount == nil || settlementAmount.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity: settlement amount must be positive")
	}

	fee := new(big.Int).Mul(settlementAmount, big.NewInt(int64(m.feeBps)))
	fee.Div(fee, big.NewInt(bpsDenom))
	net := new(big.Int).Sub(settlementAmount, fee)

	// Settlement beyond the pool's current ratio is returned to the caller
	// instead of being donated to the reserves.
	refund := big.NewInt(0)
	assetReserve, settlementReserve, err := m.pool.Reserves()
	if err != nil {
		return nil, err
	}
	if assetReserve != nil && assetReserve.Sign() > 0 && settlementReserve != nil && settlementReserve.Sign() > 0 {
		required := new(big.Int).Mul(assetAmount, settlementReserve)
		required.Div(required, assetReserve)
		if required.Sign() > 0 && net.Cmp(required) > 0 {
			refund = new(big.Int).Sub(net, required)
			net = required
		}
	}

	// Floors are checked against a quote so rejections leave the pool and
	// the fee collector untouched.
	quoted, err := m.pool.QuoteDeposit(assetAmount, net)
	if err != nil {
		return nil, err
	}
	if quoted == nil || quoted.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity: pool would mint no units")
	}
	info, err := m.loadInfo()
	if err != nil {
		return nil, err
	}
	if info.TotalUnits.Sign() == 0 && m.minUnits != nil && quoted.Cmp(m.minUnits) < 0 {
		return nil, ErrBelowMinimumLiquidity
	}
	if minUnits != nil && quoted.Cmp(minUnits) < 0 {
		return nil, ErrSlippage
	}

	if fee.Sign() > 0 {
		if err := m.transferSettlement(from, m.collector, fee); err != nil {
			return nil, err
		}
	}
	units, err := m.pool.Deposit(assetAmount, net)
	if err != nil {
		return nil, err
	}
	if units == nil || units.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity: pool minted no units")
	}
	info.TotalUnits = new(big.Int).Add(info.TotalUnits, units)
	info.FeesCollected = new(big.Int).Add(info.FeesCollected, fee)
	info.LastUpdate = m.now()
	if err := m.storeInfo(info); err != nil {
		return nil, err
	}

	m.emit(liquidityAdded{units: units, fee: fee, net: net, refund: refund})
	return &AddResult{
		Units:         new(big.Int).Set(units),
		Fee:           fee,
		NetSettlement: net,
		Refund:        refund,
	}, nil
}

// RemoveLiquidity burns pool units and enforces the caller's slippage floors
// on both returned amounts.
func (m *Manager) RemoveLiquidity(caller [20]byte, units, minAssetOut, minSettlementOut *big.Int) (*RemoveResult, error) {
	if m == nil || m.st == nil {
		return nil, errNilState
	}
	if m.pool == nil {
		return nil, errNilPool
	}
	if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
		return nil, err
	}
	if !m.st.HasRole(RoleExecutor, caller[:]) {
		return nil, ErrUnauthorized
	}
	if units == nil || units.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity: units must be positive")
	}
	info, err := m.loadInfo()
	if err != nil {
		return nil, err
	}
	if units.Cmp(info.TotalUnits) > 0 {
		return nil, fmt.Errorf("liquidity: units exceed tracked position")
	}

	// Floors are checked against a quote so a rejection leaves the pool
	// undrained and the tracked units in sync.
	quotedAsset, quotedSettlement, err := m.pool.QuoteWithdraw(units)
	if err != nil {
		return nil, err
	}
	if minAssetOut != nil && quotedAsset.Cmp(minAssetOut) < 0 {
		return nil, ErrSlippage
	}
	if minSettlementOut != nil && quotedSettlement.Cmp(minSettlementOut) < 0 {
		return nil, ErrSlippage
	}

	assetOut, settlementOut, err := m.pool.Withdraw(units)
	if err != nil {
		return nil, err
	}

	info.TotalUnits = new(big.Int).Sub(info.TotalUnits, units)
	info.LastUpdate = m.now()
	if err := m.storeInfo(info); err != nil {
		return nil, err
	}

	m.emit(liquidityRemoved{units: units, assetOut: assetOut, settlementOut: settlementOut})
	return &RemoveResult{
		AssetOut:      new(big.Int).Set(assetOut),
		SettlementOut: new(big.Int).Set(settlementOut),
	}, nil
}

// LiquidityValue returns the pool's total value in settlement terms. Both
// sides are valued at the pool's own spot price, so the settlement reserve
// counts twice.
func (m *Manager) LiquidityValue() (*big.Int, error) {
	if m == nil || m.pool == nil {
		return nil, errNilPool
	}
	_, settlementReserve, err := m.pool.Reserves()
	if err != nil {
		return nil, err
	}
	if settlementReserve == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Lsh(settlementReserve, 1), nil
}

// QuoteMatchingAsset returns the issued-asset amount that pairs with the
// given settlement amount at the pool's current ratio. An empty pool pairs
// one-to-one.
func (m *Manager) QuoteMatchingAsset(settlementAmount *big.Int) (*big.Int, error) {
	if m == nil || m.pool == nil {
		return nil, errNilPool
	}
	if settlementAmount == nil || settlementAmount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	assetReserve, settlementReserve, err := m.pool.Reserves()
	if err != nil {
		return nil, err
	}
	if settlementReserve == nil || settlementReserve.Sign() == 0 || assetReserve == nil || assetReserve.Sign() == 0 {
		return new(big.Int).Set(settlementAmount), nil
	}
	matched := new(big.Int).Mul(assetReserve, settlementAmount)
	return matched.Div(matched, settlementReserve), nil
}

// Info returns a copy of the aggregate pool bookkeeping.
func (m *Manager) Info() (*PoolInfo, error) {
	if m == nil || m.st == nil {
		return nil, errNilState
	}
	info, err := m.loadInfo()
	if err != nil {
		return nil, err
	}
	return &PoolInfo{
		TotalUnits:    new(big.Int).Set(info.TotalUnits),
		LastUpdate:    info.LastUpdate,
		FeesCollected: new(big.Int).Set(info.FeesCollected),
	}, nil
}

func poolInfoKey() []byte {
	return []byte("liquidity/pool/" + nativecommon.IssuedSymbol + "-" + nativecommon.SettlementSymbol)
}
