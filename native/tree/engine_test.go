package tree

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"dustfold/core/state"
	"dustfold/native/batch"
	nativecommon "dustfold/native/common"
	"dustfold/native/liquidity"
	"dustfold/native/metrics"
	"dustfold/native/recovery"
	"dustfold/native/registry"
	"dustfold/storage"
)

func testAddr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

// stubVenue swaps one-to-one without slippage. Setting failExec makes every
// execution fail until cleared.
type stubVenue struct {
	quoted   int
	executed int
	failExec error
}

func (v *stubVenue) Quote(assetIn, assetOut string, amount *big.Int) (*SwapQuote, error) {
	v.quoted++
	return &SwapQuote{
		AmountIn:    new(big.Int).Set(amount),
		ExpectedOut: new(big.Int).Set(amount),
		RouteData:   []byte(assetIn + "/" + assetOut),
	}, nil
}

func (v *stubVenue) Execute(assetIn, assetOut string, amount, minOut *big.Int, routeData []byte) (*big.Int, error) {
	v.executed++
	if v.failExec != nil {
		return nil, v.failExec
	}
	if amount.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("stub venue: output below floor")
	}
	return new(big.Int).Set(amount), nil
}

// stubPool mirrors a constant-product position.
type stubPool struct {
	assetReserve      *big.Int
	settlementReserve *big.Int
	totalUnits        *big.Int
}

func newStubPool() *stubPool {
	return &stubPool{
		assetReserve:      big.NewInt(0),
		settlementReserve: big.NewInt(0),
		totalUnits:        big.NewInt(0),
	}
}

func (p *stubPool) QuoteDeposit(assetAmount, settlementAmount *big.Int) (*big.Int, error) {
	if p.totalUnits.Sign() == 0 {
		product := new(big.Int).Mul(assetAmount, settlementAmount)
		return new(big.Int).Sqrt(product), nil
	}
	units := new(big.Int).Mul(assetAmount, p.totalUnits)
	return units.Div(units, p.assetReserve), nil
}

func (p *stubPool) Deposit(assetAmount, settlementAmount *big.Int) (*big.Int, error) {
	units, err := p.QuoteDeposit(assetAmount, settlementAmount)
	if err != nil {
		return nil, err
	}
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("stub pool: zero units")
	}
	p.assetReserve.Add(p.assetReserve, assetAmount)
	p.settlementReserve.Add(p.settlementReserve, settlementAmount)
	p.totalUnits.Add(p.totalUnits, units)
	return new(big.Int).Set(units), nil
}

func (p *stubPool) QuoteWithdraw(units *big.Int) (*big.Int, *big.Int, error) {
	assetOut := new(big.Int).Mul(p.assetReserve, units)
	assetOut.Div(assetOut, p.totalUnits)
	settlementOut := new(big.Int).Mul(p.settlementReserve, units)
	settlementOut.Div(settlementOut, p.totalUnits)
	return assetOut, settlementOut, nil
}

func (p *stubPool) Withdraw(units *big.Int) (*big.Int, *big.Int, error) {
	assetOut, settlementOut, err := p.QuoteWithdraw(units)
	if err != nil {
		return nil, nil, err
	}
	p.assetReserve.Sub(p.assetReserve, assetOut)
	p.settlementReserve.Sub(p.settlementReserve, settlementOut)
	p.totalUnits.Sub(p.totalUnits, units)
	return assetOut, settlementOut, nil
}

func (p *stubPool) Reserves() (*big.Int, *big.Int, error) {
	return new(big.Int).Set(p.assetReserve), new(big.Int).Set(p.settlementReserve), nil
}

type testStack struct {
	st       *state.Manager
	engine   *Engine
	registry *registry.Registry
	metrics  *metrics.Engine
	batch    *batch.Engine
	recovery *recovery.Engine
	pool     *stubPool
	venue    *stubVenue
	now      int64

	admin    [20]byte
	oracle   [20]byte
	executor [20]byte
	guardian [20]byte
	vault    [20]byte
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	ts := &testStack{
		st:       st,
		now:      1_700_000_000,
		admin:    testAddr(0x01),
		oracle:   testAddr(0x02),
		executor: testAddr(0x03),
		guardian: testAddr(0x04),
		vault:    testAddr(0xee),
		pool:     newStubPool(),
		venue:    &stubVenue{},
	}
	clock := func() int64 { return ts.now }

	for _, grant := range []struct {
		role string
		addr [20]byte
	}{
		{registry.RoleManager, ts.admin},
		{metrics.RoleUpdater, ts.oracle},
		{liquidity.RoleExecutor, ts.executor},
		{recovery.RoleGuardian, ts.guardian},
	} {
		if err := st.GrantRole(grant.role, grant.addr[:]); err != nil {
			t.Fatalf("grant %s: %v", grant.role, err)
		}
	}

	ts.registry = registry.NewRegistry(st)
	ts.registry.SetNowFunc(clock)
	ts.metrics = metrics.NewEngine(st)
	ts.metrics.SetNowFunc(clock)
	ts.batch = batch.NewEngine(st)
	ts.batch.SetNowFunc(clock)
	liq := liquidity.NewManager(st, ts.pool)
	liq.SetNowFunc(clock)
	ts.recovery = recovery.NewEngine(st)
	ts.recovery.SetVault(ts.vault)
	ts.recovery.SetNowFunc(clock)

	ts.engine = NewEngine(st, ts.registry, ts.metrics, ts.batch, liq)
	ts.engine.SetNowFunc(clock)
	ts.engine.SetVault(ts.vault)
	ts.engine.SetExecutor(ts.executor)
	ts.engine.SetRecovery(ts.recovery)
	ts.engine.SetSwapAdapter(ts.venue)

	if _, err := ts.registry.Register(ts.admin, "DUST", 18, big.NewInt(1), big.NewInt(1000), big.NewInt(10_000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ts.batch.SetConfig(ts.admin, "DUST", &batch.Config{
		MinSize:         big.NewInt(1_500),
		MaxSize:         big.NewInt(1_000_000),
		MinParticipants: 2,
		MaxTimeDelay:    86_400,
		GasThreshold:    big.NewInt(100),
		TargetGasPrice:  big.NewInt(50),
		Active:          true,
	}); err != nil {
		t.Fatalf("batch config: %v", err)
	}

	// Stable price of 2, liquidity 2000 against the reference 10000, and
	// volume rising 100 to 150 across one velocity window. The resulting
	// issuance rate is 0.15.
	price := new(big.Int).Lsh(metrics.Precision, 1)
	for i := 0; i < 3; i++ {
		if err := ts.metrics.Update(ts.oracle, "DUST", price, big.NewInt(2000), big.NewInt(100)); err != nil {
			t.Fatalf("metrics update: %v", err)
		}
	}
	ts.now += metrics.VelocityIntervalSeconds
	if err := ts.metrics.Update(ts.oracle, "DUST", price, big.NewInt(2000), big.NewInt(150)); err != nil {
		t.Fatalf("metrics update: %v", err)
	}
	return ts
}

func (ts *testStack) fund(t *testing.T, account [20]byte, symbol string, amount int64) {
	t.Helper()
	acc, err := ts.st.GetAccount(account[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	acc.SetBalance(symbol, big.NewInt(amount))
	if err := ts.st.PutAccount(account[:], acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
}

func (ts *testStack) balance(t *testing.T, account [20]byte, symbol string) *big.Int {
	t.Helper()
	acc, err := ts.st.GetAccount(account[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc.Balance(symbol)
}

func TestDepositMintsIssuedByRate(t *testing.T) {
	ts := newTestStack(t)
	user := testAddr(0x42)
	ts.fund(t, user, "DUST", 1_000)

	receipt, err := ts.engine.Deposit(user, "DUST", big.NewInt(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.Value.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("value: got %s, want 1000", receipt.Value)
	}
	wantRate := big.NewInt(150_000_000_000_000_000)
	if receipt.Rate.Cmp(wantRate) != 0 {
		t.Fatalf("rate: got %s, want %s", receipt.Rate, wantRate)
	}
	if receipt.Minted.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("minted: got %s, want 150", receipt.Minted)
	}
	if receipt.Settled {
		t.Fatalf("single deposit below min size must not close the batch")
	}

	if got := ts.balance(t, user, nativecommon.IssuedSymbol); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("user FOLD: got %s, want 150", got)
	}
	if got := ts.balance(t, user, "DUST"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("user DUST: got %s, want 500", got)
	}
	if got := ts.balance(t, ts.vault, "DUST"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("vault DUST: got %s, want 500", got)
	}
	supply, err := ts.engine.IssuedSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("supply: got %s, want 150", supply)
	}

	history, err := ts.engine.Deposits(user, "DUST")
	if err != nil {
		t.Fatalf("deposits: %v", err)
	}
	if len(history) != 1 || history[0].Minted.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestDepositRejectedOutsideRegistryBounds(t *testing.T) {
	ts := newTestStack(t)
	user := testAddr(0x42)
	ts.fund(t, user, "DUST", 10_000)

	if _, err := ts.engine.Deposit(user, "DUST", big.NewInt(5_000)); !errors.Is(err, ErrDepositRejected) {
		t.Fatalf("expected ErrDepositRejected, got %v", err)
	}
	if _, err := ts.engine.Deposit(user, "UNKNOWN", big.NewInt(10)); !errors.Is(err, ErrDepositRejected) {
		t.Fatalf("expected ErrDepositRejected for unknown asset, got %v", err)
	}
}

func TestDepositInsufficientBalance(t *testing.T) {
	ts := newTestStack(t)
	user := testAddr(0x42)
	ts.fund(t, user, "DUST", 100)

	if _, err := ts.engine.Deposit(user, "DUST", big.NewInt(500)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDepositFrozenDuringRecovery(t *testing.T) {
	ts := newTestStack(t)
	user := testAddr(0x42)
	ts.fund(t, user, "DUST", 1_000)

	if _, err := ts.recovery.Activate(ts.guardian, recovery.LevelPause, "halt", nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := ts.engine.Deposit(user, "DUST", big.NewInt(500)); !errors.Is(err, ErrDepositsFrozen) {
		t.Fatalf("expected ErrDepositsFrozen, got %v", err)
	}
}

func TestDepositPausedModule(t *testing.T) {
	ts := newTestStack(t)
	ts.engine.SetPauses(ts.st)
	user := testAddr(0x42)
	ts.fund(t, user, "DUST", 1_000)

	if err := ts.st.SetPaused("tree", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := ts.engine.Deposit(user, "DUST", big.NewInt(500)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestBatchCloseSettlesIntoPool(t *testing.T) {
	ts := newTestStack(t)
	alice := testAddr(0x42)
	bob := testAddr(0x43)
	ts.fund(t, alice, "DUST", 1_000)
	ts.fund(t, bob, "DUST", 1_000)

	first, err := ts.engine.Deposit(alice, "DUST", big.NewInt(500))
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if first.Settled {
		t.Fatalf("batch must stay open below min size")
	}

	second, err := ts.engine.Deposit(bob, "DUST", big.NewInt(500))
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if !second.Settled {
		t.Fatalf("second deposit should have closed and settled the batch")
	}
	settlement := second.Settlement
	if settlement == nil {
		t.Fatalf("missing settlement result")
	}
	if settlement.AmountIn.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("amount in: got %s, want 1000", settlement.AmountIn)
	}
	if settlement.SettlementOut.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("settlement out: got %s, want 1000", settlement.SettlementOut)
	}
	// Empty pool pairs one-to-one, so sqrt(1000*1000) units.
	if settlement.Units.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("units: got %s, want 1000", settlement.Units)
	}
	if settlement.Reason != batch.ReasonCongestionOptimal {
		t.Fatalf("reason: got %q", settlement.Reason)
	}
	if ts.venue.quoted != 1 || ts.venue.executed != 1 {
		t.Fatalf("venue calls: quoted=%d executed=%d", ts.venue.quoted, ts.venue.executed)
	}

	// The vault ends flat: dust left via the venue, settlement and matched
	// issuance moved into the pool.
	for _, symbol := range []string{"DUST", nativecommon.SettlementSymbol, nativecommon.IssuedSymbol} {
		if got := ts.balance(t, ts.vault, symbol); got.Sign() != 0 {
			t.Fatalf("vault %s: got %s, want 0", symbol, got)
		}
	}
	if ts.pool.settlementReserve.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("pool settlement reserve: got %s", ts.pool.settlementReserve)
	}
	if ts.pool.assetReserve.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("pool issued reserve: got %s", ts.pool.assetReserve)
	}

	// Total issuance covers both depositors plus the matched pool side.
	supply, err := ts.engine.IssuedSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(1_300)) != 0 {
		t.Fatalf("supply: got %s, want 1300", supply)
	}

	processed, err := ts.batch.Processed(second.Settlement.BatchID)
	if err != nil || !processed {
		t.Fatalf("expected processed marker after settlement: %v %v", processed, err)
	}
}

func TestDepositNormalizesSymbol(t *testing.T) {
	ts := newTestStack(t)
	user := testAddr(0x42)
	ts.fund(t, user, "DUST", 1_000)

	receipt, err := ts.engine.Deposit(user, " dust ", big.NewInt(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.Asset != "DUST" {
		t.Fatalf("receipt asset: got %q, want DUST", receipt.Asset)
	}
	if got := ts.balance(t, ts.vault, "DUST"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("vault DUST: got %s, want 500", got)
	}
	history, err := ts.engine.Deposits(user, "dust")
	if err != nil {
		t.Fatalf("deposits: %v", err)
	}
	if len(history) != 1 || history[0].Asset != "DUST" {
		t.Fatalf("unexpected history: %+v", history)
	}
	entry, found, err := ts.registry.Asset("DUST")
	if err != nil || !found {
		t.Fatalf("registry entry: %v %v", found, err)
	}
	if entry.UsedToday.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("daily usage: got %s, want 500", entry.UsedToday)
	}
	pending, err := ts.batch.Pending("DUST")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Value.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("batch accumulated under wrong key: value %s", pending.Value)
	}
}

func TestRejectedDepositLeavesDailyCapIntact(t *testing.T) {
	ts := newTestStack(t)
	user := testAddr(0x42)
	ts.fund(t, user, "DUST", 100)

	if _, err := ts.engine.Deposit(user, "DUST", big.NewInt(500)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	entry, found, err := ts.registry.Asset("DUST")
	if err != nil || !found {
		t.Fatalf("registry entry: %v %v", found, err)
	}
	if entry.UsedToday.Sign() != 0 {
		t.Fatalf("daily cap consumed by rejected deposit: %s", entry.UsedToday)
	}
}

func TestVenueFailureDefersSettlement(t *testing.T) {
	ts := newTestStack(t)
	alice := testAddr(0x42)
	bob := testAddr(0x43)
	ts.fund(t, alice, "DUST", 1_000)
	ts.fund(t, bob, "DUST", 1_000)
	ts.venue.failExec = fmt.Errorf("venue down")

	if _, err := ts.engine.Deposit(alice, "DUST", big.NewInt(500)); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	receipt, err := ts.engine.Deposit(bob, "DUST", big.NewInt(500))
	if err != nil {
		t.Fatalf("second deposit must commit despite the venue: %v", err)
	}
	if receipt.Settled {
		t.Fatalf("settlement must not report success")
	}
	if receipt.SettlementError == "" {
		t.Fatalf("expected the venue failure on the receipt")
	}

	// The deposit committed: dust custodied, issuance credited.
	if got := ts.balance(t, ts.vault, "DUST"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("vault DUST: got %s, want 1000", got)
	}
	if got := ts.balance(t, bob, nativecommon.IssuedSymbol); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("bob FOLD: got %s, want 150", got)
	}

	// The batch reopened with its contents intact and no processed marker.
	pending, err := ts.batch.Pending("DUST")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Phase != batch.PhaseAccumulating || pending.Value.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("unexpected batch state: phase=%d value=%s", pending.Phase, pending.Value)
	}
	processed, err := ts.batch.Processed(receipt.BatchID)
	if err != nil || processed {
		t.Fatalf("deferred batch must not be marked processed: %v %v", processed, err)
	}

	// A keeper retry still fails while the venue is down.
	if _, err := ts.engine.ProcessBatch("DUST"); !errors.Is(err, ErrSettlementDeferred) {
		t.Fatalf("expected deferred retry, got %v", err)
	}

	// Once the venue recovers the same batch settles exactly once.
	ts.venue.failExec = nil
	settlement, err := ts.engine.ProcessBatch("DUST")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if settlement.BatchID != receipt.BatchID {
		t.Fatalf("retried settlement targeted a different batch")
	}
	if settlement.SettlementOut.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("settlement out: got %s, want 1000", settlement.SettlementOut)
	}
	processed, err = ts.batch.Processed(receipt.BatchID)
	if err != nil || !processed {
		t.Fatalf("expected processed marker after retry: %v %v", processed, err)
	}
	for _, symbol := range []string{"DUST", nativecommon.SettlementSymbol, nativecommon.IssuedSymbol} {
		if got := ts.balance(t, ts.vault, symbol); got.Sign() != 0 {
			t.Fatalf("vault %s: got %s, want 0", symbol, got)
		}
	}
}

func TestProcessBatchNotReady(t *testing.T) {
	ts := newTestStack(t)
	if _, err := ts.engine.ProcessBatch("DUST"); !errors.Is(err, ErrBatchNotReady) {
		t.Fatalf("expected ErrBatchNotReady, got %v", err)
	}
}
