package recovery

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dustfold/core/events"
	"dustfold/core/types"
)

// RoleGuardian guards recovery activation and claim creation.
const RoleGuardian = "ROLE_GUARDIAN"

// Default timing parameters. All deadlines are absolute timestamps compared
// against the engine clock; cancellation is never cooperative.
const (
	DefaultGuardianCooldown = int64(3600)
	DefaultRefundDelay      = int64(24 * 3600)
	DefaultRefundWindow     = int64(30 * 24 * 3600)
)

var (
	errNilState = errors.New("recovery: state not configured")
	// ErrUnauthorized rejects callers without the guardian role.
	ErrUnauthorized = errors.New("recovery: caller missing ROLE_GUARDIAN")
	// ErrAlreadyActive rejects activation while an episode is running.
	ErrAlreadyActive = errors.New("recovery: episode already active")
	// ErrNotActive rejects recovery actions outside an episode.
	ErrNotActive = errors.New("recovery: no active episode")
	// ErrCooldown rejects guardian actions before the cooldown elapses.
	ErrCooldown = errors.New("recovery: guardian cooldown not elapsed")
	// ErrLevelTooLow rejects claim creation below the recovery tier.
	ErrLevelTooLow = errors.New("recovery: level below recovery tier")
	// ErrClaimNotFound rejects processing of unknown claim identifiers.
	ErrClaimNotFound = errors.New("recovery: claim not found")
	// ErrClaimProcessed rejects double processing of a claim.
	ErrClaimProcessed = errors.New("recovery: claim already processed")
	// ErrClaimNotPayable rejects processing before the mandatory delay.
	ErrClaimNotPayable = errors.New("recovery: mandatory delay not elapsed")
	// ErrClaimExpired rejects processing after the claim window closes.
	ErrClaimExpired = errors.New("recovery: claim window expired")
	// ErrInvalidProof rejects proofs that do not land on the commitment root.
	ErrInvalidProof = errors.New("recovery: proof does not match commitment root")
)

type engineState interface {
	HasRole(role string, addr []byte) bool
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value interface{}) error
	KVGetList(key []byte, out interface{}) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Engine is the guardian-driven emergency state machine: it freezes balances,
// issues refund claims, and pays them out after a timelock subject to proof
// verification.
type Engine struct {
	st      engineState
	emitter events.Emitter
	vault   [20]byte
	nowFn   func() int64

	cooldown     int64
	refundDelay  int64
	refundWindow int64
}

// NewEngine constructs a recovery engine with the default timing parameters.
func NewEngine(st engineState) *Engine {
	return &Engine{
		st:           st,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
		cooldown:     DefaultGuardianCooldown,
		refundDelay:  DefaultRefundDelay,
		refundWindow: DefaultRefundWindow,
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

// SetVault configures the account that custodies frozen funds and pays
// refunds.
func (e *Engine) SetVault(vault [20]byte) {
	if e == nil {
		return
	}
	e.vault = vault
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetTimings overrides the cooldown, delay, and window. Non-positive values
// keep the current setting.
func (e *Engine) SetTimings(cooldown, refundDelay, refundWindow int64) {
	if e == nil {
		return
	}
	if cooldown > 0 {
		e.cooldown = cooldown
	}
	if refundDelay > 0 {
		e.refundDelay = refundDelay
	}
	if refundWindow > 0 {
		e.refundWindow = refundWindow
	}
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

func (e *Engine) loadState() (*State, error) {
	var st State
	if _, err := e.st.KVGet(stateKey(), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (e *Engine) storeState(st *State) error {
	return e.st.KVPut(stateKey(), st)
}

func (e *Engine) lastGuardianAction() (int64, error) {
	var ts int64
	if _, err := e.st.KVGet(lastActionKey(), &ts); err != nil {
		return 0, err
	}
	return ts, nil
}

func (e *Engine) recordGuardianAction(now int64) error {
	return e.st.KVPut(lastActionKey(), now)
}

func (e *Engine) requireGuardian(caller [20]byte) error {
	if e == nil || e.st == nil {
		return errNilState
	}
	if !e.st.HasRole(RoleGuardian, caller[:]) {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) checkCooldown(now int64) error {
	last, err := e.lastGuardianAction()
	if err != nil {
		return err
	}
	if last > 0 && now-last < e.cooldown {
		return ErrCooldown
	}
	return nil
}

// Activate opens a recovery episode at the given severity, snapshotting the
// vault balances of the affected assets as the frozen baseline.
func (e *Engine) Activate(guardian [20]byte, level Level, reason string, assets []string) (*State, error) {
	if err := e.requireGuardian(guardian); err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, fmt.Errorf("recovery: invalid level %d", level)
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if st.Active {
		return nil, ErrAlreadyActive
	}
	now := e.now()
	if err := e.checkCooldown(now); err != nil {
		return nil, err
	}

	vaultAcc, err := e.st.GetAccount(e.vault[:])
	if err != nil {
		return nil, err
	}
	frozen := make([]FrozenAsset, 0, len(assets))
	for _, symbol := range assets {
		frozen = append(frozen, FrozenAsset{
			Symbol:  symbol,
			Balance: vaultAcc.Balance(symbol),
		})
	}

	st = &State{
		Active:      true,
		ActivatedAt: now,
		Level:       level,
		Assets:      frozen,
		Reason:      reason,
		Initiator:   guardian,
	}
	if err := e.storeState(st); err != nil {
		return nil, err
	}
	if err := e.recordGuardianAction(now); err != nil {
		return nil, err
	}
	e.emit(recoveryActivated{state: st})
	return st.Clone(), nil
}

// Deactivate closes the active episode.
func (e *Engine) Deactivate(guardian [20]byte) error {
	if err := e.requireGuardian(guardian); err != nil {
		return err
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if !st.Active {
		return ErrNotActive
	}
	now := e.now()
	if err := e.checkCooldown(now); err != nil {
		return err
	}
	st.Active = false
	if err := e.storeState(st); err != nil {
		return err
	}
	if err := e.st.KVAppend(episodesKey(), st); err != nil {
		return err
	}
	if err := e.recordGuardianAction(now); err != nil {
		return err
	}
	e.emit(recoveryDeactivated{level: st.Level, deactivatedAt: now})
	return nil
}

// Episodes returns the log of closed recovery episodes, oldest first.
func (e *Engine) Episodes() ([]State, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	var out []State
	if err := e.st.KVGetList(episodesKey(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRefundClaim records a refund entitlement for a user. The per-user
// nonce keeps identifiers distinct across repeated claims for the same
// user, asset, and amount.
func (e *Engine) CreateRefundClaim(guardian, user [20]byte, asset string, amount *big.Int, root [32]byte) (*Claim, error) {
	if err := e.requireGuardian(guardian); err != nil {
		return nil, err
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if !st.Active {
		return nil, ErrNotActive
	}
	if st.Level < LevelRecovery {
		return nil, ErrLevelTooLow
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("recovery: amount must be positive")
	}

	var nonce uint64
	if _, err := e.st.KVGet(nonceKey(user), &nonce); err != nil {
		return nil, err
	}
	id := claimID(user, asset, amount, nonce, root)
	claim := &Claim{
		ID:          id,
		Beneficiary: user,
		Asset:       asset,
		Amount:      cloneBigInt(amount),
		CreatedAt:   e.now(),
		Root:        root,
	}
	if err := e.st.KVPut(claimKey(id), claim); err != nil {
		return nil, err
	}
	if err := e.st.KVPut(nonceKey(user), nonce+1); err != nil {
		return nil, err
	}
	e.emit(claimCreated{claim: claim})
	return claim, nil
}

// ProcessRefund pays out a claim exactly once, after the mandatory delay,
// before the window expires, and only with a proof landing on the claim's
// commitment root.
func (e *Engine) ProcessRefund(id [32]byte, proof [][32]byte) error {
	if e == nil || e.st == nil {
		return errNilState
	}
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if !st.Active {
		return ErrNotActive
	}
	var claim Claim
	found, err := e.st.KVGet(claimKey(id), &claim)
	if err != nil {
		return err
	}
	if !found {
		return ErrClaimNotFound
	}
	if claim.Processed {
		return ErrClaimProcessed
	}
	now := e.now()
	if now < claim.CreatedAt+e.refundDelay {
		return ErrClaimNotPayable
	}
	if now > claim.CreatedAt+e.refundWindow {
		return ErrClaimExpired
	}
	leaf := ClaimLeaf(claim.Beneficiary, claim.Asset, claim.Amount)
	if !VerifyProof(leaf, proof, claim.Root) {
		return ErrInvalidProof
	}

	if err := e.payout(claim.Beneficiary, claim.Asset, claim.Amount); err != nil {
		return err
	}
	claim.Processed = true
	if err := e.st.KVPut(claimKey(id), &claim); err != nil {
		return err
	}
	e.emit(claimProcessed{claim: &claim, processedAt: now})
	return nil
}

func (e *Engine) payout(to [20]byte, asset string, amount *big.Int) error {
	vaultAcc, err := e.st.GetAccount(e.vault[:])
	if err != nil {
		return err
	}
	balance := vaultAcc.Balance(asset)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("recovery: insufficient vault balance for %s", asset)
	}
	toAcc, err := e.st.GetAccount(to[:])
	if err != nil {
		return err
	}
	vaultAcc.SetBalance(asset, balance.Sub(balance, amount))
	toBalance := toAcc.Balance(asset)
	toAcc.SetBalance(asset, toBalance.Add(toBalance, amount))
	if err := e.st.PutAccount(e.vault[:], vaultAcc); err != nil {
		return err
	}
	return e.st.PutAccount(to[:], toAcc)
}

// Status returns a copy of the singleton recovery state.
func (e *Engine) Status() (*State, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// DepositsHalted reports whether normal deposit flow is frozen: any active
// episode at LevelPause or above halts deposits.
func (e *Engine) DepositsHalted() (bool, error) {
	st, err := e.Status()
	if err != nil {
		return false, err
	}
	return st.Active && st.Level >= LevelPause, nil
}

// Claim returns the stored claim for the identifier.
func (e *Engine) Claim(id [32]byte) (*Claim, bool, error) {
	if e == nil || e.st == nil {
		return nil, false, errNilState
	}
	var claim Claim
	found, err := e.st.KVGet(claimKey(id), &claim)
	if err != nil || !found {
		return nil, found, err
	}
	return &claim, true, nil
}

func claimID(user [20]byte, asset string, amount *big.Int, nonce uint64, root [32]byte) [32]byte {
	amt := make([]byte, 32)
	if amount != nil && amount.Sign() > 0 {
		amount.FillBytes(amt)
	}
	nonceBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	return [32]byte(ethcrypto.Keccak256Hash(user[:], []byte(asset), amt, nonceBytes, root[:]))
}

func stateKey() []byte {
	return []byte("recovery/state")
}

func lastActionKey() []byte {
	return []byte("recovery/last_action")
}

func nonceKey(user [20]byte) []byte {
	return []byte("recovery/nonce/" + hex.EncodeToString(user[:]))
}

func claimKey(id [32]byte) []byte {
	return []byte("recovery/claim/" + hex.EncodeToString(id[:]))
}

func episodesKey() []byte {
	return []byte("recovery/episodes")
}
