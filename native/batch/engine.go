package batch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dustfold/core/events"
	nativecommon "dustfold/native/common"
)

// RoleManager guards batch configuration changes.
const RoleManager = "ROLE_DUST_MANAGER"

const moduleName = "batch"

// Trigger reasons exposed by ShouldProcess. The evaluation order is a
// deliberate tie-break policy: size and time ceilings are hard triggers that
// override congestion, while congestion only gates the soft minimum-met
// region.
const (
	ReasonInactive                 = "inactive"
	ReasonLocked                   = "locked"
	ReasonMaxSize                  = "max size"
	ReasonBelowMin                 = "below min"
	ReasonInsufficientParticipants = "insufficient participants"
	ReasonTimeThreshold            = "time threshold"
	ReasonCongestionHigh           = "congestion too high"
	ReasonCongestionOptimal        = "congestion optimal"
	ReasonNotMet                   = "conditions not met"
)

var (
	errNilState     = errors.New("batch: state not configured")
	errUnauthorized = errors.New("batch: caller missing ROLE_DUST_MANAGER")
	// ErrBatchingInactive rejects accumulation for assets without an active
	// batch configuration.
	ErrBatchingInactive = errors.New("batch: batching inactive for asset")
	// ErrBatchLocked rejects accumulation while a close is in flight.
	ErrBatchLocked = errors.New("batch: batch is closing")
	// ErrAlreadyProcessed rejects any attempt to settle the same logical
	// batch twice.
	ErrAlreadyProcessed = errors.New("batch: batch already processed")
	// ErrNotClosing rejects finalization or reopening when no close is in
	// flight.
	ErrNotClosing = errors.New("batch: no close in flight")
	// ErrIdentifierMismatch rejects finalization against a batch whose
	// contents no longer hash to the given identifier.
	ErrIdentifierMismatch = errors.New("batch: identifier mismatch")
)

type batchState interface {
	HasRole(role string, addr []byte) bool
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// GasOracle reports the current congestion reading (a base-fee proxy).
type GasOracle interface {
	BaseFee() *big.Int
}

// StaticGasOracle reports a fixed congestion reading, typically sourced from
// daemon configuration when no live fee feed is wired.
type StaticGasOracle struct {
	Fee *big.Int
}

func (o StaticGasOracle) BaseFee() *big.Int {
	if o.Fee == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(o.Fee)
}

// Engine is the per-asset batch accumulation state machine. One live batch
// exists per asset; closed batches are recorded in an append-only processed
// set keyed by an identifier derived from the batch's immutable contents.
type Engine struct {
	st      batchState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	gas     GasOracle
	nowFn   func() int64
}

// NewEngine constructs a batch engine backed by the provided state manager.
func NewEngine(st batchState) *Engine {
	return &Engine{
		st:      st,
		emitter: events.NoopEmitter{},
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

// SetPauses wires the governance pause switches into the engine.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetGasOracle wires the congestion oracle consulted by trigger evaluation.
func (e *Engine) SetGasOracle(gas GasOracle) {
	if e == nil {
		return
	}
	e.gas = gas
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

func (e *Engine) baseFee() *big.Int {
	if e == nil || e.gas == nil {
		return big.NewInt(0)
	}
	fee := e.gas.BaseFee()
	if fee == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(fee)
}

// SetConfig installs or replaces the trigger thresholds for an asset.
func (e *Engine) SetConfig(caller [20]byte, asset string, cfg *Config) error {
	if e == nil || e.st == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.st.HasRole(RoleManager, caller[:]) {
		return errUnauthorized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.st.KVPut(configKey(asset), cfg)
}

// SetActive toggles batching for an asset without touching the thresholds.
func (e *Engine) SetActive(caller [20]byte, asset string, active bool) error {
	if e == nil || e.st == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.st.HasRole(RoleManager, caller[:]) {
		return errUnauthorized
	}
	cfg, found, err := e.loadConfig(asset)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("batch: no config for asset %s", asset)
	}
	cfg.Active = active
	return e.st.KVPut(configKey(asset), cfg)
}

func (e *Engine) loadConfig(asset string) (*Config, bool, error) {
	var cfg Config
	ok, err := e.st.KVGet(configKey(asset), &cfg)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &cfg, true, nil
}

func (e *Engine) loadState(asset string) (*State, error) {
	var st State
	ok, err := e.st.KVGet(stateKey(asset), &st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newState(), nil
	}
	if st.Amount == nil {
		st.Amount = big.NewInt(0)
	}
	if st.Value == nil {
		st.Value = big.NewInt(0)
	}
	return &st, nil
}

func (e *Engine) storeState(asset string, st *State) error {
	return e.st.KVPut(stateKey(asset), st)
}

// AddToBatch accumulates a deposit into the asset's live batch, opening a new
// batch when the ledger is empty. Trigger conditions are evaluated after
// accumulation; when met the batch locks within the same call and the close
// result is returned for settlement, which must conclude with Finalize or
// Reopen. A nil result means the batch is still accumulating.
func (e *Engine) AddToBatch(asset string, participant [20]byte, amount, value *big.Int) (*CloseResult, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("batch: amount must be positive")
	}
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("batch: value must be non-negative")
	}
	cfg, found, err := e.loadConfig(asset)
	if err != nil {
		return nil, err
	}
	if !found || !cfg.Active {
		return nil, ErrBatchingInactive
	}
	st, err := e.loadState(asset)
	if err != nil {
		return nil, err
	}
	if st.Phase == PhaseClosing {
		return nil, ErrBatchLocked
	}
	now := e.now()
	if st.Phase == PhaseEmpty {
		st.Phase = PhaseAccumulating
		st.Sequence++
		st.FirstDeposit = now
		e.emit(batchOpened{asset: asset, sequence: st.Sequence, openedAt: now})
	}
	st.Amount = new(big.Int).Add(st.Amount, amount)
	st.Value = new(big.Int).Add(st.Value, value)
	if !st.hasParticipant(participant) {
		st.Participants = append(st.Participants, participant)
	}
	st.LastUpdate = now

	should, reason := e.evaluate(cfg, st, now)
	if !should {
		if err := e.storeState(asset, st); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return e.closeBatch(asset, st, reason)
}

// ShouldProcess reports whether the asset's live batch would close right now,
// along with the machine-readable reason. It never mutates state, so keepers
// can poll it freely.
func (e *Engine) ShouldProcess(asset string) (bool, string, error) {
	if e == nil || e.st == nil {
		return false, "", errNilState
	}
	cfg, found, err := e.loadConfig(asset)
	if err != nil {
		return false, "", err
	}
	if !found || !cfg.Active {
		return false, ReasonInactive, nil
	}
	st, err := e.loadState(asset)
	if err != nil {
		return false, "", err
	}
	should, reason := e.evaluate(cfg, st, e.now())
	return should, reason, nil
}

// evaluate applies the trigger conditions in strict order, first match wins.
func (e *Engine) evaluate(cfg *Config, st *State, now int64) (bool, string) {
	if !cfg.Active {
		return false, ReasonInactive
	}
	if st.Phase == PhaseClosing {
		return false, ReasonLocked
	}
	if st.Value.Cmp(cfg.MaxSize) >= 0 {
		return true, ReasonMaxSize
	}
	if st.Value.Cmp(cfg.MinSize) < 0 {
		return false, ReasonBelowMin
	}
	if uint32(len(st.Participants)) < cfg.MinParticipants {
		return false, ReasonInsufficientParticipants
	}
	if st.FirstDeposit > 0 && now-st.FirstDeposit >= cfg.MaxTimeDelay {
		return true, ReasonTimeThreshold
	}
	fee := e.baseFee()
	if fee.Cmp(cfg.GasThreshold) > 0 {
		return false, ReasonCongestionHigh
	}
	if fee.Cmp(cfg.TargetGasPrice) <= 0 {
		return true, ReasonCongestionOptimal
	}
	return false, ReasonNotMet
}

// closeBatch locks the live batch for settlement. The identifier is derived
// from the batch's immutable contents at close time, so a replayed close for
// the same logical batch is rejected even if the live state were
// reconstructed. The batch stays locked until the settlement path calls
// Finalize or Reopen; the processed marker is only recorded on Finalize.
func (e *Engine) closeBatch(asset string, st *State, reason string) (*CloseResult, error) {
	id := ComputeBatchID(asset, st.Sequence, st.Amount, st.Participants)
	var marker processedMarker
	exists, err := e.st.KVGet(processedKey(id), &marker)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyProcessed
	}

	st.Phase = PhaseClosing
	st.CloseReason = reason
	if err := e.storeState(asset, st); err != nil {
		return nil, err
	}

	result := &CloseResult{
		ID:           id,
		Asset:        asset,
		Sequence:     st.Sequence,
		Amount:       cloneBigInt(st.Amount),
		Value:        cloneBigInt(st.Value),
		Participants: append([][20]byte{}, st.Participants...),
		Reason:       reason,
	}
	e.emit(batchClosed{result: result})
	return result, nil
}

// CloseIfReady locks the live batch when its trigger conditions currently
// hold, returning nil when they do not. A batch already locked by an earlier
// interrupted close is handed back as-is so settlement can resume.
func (e *Engine) CloseIfReady(asset string) (*CloseResult, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	cfg, found, err := e.loadConfig(asset)
	if err != nil {
		return nil, err
	}
	if !found || !cfg.Active {
		return nil, ErrBatchingInactive
	}
	st, err := e.loadState(asset)
	if err != nil {
		return nil, err
	}
	if st.Phase == PhaseClosing {
		return &CloseResult{
			ID:           ComputeBatchID(asset, st.Sequence, st.Amount, st.Participants),
			Asset:        asset,
			Sequence:     st.Sequence,
			Amount:       cloneBigInt(st.Amount),
			Value:        cloneBigInt(st.Value),
			Participants: append([][20]byte{}, st.Participants...),
			Reason:       st.CloseReason,
		}, nil
	}
	should, reason := e.evaluate(cfg, st, e.now())
	if !should {
		return nil, nil
	}
	return e.closeBatch(asset, st, reason)
}

// Finalize records the processed marker for a locked batch and clears the
// live state, keeping the sequence number. The identifier must match the
// locked contents; a marker that already exists means the batch settled
// through another path and the finalization is a replay.
func (e *Engine) Finalize(asset string, id [32]byte) error {
	if e == nil || e.st == nil {
		return errNilState
	}
	st, err := e.loadState(asset)
	if err != nil {
		return err
	}
	if st.Phase != PhaseClosing {
		return ErrNotClosing
	}
	if ComputeBatchID(asset, st.Sequence, st.Amount, st.Participants) != id {
		return ErrIdentifierMismatch
	}
	var marker processedMarker
	exists, err := e.st.KVGet(processedKey(id), &marker)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyProcessed
	}
	marker = processedMarker{
		Asset:    asset,
		Sequence: st.Sequence,
		Amount:   cloneBigInt(st.Amount),
		Value:    cloneBigInt(st.Value),
		ClosedAt: e.now(),
	}
	if err := e.st.KVPut(processedKey(id), marker); err != nil {
		return err
	}
	reset := newState()
	reset.Sequence = st.Sequence
	return e.storeState(asset, reset)
}

// Reopen unlocks a batch whose settlement did not run, returning it to
// accumulation so later deposits or keeper polls retry the close.
func (e *Engine) Reopen(asset string) error {
	if e == nil || e.st == nil {
		return errNilState
	}
	st, err := e.loadState(asset)
	if err != nil {
		return err
	}
	if st.Phase != PhaseClosing {
		return ErrNotClosing
	}
	st.Phase = PhaseAccumulating
	st.CloseReason = ""
	if err := e.storeState(asset, st); err != nil {
		return err
	}
	e.emit(batchReopened{asset: asset, sequence: st.Sequence})
	return nil
}

// Pending returns a copy of the asset's live batch state.
func (e *Engine) Pending(asset string) (*State, error) {
	if e == nil || e.st == nil {
		return nil, errNilState
	}
	st, err := e.loadState(asset)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Processed reports whether the identifier belongs to a settled batch.
func (e *Engine) Processed(id [32]byte) (bool, error) {
	if e == nil || e.st == nil {
		return false, errNilState
	}
	var marker processedMarker
	return e.st.KVGet(processedKey(id), &marker)
}

// ComputeBatchID derives the deduplication identifier from a batch's
// immutable contents: asset, sequence number, accumulated amount, and the
// ordered participant list.
func ComputeBatchID(asset string, sequence uint64, amount *big.Int, participants [][20]byte) [32]byte {
	seq := make([]byte, 8)
	for i := 0; i < 8; i++ {
		seq[7-i] = byte(sequence >> (8 * i))
	}
	amt := make([]byte, 32)
	if amount != nil && amount.Sign() > 0 {
		amount.FillBytes(amt)
	}
	parts := make([]byte, 0, len(participants)*20)
	for _, p := range participants {
		parts = append(parts, p[:]...)
	}
	return [32]byte(ethcrypto.Keccak256Hash([]byte(asset), seq, amt, parts))
}

type processedMarker struct {
	Asset    string   `json:"asset"`
	Sequence uint64   `json:"sequence"`
	Amount   *big.Int `json:"amount"`
	Value    *big.Int `json:"value"`
	ClosedAt int64    `json:"closedAt"`
}

func configKey(asset string) []byte {
	return []byte("batch/config/" + asset)
}

func stateKey(asset string) []byte {
	return []byte("batch/state/" + asset)
}

func processedKey(id [32]byte) []byte {
	return []byte("batch/processed/" + hex.EncodeToString(id[:]))
}
