package registry

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"dustfold/core/events"
	nativecommon "dustfold/native/common"
)

// RoleManager guards all mutating registry operations.
const RoleManager = "ROLE_DUST_MANAGER"

const (
	moduleName         = "registry"
	dailyWindowSeconds = int64(24 * 60 * 60)
)

var (
	errNilState          = errors.New("registry: state not configured")
	errUnauthorized      = errors.New("registry: caller missing ROLE_DUST_MANAGER")
	ErrAssetNotAccepted  = errors.New("registry: asset not accepted")
	ErrAlreadyRegistered = errors.New("registry: asset already accepted")
)

type registryState interface {
	HasRole(role string, addr []byte) bool
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Registry manages the whitelist of accepted dust assets, their per-deposit
// bounds, and the rolling daily volume caps.
type Registry struct {
	st      registryState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewRegistry creates a registry backed by the provided state manager.
func NewRegistry(st registryState) *Registry {
	return &Registry{
		st:      st,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetPauses wires the governance pause switches into the registry.
func (r *Registry) SetPauses(p nativecommon.PauseView) {
	if r == nil {
		return
	}
	r.pauses = p
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

func (r *Registry) emit(evt events.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(evt)
}

func (r *Registry) requireManager(caller [20]byte) error {
	if r == nil || r.st == nil {
		return errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	if !r.st.HasRole(RoleManager, caller[:]) {
		return errUnauthorized
	}
	return nil
}

func (r *Registry) loadEntry(symbol string) (*AssetEntry, bool, error) {
	var entry AssetEntry
	ok, err := r.st.KVGet(assetKey(symbol), &entry)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (r *Registry) storeEntry(entry *AssetEntry) error {
	return r.st.KVPut(assetKey(entry.Symbol), entry)
}

func (r *Registry) loadIndex() ([]string, error) {
	var index []string
	if _, err := r.st.KVGet(indexKey(), &index); err != nil {
		return nil, err
	}
	return index, nil
}

// Register whitelists a new asset with the supplied deposit bounds. A
// previously removed asset may be re-registered; an accepted asset may not.
func (r *Registry) Register(caller [20]byte, symbol string, decimals uint8, minAmount, maxAmount, dailyCap *big.Int) (*AssetEntry, error) {
	if err := r.requireManager(caller); err != nil {
		return nil, err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if err := validateLimits(minAmount, maxAmount, dailyCap); err != nil {
		return nil, err
	}
	existing, found, err := r.loadEntry(normalized)
	if err != nil {
		return nil, err
	}
	if found && existing.Accepted {
		return nil, ErrAlreadyRegistered
	}
	now := r.now()
	entry := &AssetEntry{
		Symbol:       normalized,
		Accepted:     true,
		Decimals:     decimals,
		MinAmount:    cloneBigInt(minAmount),
		MaxAmount:    cloneBigInt(maxAmount),
		DailyCap:     cloneBigInt(dailyCap),
		UsedToday:    big.NewInt(0),
		LastReset:    now,
		RegisteredAt: now,
	}
	if found {
		// Re-registration keeps the original registration timestamp.
		entry.RegisteredAt = existing.RegisteredAt
	}
	if err := r.storeEntry(entry); err != nil {
		return nil, err
	}
	index, err := r.loadIndex()
	if err != nil {
		return nil, err
	}
	present := false
	for _, sym := range index {
		if sym == normalized {
			present = true
			break
		}
	}
	if !present {
		index = append(index, normalized)
		if err := r.st.KVPut(indexKey(), index); err != nil {
			return nil, err
		}
	}
	r.emit(assetRegistered{entry: entry})
	return entry.Clone(), nil
}

// Deregister soft-deletes an accepted asset. The entry is retained with the
// acceptance flag cleared; the iterable set drops the symbol (order is not
// preserved).
func (r *Registry) Deregister(caller [20]byte, symbol string) error {
	if err := r.requireManager(caller); err != nil {
		return err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	entry, found, err := r.loadEntry(normalized)
	if err != nil {
		return err
	}
	if !found || !entry.Accepted {
		return ErrAssetNotAccepted
	}
	entry.Accepted = false
	if err := r.storeEntry(entry); err != nil {
		return err
	}
	index, err := r.loadIndex()
	if err != nil {
		return err
	}
	for i, sym := range index {
		if sym == normalized {
			index[i] = index[len(index)-1]
			index = index[:len(index)-1]
			break
		}
	}
	if err := r.st.KVPut(indexKey(), index); err != nil {
		return err
	}
	r.emit(assetRemoved{symbol: normalized})
	return nil
}

// UpdateLimits replaces the deposit bounds of an accepted asset in place.
func (r *Registry) UpdateLimits(caller [20]byte, symbol string, minAmount, maxAmount, dailyCap *big.Int) error {
	if err := r.requireManager(caller); err != nil {
		return err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if err := validateLimits(minAmount, maxAmount, dailyCap); err != nil {
		return err
	}
	entry, found, err := r.loadEntry(normalized)
	if err != nil {
		return err
	}
	if !found || !entry.Accepted {
		return ErrAssetNotAccepted
	}
	entry.MinAmount = cloneBigInt(minAmount)
	entry.MaxAmount = cloneBigInt(maxAmount)
	entry.DailyCap = cloneBigInt(dailyCap)
	if err := r.storeEntry(entry); err != nil {
		return err
	}
	r.emit(assetUpdated{entry: entry})
	return nil
}

// CheckAndConsumeDailyAmount reserves amount against the asset's rolling daily
// cap. The daily window rolls over lazily on the first touch at least 24h after
// the previous reset. The check returning false is a business outcome, not an
// error; on true the amount has already been consumed, so a successful check
// is a reservation, not an idempotent read.
func (r *Registry) CheckAndConsumeDailyAmount(symbol string, amount *big.Int) (bool, error) {
	if r == nil || r.st == nil {
		return false, errNilState
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return false, err
	}
	entry, found, err := r.loadEntry(normalized)
	if err != nil {
		return false, err
	}
	if !found || !entry.Accepted {
		return false, nil
	}
	now := r.now()
	if now-entry.LastReset >= dailyWindowSeconds {
		entry.UsedToday = big.NewInt(0)
		entry.LastReset = now
		// The rollover persists even when the check below fails.
		if err := r.storeEntry(entry); err != nil {
			return false, err
		}
	}
	if amount == nil || amount.Sign() <= 0 {
		return false, nil
	}
	if amount.Cmp(entry.MinAmount) < 0 || amount.Cmp(entry.MaxAmount) > 0 {
		return false, nil
	}
	projected := new(big.Int).Add(entry.UsedToday, amount)
	if projected.Cmp(entry.DailyCap) > 0 {
		return false, nil
	}
	entry.UsedToday = projected
	if err := r.storeEntry(entry); err != nil {
		return false, err
	}
	return true, nil
}

// Asset returns the stored entry for symbol, including soft-deleted entries.
func (r *Registry) Asset(symbol string) (*AssetEntry, bool, error) {
	if r == nil || r.st == nil {
		return nil, false, errNilState
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, false, err
	}
	entry, found, err := r.loadEntry(normalized)
	if err != nil || !found {
		return nil, found, err
	}
	return entry.Clone(), true, nil
}

// AcceptedAssets returns the currently accepted symbols. Iteration order is
// not significant.
func (r *Registry) AcceptedAssets() ([]string, error) {
	if r == nil || r.st == nil {
		return nil, errNilState
	}
	index, err := r.loadIndex()
	if err != nil {
		return nil, err
	}
	return append([]string{}, index...), nil
}

func assetKey(symbol string) []byte {
	return []byte(fmt.Sprintf("registry/asset/%s", symbol))
}

func indexKey() []byte {
	return []byte("registry/assets")
}
