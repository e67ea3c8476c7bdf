package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"dustfold/core/types"
	"dustfold/storage"
)

var errNilDatabase = errors.New("state: database not configured")

// Manager persists protocol state as JSON-encoded records in a key-value
// database. It provides the account ledger, the role table, and the module
// pause switches consumed by the native engines.
type Manager struct {
	db storage.Database
}

// NewManager wraps the provided database in a state manager.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVGet decodes the record stored under key into out. The boolean reports
// whether a record existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, errNilDatabase
	}
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut encodes value and stores it under key, replacing any prior record.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, raw)
}

// KVDelete removes the record stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	return m.db.Delete(key)
}

// KVAppend appends value to the JSON list stored under key, creating the list
// when absent. Lists are append-only by convention.
func (m *Manager) KVAppend(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	var list []json.RawMessage
	if _, err := m.KVGet(key, &list); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	list = append(list, raw)
	return m.KVPut(key, list)
}

// KVGetList decodes the JSON list stored under key into out, which must be a
// pointer to a slice. A missing list leaves out untouched.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	_, err := m.KVGet(key, out)
	return err
}

// GetAccount loads the account for addr, returning a zeroed account when none
// has been stored yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if m == nil || m.db == nil {
		return nil, errNilDatabase
	}
	var acc types.Account
	ok, err := m.KVGet(accountKey(addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.EnsureDefaults(nil), nil
	}
	return types.EnsureDefaults(&acc), nil
}

// PutAccount stores the account for addr.
func (m *Manager) PutAccount(addr []byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("state: nil account")
	}
	return m.KVPut(accountKey(addr), types.EnsureDefaults(acc))
}

// HasRole reports whether addr holds the named role.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if m == nil || m.db == nil {
		return false
	}
	ok, err := m.db.Has(roleKey(role, addr))
	if err != nil {
		return false
	}
	return ok
}

// GrantRole assigns the named role to addr.
func (m *Manager) GrantRole(role string, addr []byte) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	return m.db.Put(roleKey(role, addr), []byte{1})
}

// RevokeRole removes the named role from addr.
func (m *Manager) RevokeRole(role string, addr []byte) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	return m.db.Delete(roleKey(role, addr))
}

// IsPaused reports whether the named module is paused.
func (m *Manager) IsPaused(module string) bool {
	if m == nil || m.db == nil {
		return false
	}
	ok, err := m.db.Has(pauseKey(module))
	if err != nil {
		return false
	}
	return ok
}

// SetPaused toggles the pause switch for the named module.
func (m *Manager) SetPaused(module string, paused bool) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	if paused {
		return m.db.Put(pauseKey(module), []byte{1})
	}
	return m.db.Delete(pauseKey(module))
}

func accountKey(addr []byte) []byte {
	return []byte("accounts/" + hex.EncodeToString(addr))
}

func roleKey(role string, addr []byte) []byte {
	return []byte("roles/" + role + "/" + hex.EncodeToString(addr))
}

func pauseKey(module string) []byte {
	return []byte("pause/" + module)
}
