package types

import "math/big"

// Account tracks the on-ledger balances for a protocol participant. Balances
// are keyed by canonical asset symbol and are never nil once the account has
// passed through EnsureDefaults.
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// EnsureDefaults normalises a freshly decoded or zero-value account so callers
// can rely on a non-nil balance map.
func EnsureDefaults(acc *Account) *Account {
	if acc == nil {
		acc = &Account{}
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc
}

// Balance returns the balance for the given symbol, treating missing entries
// as zero. The returned value is a copy.
func (a *Account) Balance(symbol string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	value, ok := a.Balances[symbol]
	if !ok || value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}

// SetBalance stores the amount for the given symbol, copying the input.
func (a *Account) SetBalance(symbol string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[symbol] = new(big.Int).Set(amount)
}
