package registry

import (
	"fmt"
	"math/big"
	"strings"
)

// AssetEntry captures the acceptance window for a whitelisted dust asset.
// Entries are soft-deleted: removal clears Accepted but retains the record so
// historical deposits stay auditable.
type AssetEntry struct {
	Symbol       string   `json:"symbol"`
	Accepted     bool     `json:"accepted"`
	Decimals     uint8    `json:"decimals"`
	MinAmount    *big.Int `json:"minAmount"`
	MaxAmount    *big.Int `json:"maxAmount"`
	DailyCap     *big.Int `json:"dailyCap"`
	UsedToday    *big.Int `json:"usedToday"`
	LastReset    int64    `json:"lastReset"`
	RegisteredAt int64    `json:"registeredAt"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (e *AssetEntry) Clone() *AssetEntry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.MinAmount = cloneBigInt(e.MinAmount)
	clone.MaxAmount = cloneBigInt(e.MaxAmount)
	clone.DailyCap = cloneBigInt(e.DailyCap)
	clone.UsedToday = cloneBigInt(e.UsedToday)
	return &clone
}

// NormalizeSymbol canonicalises an asset symbol to its uppercase form and
// rejects empty or oversized identifiers.
func NormalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("registry: empty asset symbol")
	}
	if len(trimmed) > 16 {
		return "", fmt.Errorf("registry: asset symbol too long: %s", trimmed)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("registry: invalid asset symbol: %s", symbol)
		}
	}
	return trimmed, nil
}

func validateLimits(minAmount, maxAmount, dailyCap *big.Int) error {
	if minAmount == nil || minAmount.Sign() <= 0 {
		return fmt.Errorf("registry: minimum amount must be positive")
	}
	if maxAmount == nil || maxAmount.Cmp(minAmount) < 0 {
		return fmt.Errorf("registry: maximum amount below minimum")
	}
	if dailyCap == nil || dailyCap.Cmp(maxAmount) < 0 {
		return fmt.Errorf("registry: daily cap below maximum amount")
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
