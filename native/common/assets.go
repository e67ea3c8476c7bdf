package common

// Canonical symbols for the protocol's two first-class assets. Dust inputs are
// arbitrary registry-approved symbols; these two are fixed.
const (
	// SettlementSymbol is the asset dust batches are swapped into.
	SettlementSymbol = "USDF"
	// IssuedSymbol is the asset minted against appraised deposits.
	IssuedSymbol = "FOLD"
)
