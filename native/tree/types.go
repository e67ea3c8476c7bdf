package tree

import (
	"math/big"

	"dustfold/native/batch"
	"dustfold/native/liquidity"
	"dustfold/native/registry"
)

// SwapQuote is a venue's offer to convert a dust batch into the settlement
// asset. RouteData is opaque to the engine and handed back verbatim on
// execution.
type SwapQuote struct {
	AmountIn    *big.Int
	ExpectedOut *big.Int
	RouteData   []byte
}

// SwapAdapter abstracts the external venue that converts closed batches into
// the settlement asset. Execute returns the realized output amount.
type SwapAdapter interface {
	Quote(assetIn, assetOut string, amount *big.Int) (*SwapQuote, error)
	Execute(assetIn, assetOut string, amount, minOut *big.Int, routeData []byte) (*big.Int, error)
}

// AssetRegistry is the slice of the registry the orchestrator consumes. Asset
// is a side-effect-free admission read; CheckAndConsumeDailyAmount reserves
// against the daily cap and runs only once every other check has passed.
type AssetRegistry interface {
	Asset(symbol string) (*registry.AssetEntry, bool, error)
	CheckAndConsumeDailyAmount(symbol string, amount *big.Int) (bool, error)
}

// MetricsSource values deposits and prices issuance.
type MetricsSource interface {
	SettlementValue(asset string, amount *big.Int) (*big.Int, error)
	CalculateIssuanceRate(asset string, amount *big.Int) (*big.Int, error)
}

// Batcher accumulates deposits and drives the two-phase batch close: a close
// result comes back with the batch locked, and the settlement path concludes
// with Finalize on success or Reopen when the venue could not be reached.
type Batcher interface {
	AddToBatch(asset string, participant [20]byte, amount, value *big.Int) (*batch.CloseResult, error)
	CloseIfReady(asset string) (*batch.CloseResult, error)
	Finalize(asset string, id [32]byte) error
	Reopen(asset string) error
}

// LiquidityTarget receives consolidated settlement value.
type LiquidityTarget interface {
	AddLiquidity(caller, from [20]byte, assetAmount, settlementAmount, minUnits *big.Int) (*liquidity.AddResult, error)
	QuoteMatchingAsset(settlementAmount *big.Int) (*big.Int, error)
}

// RecoveryGate reports whether the emergency machinery has frozen deposits.
type RecoveryGate interface {
	DepositsHalted() (bool, error)
}

// UserDeposit is one accepted deposit as recorded in a user's history.
type UserDeposit struct {
	Asset     string   `json:"asset"`
	Amount    *big.Int `json:"amount"`
	Value     *big.Int `json:"value"`
	Minted    *big.Int `json:"minted"`
	Timestamp int64    `json:"timestamp"`
}

// DepositReceipt is returned to the depositor. SettlementError carries the
// venue failure when the deposit closed a batch that could not settle; the
// batch stays open and retries at its next trigger.
type DepositReceipt struct {
	Asset           string
	Amount          *big.Int
	Value           *big.Int
	Rate            *big.Int
	Minted          *big.Int
	BatchID         [32]byte
	Settled         bool
	Settlement      *SettlementResult
	SettlementError string
}

// SettlementResult reports the conversion and consolidation of a closed
// batch.
type SettlementResult struct {
	BatchID       [32]byte
	Asset         string
	AmountIn      *big.Int
	SettlementOut *big.Int
	MatchedIssued *big.Int
	Units         *big.Int
	Reason        string
}
