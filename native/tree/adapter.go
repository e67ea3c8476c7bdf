package tree

import (
	"errors"
	"math/big"
)

// ErrQuoteUnavailable rejects swaps for assets without a usable valuation.
var ErrQuoteUnavailable = errors.New("tree: no quote available")

// OracleQuotedVenue prices swaps off the harmonic settlement oracle and
// executes at the quoted rate. It stands in for an external venue in local
// deployments where every conversion settles against the protocol's own
// valuation.
type OracleQuotedVenue struct {
	source MetricsSource
}

// NewOracleQuotedVenue builds a venue over the metrics oracle.
func NewOracleQuotedVenue(source MetricsSource) *OracleQuotedVenue {
	return &OracleQuotedVenue{source: source}
}

func (v *OracleQuotedVenue) Quote(assetIn, assetOut string, amount *big.Int) (*SwapQuote, error) {
	if v == nil || v.source == nil {
		return nil, ErrQuoteUnavailable
	}
	out, err := v.source.SettlementValue(assetIn, amount)
	if err != nil {
		return nil, err
	}
	if out.Sign() <= 0 {
		return nil, ErrQuoteUnavailable
	}
	return &SwapQuote{
		AmountIn:    new(big.Int).Set(amount),
		ExpectedOut: out,
	}, nil
}

func (v *OracleQuotedVenue) Execute(assetIn, assetOut string, amount, minOut *big.Int, routeData []byte) (*big.Int, error) {
	quote, err := v.Quote(assetIn, assetOut, amount)
	if err != nil {
		return nil, err
	}
	if minOut != nil && quote.ExpectedOut.Cmp(minOut) < 0 {
		return nil, errors.New("tree: realized output below floor")
	}
	return quote.ExpectedOut, nil
}
