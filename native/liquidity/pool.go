package liquidity

import (
	"fmt"
	"math/big"

	nativecommon "dustfold/native/common"
)

type poolState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type poolReserves struct {
	AssetReserve      *big.Int `json:"assetReserve"`
	SettlementReserve *big.Int `json:"settlementReserve"`
	TotalUnits        *big.Int `json:"totalUnits"`
}

// ConstantProductPool is a state-backed two-sided position: the first deposit
// mints sqrt(a*b) units, later deposits mint proportionally to the asset side.
type ConstantProductPool struct {
	st poolState
}

// NewConstantProductPool wraps the state manager as a Pool.
func NewConstantProductPool(st poolState) *ConstantProductPool {
	return &ConstantProductPool{st: st}
}

func (p *ConstantProductPool) load() (*poolReserves, error) {
	r := &poolReserves{}
	if _, err := p.st.KVGet(reservesKey(), r); err != nil {
		return nil, err
	}
	if r.AssetReserve == nil {
		r.AssetReserve = big.NewInt(0)
	}
	if r.SettlementReserve == nil {
		r.SettlementReserve = big.NewInt(0)
	}
	if r.TotalUnits == nil {
		r.TotalUnits = big.NewInt(0)
	}
	return r, nil
}

func (p *ConstantProductPool) store(r *poolReserves) error {
	return p.st.KVPut(reservesKey(), r)
}

func mintableUnits(r *poolReserves, assetAmount, settlementAmount *big.Int) *big.Int {
	if r.TotalUnits.Sign() == 0 {
		return new(big.Int).Sqrt(new(big.Int).Mul(assetAmount, settlementAmount))
	}
	byAsset := new(big.Int).Mul(assetAmount, r.TotalUnits)
	byAsset.Div(byAsset, r.AssetReserve)
	bySettlement := new(big.Int).Mul(settlementAmount, r.TotalUnits)
	bySettlement.Div(bySettlement, r.SettlementReserve)
	if bySettlement.Cmp(byAsset) < 0 {
		return bySettlement
	}
	return byAsset
}

// QuoteDeposit reports the units a deposit would mint without moving funds.
func (p *ConstantProductPool) QuoteDeposit(assetAmount, settlementAmount *big.Int) (*big.Int, error) {
	if assetAmount == nil || assetAmount.Sign() <= 0 || settlementAmount == nil || settlementAmount.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity: deposit amounts must be positive")
	}
	r, err := p.load()
	if err != nil {
		return nil, err
	}
	return mintableUnits(r, assetAmount, settlementAmount), nil
}

// QuoteWithdraw reports the proportional share a burn would return without
// moving funds.
func (p *ConstantProductPool) QuoteWithdraw(units *big.Int) (*big.Int, *big.Int, error) {
	if units == nil || units.Sign() <= 0 {
		return nil, nil, fmt.Errorf("liquidity: units must be positive")
	}
	r, err := p.load()
	if err != nil {
		return nil, nil, err
	}
	if units.Cmp(r.TotalUnits) > 0 {
		return nil, nil, fmt.Errorf("liquidity: units exceed pool supply")
	}
	assetOut := new(big.Int).Mul(r.AssetReserve, units)
	assetOut.Div(assetOut, r.TotalUnits)
	settlementOut := new(big.Int).Mul(r.SettlementReserve, units)
	settlementOut.Div(settlementOut, r.TotalUnits)
	return assetOut, settlementOut, nil
}

// Deposit adds both sides and mints units.
func (p *ConstantProductPool) Deposit(assetAmount, settlementAmount *big.Int) (*big.Int, error) {
	if assetAmount == nil || assetAmount.Sign() <= 0 || settlementAmount == nil || settlementAmount.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity: deposit amounts must be positive")
	}
	r, err := p.load()
	if err != nil {
		return nil, err
	}
	units := mintableUnits(r, assetAmount, settlementAmount)
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity: deposit too small to mint units")
	}
	r.AssetReserve.Add(r.AssetReserve, assetAmount)
	r.SettlementReserve.Add(r.SettlementReserve, settlementAmount)
	r.TotalUnits.Add(r.TotalUnits, units)
	if err := p.store(r); err != nil {
		return nil, err
	}
	return new(big.Int).Set(units), nil
}

// Withdraw burns units and returns the proportional share of both reserves.
func (p *ConstantProductPool) Withdraw(units *big.Int) (*big.Int, *big.Int, error) {
	if units == nil || units.Sign() <= 0 {
		return nil, nil, fmt.Errorf("liquidity: units must be positive")
	}
	r, err := p.load()
	if err != nil {
		return nil, nil, err
	}
	if units.Cmp(r.TotalUnits) > 0 {
		return nil, nil, fmt.Errorf("liquidity: units exceed pool supply")
	}
	assetOut := new(big.Int).Mul(r.AssetReserve, units)
	assetOut.Div(assetOut, r.TotalUnits)
	settlementOut := new(big.Int).Mul(r.SettlementReserve, units)
	settlementOut.Div(settlementOut, r.TotalUnits)
	r.AssetReserve.Sub(r.AssetReserve, assetOut)
	r.SettlementReserve.Sub(r.SettlementReserve, settlementOut)
	r.TotalUnits.Sub(r.TotalUnits, units)
	if err := p.store(r); err != nil {
		return nil, nil, err
	}
	return assetOut, settlementOut, nil
}

// Reserves returns copies of the current reserves.
func (p *ConstantProductPool) Reserves() (*big.Int, *big.Int, error) {
	r, err := p.load()
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(r.AssetReserve), new(big.Int).Set(r.SettlementReserve), nil
}

func reservesKey() []byte {
	return []byte("liquidity/reserves/" + nativecommon.IssuedSymbol + "-" + nativecommon.SettlementSymbol)
}
