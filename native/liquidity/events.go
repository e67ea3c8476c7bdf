package liquidity

import (
	"math/big"

	"dustfold/core/types"
)

const (
	EventTypeLiquidityAdded   = "liquidity.added"
	EventTypeLiquidityRemoved = "liquidity.removed"
)

type liquidityAdded struct {
	units  *big.Int
	fee    *big.Int
	net    *big.Int
	refund *big.Int
}

func (liquidityAdded) EventType() string { return EventTypeLiquidityAdded }

func (e liquidityAdded) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLiquidityAdded,
		Attributes: map[string]string{
			"units":         e.units.String(),
			"fee":           e.fee.String(),
			"netSettlement": e.net.String(),
			"refund":        e.refund.String(),
		},
	}
}

type liquidityRemoved struct {
	units         *big.Int
	assetOut      *big.Int
	settlementOut *big.Int
}

func (liquidityRemoved) EventType() string { return EventTypeLiquidityRemoved }

func (e liquidityRemoved) Event() *types.Event {
	return &types.Event{
		Type: EventTypeLiquidityRemoved,
		Attributes: map[string]string{
			"units":         e.units.String(),
			"assetOut":      e.assetOut.String(),
			"settlementOut": e.settlementOut.String(),
		},
	}
}
