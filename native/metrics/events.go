package metrics

import (
	"math/big"

	"dustfold/core/types"
)

// EventTypeMetricsUpdated is emitted after every accepted sample update.
const EventTypeMetricsUpdated = "metrics.updated"

type metricsUpdated struct {
	asset             string
	harmonicPrice     *big.Int
	harmonicLiquidity *big.Int
	velocity          *big.Int
}

func (metricsUpdated) EventType() string { return EventTypeMetricsUpdated }

func (e metricsUpdated) Event() *types.Event {
	return &types.Event{
		Type: EventTypeMetricsUpdated,
		Attributes: map[string]string{
			"asset":             e.asset,
			"harmonicPrice":     e.harmonicPrice.String(),
			"harmonicLiquidity": e.harmonicLiquidity.String(),
			"velocity":          e.velocity.String(),
		},
	}
}
