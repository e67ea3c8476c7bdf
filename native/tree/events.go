package tree

import (
	"encoding/hex"
	"strconv"

	"dustfold/core/types"
)

const (
	EventTypeDeposit            = "tree.deposit"
	EventTypeSettled            = "tree.settled"
	EventTypeSettlementDeferred = "tree.settlement_deferred"
)

type depositAccepted struct {
	caller [20]byte
	record *UserDeposit
}

func (depositAccepted) EventType() string { return EventTypeDeposit }

func (e depositAccepted) Event() *types.Event {
	attrs := map[string]string{
		"depositor": hex.EncodeToString(e.caller[:]),
	}
	if e.record != nil {
		attrs["asset"] = e.record.Asset
		attrs["amount"] = e.record.Amount.String()
		attrs["value"] = e.record.Value.String()
		attrs["minted"] = e.record.Minted.String()
		attrs["timestamp"] = strconv.FormatInt(e.record.Timestamp, 10)
	}
	return &types.Event{Type: EventTypeDeposit, Attributes: attrs}
}

type settlementDeferred struct {
	asset  string
	id     [32]byte
	reason string
}

func (settlementDeferred) EventType() string { return EventTypeSettlementDeferred }

func (e settlementDeferred) Event() *types.Event {
	return &types.Event{
		Type: EventTypeSettlementDeferred,
		Attributes: map[string]string{
			"asset":   e.asset,
			"batchId": hex.EncodeToString(e.id[:]),
			"reason":  e.reason,
		},
	}
}

type batchSettled struct {
	result *SettlementResult
}

func (batchSettled) EventType() string { return EventTypeSettled }

func (e batchSettled) Event() *types.Event {
	attrs := make(map[string]string)
	if e.result != nil {
		attrs["batchId"] = hex.EncodeToString(e.result.BatchID[:])
		attrs["asset"] = e.result.Asset
		attrs["amountIn"] = e.result.AmountIn.String()
		attrs["settlementOut"] = e.result.SettlementOut.String()
		attrs["matchedIssued"] = e.result.MatchedIssued.String()
		attrs["units"] = e.result.Units.String()
		attrs["reason"] = e.result.Reason
	}
	return &types.Event{Type: EventTypeSettled, Attributes: attrs}
}
