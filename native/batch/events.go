package batch

import (
	"encoding/hex"
	"strconv"

	"dustfold/core/types"
)

const (
	EventTypeBatchOpened   = "batch.opened"
	EventTypeBatchClosed   = "batch.closed"
	EventTypeBatchReopened = "batch.reopened"
)

type batchOpened struct {
	asset    string
	sequence uint64
	openedAt int64
}

func (batchOpened) EventType() string { return EventTypeBatchOpened }

func (e batchOpened) Event() *types.Event {
	return &types.Event{
		Type: EventTypeBatchOpened,
		Attributes: map[string]string{
			"asset":    e.asset,
			"sequence": strconv.FormatUint(e.sequence, 10),
			"openedAt": strconv.FormatInt(e.openedAt, 10),
		},
	}
}

type batchReopened struct {
	asset    string
	sequence uint64
}

func (batchReopened) EventType() string { return EventTypeBatchReopened }

func (e batchReopened) Event() *types.Event {
	return &types.Event{
		Type: EventTypeBatchReopened,
		Attributes: map[string]string{
			"asset":    e.asset,
			"sequence": strconv.FormatUint(e.sequence, 10),
		},
	}
}

type batchClosed struct {
	result *CloseResult
}

func (batchClosed) EventType() string { return EventTypeBatchClosed }

func (e batchClosed) Event() *types.Event {
	attrs := make(map[string]string)
	if e.result != nil {
		attrs["id"] = hex.EncodeToString(e.result.ID[:])
		attrs["asset"] = e.result.Asset
		attrs["sequence"] = strconv.FormatUint(e.result.Sequence, 10)
		attrs["amount"] = e.result.Amount.String()
		attrs["value"] = e.result.Value.String()
		attrs["participants"] = strconv.Itoa(len(e.result.Participants))
		attrs["reason"] = e.result.Reason
	}
	return &types.Event{Type: EventTypeBatchClosed, Attributes: attrs}
}
