package recovery

import (
	"encoding/hex"
	"strconv"

	"dustfold/core/types"
)

const (
	EventTypeActivated      = "recovery.activated"
	EventTypeDeactivated    = "recovery.deactivated"
	EventTypeClaimCreated   = "recovery.claim.created"
	EventTypeClaimProcessed = "recovery.claim.processed"
)

type recoveryActivated struct {
	state *State
}

func (recoveryActivated) EventType() string { return EventTypeActivated }

func (e recoveryActivated) Event() *types.Event {
	attrs := make(map[string]string)
	if e.state != nil {
		attrs["level"] = e.state.Level.String()
		attrs["reason"] = e.state.Reason
		attrs["initiator"] = hex.EncodeToString(e.state.Initiator[:])
		attrs["activatedAt"] = strconv.FormatInt(e.state.ActivatedAt, 10)
		attrs["assets"] = strconv.Itoa(len(e.state.Assets))
	}
	return &types.Event{Type: EventTypeActivated, Attributes: attrs}
}

type recoveryDeactivated struct {
	level         Level
	deactivatedAt int64
}

func (recoveryDeactivated) EventType() string { return EventTypeDeactivated }

func (e recoveryDeactivated) Event() *types.Event {
	return &types.Event{
		Type: EventTypeDeactivated,
		Attributes: map[string]string{
			"level":         e.level.String(),
			"deactivatedAt": strconv.FormatInt(e.deactivatedAt, 10),
		},
	}
}

type claimCreated struct {
	claim *Claim
}

func (claimCreated) EventType() string { return EventTypeClaimCreated }

func (e claimCreated) Event() *types.Event { return claimEvent(EventTypeClaimCreated, e.claim, 0) }

type claimProcessed struct {
	claim       *Claim
	processedAt int64
}

func (claimProcessed) EventType() string { return EventTypeClaimProcessed }

func (e claimProcessed) Event() *types.Event {
	evt := claimEvent(EventTypeClaimProcessed, e.claim, e.processedAt)
	return evt
}

func claimEvent(eventType string, claim *Claim, processedAt int64) *types.Event {
	attrs := make(map[string]string)
	if claim != nil {
		attrs["claimId"] = hex.EncodeToString(claim.ID[:])
		attrs["beneficiary"] = hex.EncodeToString(claim.Beneficiary[:])
		attrs["asset"] = claim.Asset
		if claim.Amount != nil {
			attrs["amount"] = claim.Amount.String()
		}
	}
	if processedAt > 0 {
		attrs["processedAt"] = strconv.FormatInt(processedAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
