package registry

import (
	"strconv"

	"dustfold/core/types"
)

const (
	EventTypeAssetRegistered = "registry.asset.registered"
	EventTypeAssetRemoved    = "registry.asset.removed"
	EventTypeAssetUpdated    = "registry.asset.updated"
)

type assetRegistered struct {
	entry *AssetEntry
}

func (assetRegistered) EventType() string { return EventTypeAssetRegistered }

func (e assetRegistered) Event() *types.Event { return entryEvent(EventTypeAssetRegistered, e.entry) }

type assetRemoved struct {
	symbol string
}

func (assetRemoved) EventType() string { return EventTypeAssetRemoved }

func (e assetRemoved) Event() *types.Event {
	return &types.Event{
		Type:       EventTypeAssetRemoved,
		Attributes: map[string]string{"symbol": e.symbol},
	}
}

type assetUpdated struct {
	entry *AssetEntry
}

func (assetUpdated) EventType() string { return EventTypeAssetUpdated }

func (e assetUpdated) Event() *types.Event { return entryEvent(EventTypeAssetUpdated, e.entry) }

func entryEvent(eventType string, entry *AssetEntry) *types.Event {
	attrs := make(map[string]string)
	if entry != nil {
		attrs["symbol"] = entry.Symbol
		attrs["decimals"] = strconv.FormatUint(uint64(entry.Decimals), 10)
		attrs["minAmount"] = entry.MinAmount.String()
		attrs["maxAmount"] = entry.MaxAmount.String()
		attrs["dailyCap"] = entry.DailyCap.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
