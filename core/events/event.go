package events

// Event represents a structured state change emitted by a protocol engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (status endpoints,
// indexers, keeper tooling).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for engines whose callers do not wire an emitter.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
