package events

// Event represents a structured state change emitted by the coordination
// core (registry, scheduler, escrow).
type Event struct {
	Type       string
	Attributes map[string]string
}

// EventType returns the event discriminator.
func (e *Event) EventType() string {
	if e == nil {
		return ""
	}
	return e.Type
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC streams,
// indexers, the P2P gossip layer).
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// Engines default to it so emission stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}

// FuncEmitter adapts a plain function to the Emitter interface.
type FuncEmitter func(*Event)

// Emit implements the Emitter interface.
func (f FuncEmitter) Emit(e *Event) {
	if f != nil {
		f(e)
	}
}
