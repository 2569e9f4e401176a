// Package hooks provides the typed event bus approval and lifecycle
// notifications are published on.
package hooks

import (
	"context"
	"sync"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/logging"
)

// EventType names an event published on the bus.
type EventType string

const (
	ApprovalRequested EventType = "APPROVAL_REQUESTED"
	ApprovalDecided   EventType = "APPROVAL_DECIDED"
	ApprovalTimedOut  EventType = "APPROVAL_TIMED_OUT"
	SessionStarted    EventType = "SESSION_STARTED"
	SessionClosed     EventType = "SESSION_CLOSED"
	GatewayStarted    EventType = "GATEWAY_STARTED"
	GatewayStopped    EventType = "GATEWAY_STOPPED"
)

// AllEvents lists every event type the bus carries.
var AllEvents = []EventType{
	ApprovalRequested,
	ApprovalDecided,
	ApprovalTimedOut,
	SessionStarted,
	SessionClosed,
	GatewayStarted,
	GatewayStopped,
}

// ApprovalEvents are the event types that carry an Approval.
var ApprovalEvents = []EventType{ApprovalRequested, ApprovalDecided, ApprovalTimedOut}

// Event is what handlers receive.
type Event struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Approval  *domain.Approval `json:"approval,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
}

// ApprovalEvent builds an approval notification from a snapshot of the record.
func ApprovalEvent(typ EventType, a domain.Approval) Event {
	return Event{Type: typ, SessionID: a.SessionID, ToolUseID: a.ToolUseID, Approval: &a}
}

// Handler handles a bus event.
// Returning an error logs the failure but does not stop processing.
type Handler func(ctx context.Context, e Event) error

// Emitter is the publishing side of the bus.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Bus holds subscriptions and dispatches events to them.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   uint64
	log      *logging.Logger
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// NewBus creates an empty bus.
func NewBus(log *logging.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
		log:      log.Sub("hooks"),
	}
}

// Subscribe registers a handler for the given event type and returns a
// function that removes exactly this registration. The name identifies the
// handler in logs.
func (b *Bus) Subscribe(typ EventType, name string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[typ] = append(b.handlers[typ], subscription{id: id, name: name, handler: handler})
	b.mu.Unlock()

	b.log.Debug().Str("event", string(typ)).Str("handler", name).Msg("hook registered")

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(typ, func(s subscription) bool { return s.id == id }) })
	}
}

// Off removes all handlers with the given name from the event type.
func (b *Bus) Off(typ EventType, name string) {
	b.remove(typ, func(s subscription) bool { return s.name == name })
}

func (b *Bus) remove(typ EventType, match func(subscription) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[typ]
	filtered := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if !match(s) {
			filtered = append(filtered, s)
		}
	}
	b.handlers[typ] = filtered
}

func (b *Bus) snapshot(typ EventType) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]subscription, len(b.handlers[typ]))
	copy(subs, b.handlers[typ])
	return subs
}

// Emit dispatches an event to all subscribed handlers synchronously, in
// registration order. Errors are logged but do not prevent subsequent
// handlers from running.
func (b *Bus) Emit(ctx context.Context, e Event) {
	for _, s := range b.snapshot(e.Type) {
		if err := s.handler(ctx, e); err != nil {
			b.log.Warn().
				Err(err).
				Str("event", string(e.Type)).
				Str("handler", s.name).
				Msg("hook handler error")
		}
	}
}

// Count returns the number of handlers subscribed to an event type.
func (b *Bus) Count(typ EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[typ])
}

// Events returns the event types that have at least one handler.
func (b *Bus) Events() []EventType {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]EventType, 0, len(b.handlers))
	for typ, subs := range b.handlers {
		if len(subs) > 0 {
			events = append(events, typ)
		}
	}
	return events
}
