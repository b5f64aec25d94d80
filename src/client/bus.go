package client

import (
	"sync"

	"github.com/blazeintel/rtssf/src/wire"
	"github.com/rs/zerolog"
)

// Event names a client notification.
type Event string

const (
	EventConnected          Event = "connected"
	EventDisconnected       Event = "disconnected"
	EventError              Event = "error"
	EventMessage            Event = "message"
	EventServerError        Event = "serverError"
	EventUnhandledMessage   Event = "unhandledMessage"
	EventReconnectionFailed Event = "reconnectionFailed"

	// One event per dispatched inbound type, named after the type.
	EventConnection            = Event(wire.TypeConnection)
	EventSubscriptionConfirmed = Event(wire.TypeSubscriptionConfirmed)
	EventInitialData           = Event(wire.TypeInitialData)
	EventLiveUpdate            = Event(wire.TypeLiveUpdate)
	EventBiometricUpdate       = Event(wire.TypeBiometricUpdate)
	EventAnalysisResult        = Event(wire.TypeAnalysisResult)
	EventOverlayUpdate         = Event(wire.TypeOverlayUpdate)
)

// typedEvents are the inbound types that get their own event.
var typedEvents = map[wire.Type]Event{
	wire.TypeConnection:            EventConnection,
	wire.TypeSubscriptionConfirmed: EventSubscriptionConfirmed,
	wire.TypeInitialData:           EventInitialData,
	wire.TypeLiveUpdate:            EventLiveUpdate,
	wire.TypeBiometricUpdate:       EventBiometricUpdate,
	wire.TypeAnalysisResult:        EventAnalysisResult,
	wire.TypeOverlayUpdate:         EventOverlayUpdate,
}

// EventData is what handlers receive. Which fields are set depends on Kind:
// inbound kinds, serverError and unhandledMessage carry Envelope; error
// carries Err; disconnected carries CloseCode; reconnectionFailed carries
// Attempts.
type EventData struct {
	Kind      Event
	Envelope  wire.Envelope
	Err       error
	CloseCode int
	Attempts  int64
}

// Handler receives one event.
type Handler func(EventData)

// HandlerID identifies a registration for Off.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

// Bus dispatches events to handlers by kind. Handlers run synchronously on
// the emitting goroutine; a panicking handler is logged and skipped.
type Bus struct {
	mu       sync.RWMutex
	next     HandlerID
	handlers map[Event][]registration
	logger   zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{handlers: make(map[Event][]registration), logger: logger}
}

// On registers fn for kind.
func (b *Bus) On(kind Event, fn Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.handlers[kind] = append(b.handlers[kind], registration{id: b.next, fn: fn})
	return b.next
}

// Off removes a registration. Unknown ids are ignored.
func (b *Bus) Off(kind Event, id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[kind]
	for i, r := range regs {
		if r.id == id {
			b.handlers[kind] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler registered for data.Kind.
func (b *Bus) Emit(data EventData) {
	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[data.Kind]...)
	b.mu.RUnlock()
	for _, r := range regs {
		b.call(r, data)
	}
}

func (b *Bus) call(r registration, data EventData) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error().Interface("panic", p).Str("event", string(data.Kind)).Msg("event handler panicked")
		}
	}()
	r.fn(data)
}
