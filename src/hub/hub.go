// Package hub is the stream publisher: it owns every live session, routes
// pushed events to subscribers and forwards them across instances.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/blazeintel/rtssf/src/collab"
	"github.com/blazeintel/rtssf/src/source"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/rs/zerolog"
)

// MessageBridge publishes envelopes to other server instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(env wire.Envelope) error
	Available() bool
}

// Deps are the collaborators sessions forward work to.
type Deps struct {
	Source     source.DataSource
	Analyzer   collab.Analyzer
	Biometrics collab.BiometricSink
	Overlays   *collab.OverlayController
}

// Settings are the per-session limits.
type Settings struct {
	MaxSubscriptions int
	HighWatermark    int
	AnalysisTTL      time.Duration
	// Teams restricts subscribable teams; empty accepts any well-formed id.
	Teams []string
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Hub manages every session and pushes events to their subscribers.
type Hub struct {
	sessions map[string]*Session

	register   chan *Session
	unregister chan *Session
	broadcast  chan broadcastMsg
	localCast  chan broadcastMsg // envelopes from the bridge, no re-publish

	onConnect []func(string)
	onDisconn []func(string)

	deps     Deps
	settings Settings
	bridge   MessageBridge
	mu       sync.RWMutex
	logger   zerolog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

type broadcastMsg struct {
	env    wire.Envelope
	except string
}

// New creates a hub. Run must be started before sessions are registered.
func New(logger zerolog.Logger, deps Deps, settings Settings) *Hub {
	if settings.MaxSubscriptions <= 0 {
		settings.MaxSubscriptions = 64
	}
	if settings.HighWatermark <= 0 {
		settings.HighWatermark = 256 * 1024
	}
	if settings.AnalysisTTL <= 0 {
		settings.AnalysisTTL = 15 * time.Second
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if deps.Overlays == nil {
		deps.Overlays = collab.NewOverlayController()
	}
	return &Hub{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan broadcastMsg, 256),
		localCast:  make(chan broadcastMsg, 256),
		deps:       deps,
		settings:   settings,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// SetBridge attaches a cross-instance bridge. Published envelopes are then
// also forwarded to other instances.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.addSession(s)
		case s := <-h.unregister:
			h.removeSession(s)
		case bm := <-h.broadcast:
			h.publishToBridge(bm.env)
			h.fanOut(bm)
		case bm := <-h.localCast:
			h.fanOut(bm)
		case <-h.done:
			return
		}
	}
}

// Stop halts the event loop. Live sessions keep running until their
// context is cancelled.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds a session. It returns false once the hub has stopped.
func (h *Hub) Register(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a session.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Serve registers s and runs it until the socket closes or ctx ends.
func (h *Hub) Serve(ctx context.Context, s *Session) {
	if !h.Register(s) {
		s.stop(0, "")
		return
	}
	s.run(ctx)
}

func (h *Hub) addSession(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	cbs := append([]func(string){}, h.onConnect...)
	h.mu.Unlock()

	h.logger.Info().Str("conn_id", s.ID).Str("endpoint", s.endpoint.Name).Msg("session registered")
	for _, cb := range cbs {
		cb(s.ID)
	}
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	cbs := append([]func(string){}, h.onDisconn...)
	h.mu.Unlock()

	h.logger.Info().Str("conn_id", s.ID).Msg("session unregistered")
	for _, cb := range cbs {
		cb(s.ID)
	}
}

func (h *Hub) now() time.Time { return h.settings.Now() }
