package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blazeintel/rtssf/src/collab"
	"github.com/blazeintel/rtssf/src/metrics"
	"github.com/blazeintel/rtssf/src/registry"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	invalidWindow       = 10 * time.Second
	invalidThreshold    = 5
	upstreamNoticeEvery = 10 * time.Second
	responseWait        = 2 * time.Second
	closeWait           = time.Second
	outQueueFrames      = 1024
)

type frame struct {
	data   []byte
	close  bool
	code   int
	reason string
}

type digestKey struct {
	team    string
	channel types.Channel
	subject string
}

// Session is one accepted socket. Everything that mutates per-connection
// state (registry, seq, stream control, pending analyses) runs on the
// session loop, so handlers need no extra locking.
type Session struct {
	ID          string
	UserAgent   string
	endpoint    Endpoint
	conn        types.Conn
	hub         *Hub
	reg         *registry.Registry
	counters    *metrics.Counters
	logger      zerolog.Logger
	connectedAt time.Time

	out     chan frame
	queued  atomic.Int64
	events  chan wire.Envelope
	direct  chan wire.Envelope
	results chan collab.AnalysisResult
	expired chan string

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	// Loop-owned state.
	ctx            context.Context
	seq            uint64
	streams        *collab.StreamControl
	digests        map[digestKey]uint64
	pending        map[string]*time.Timer
	invalidAt      []time.Time
	dropNotice     *rate.Limiter
	upstreamNotice *rate.Limiter
}

// NewSession wraps an accepted socket for endpoint. Serve runs it.
func (h *Hub) NewSession(conn types.Conn, ep Endpoint, token, userAgent string) *Session {
	id := NewConnectionID(token)
	return &Session{
		ID:             id,
		UserAgent:      userAgent,
		endpoint:       ep,
		conn:           conn,
		hub:            h,
		reg:            registry.New(h.settings.MaxSubscriptions, registry.WithTeams(h.settings.Teams)),
		counters:       metrics.New(),
		logger:         h.logger.With().Str("conn_id", id).Str("endpoint", ep.Name).Logger(),
		connectedAt:    h.now(),
		out:            make(chan frame, outQueueFrames),
		events:         make(chan wire.Envelope, 256),
		direct:         make(chan wire.Envelope, 64),
		results:        make(chan collab.AnalysisResult, 16),
		expired:        make(chan string, 16),
		done:           make(chan struct{}),
		writerDone:     make(chan struct{}),
		streams:        collab.NewStreamControl(),
		digests:        make(map[digestKey]uint64),
		pending:        make(map[string]*time.Timer),
		dropNotice:     rate.NewLimiter(rate.Every(time.Second), 1),
		upstreamNotice: rate.NewLimiter(rate.Every(upstreamNoticeEvery), 1),
	}
}

// Info returns metadata about this session.
func (s *Session) Info() types.ConnectionInfo {
	return types.ConnectionInfo{
		ID:            s.ID,
		Endpoint:      s.endpoint.Name,
		ConnectedAt:   s.connectedAt,
		Subscriptions: s.reg.Snapshot(),
		UserAgent:     s.UserAgent,
	}
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	inbound := make(chan []byte, 64)
	readErr := make(chan error, 1)

	s.counters.MarkConnected(s.connectedAt)
	go s.readPump(inbound, readErr)
	go s.writePump()

	closeCode := 0
	closeReason := ""
	defer func() {
		cancel()
		for id, t := range s.pending {
			t.Stop()
			delete(s.pending, id)
		}
		s.reg.Clear()
		s.counters.SetSubscriptions(0)
		s.stop(closeCode, closeReason)
		s.hub.Unregister(s)
	}()

	s.send(wire.Envelope{
		Type:         wire.TypeConnection,
		Status:       "connected",
		ConnectionID: s.ID,
		Payload:      map[string]any{"endpoint": s.endpoint.Name},
	}, false)

	var tick <-chan time.Time
	if s.endpoint.Tick > 0 {
		ticker := time.NewTicker(s.endpoint.Tick)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data := <-inbound:
			if code, reason, ok := s.handleRaw(data); !ok {
				closeCode, closeReason = code, reason
				return
			}
		case err := <-readErr:
			if errors.Is(err, types.ErrFrameTooLarge) {
				s.logger.Warn().Err(err).Msg("oversized frame")
				s.sendError(wire.CodeInvalidEnvelope, "frame exceeds read limit", "")
				closeCode, closeReason = types.CloseMessageTooBig, "frame too large"
				return
			}
			s.logger.Debug().Err(err).Int("code", types.CloseCode(err)).Msg("socket closed by peer")
			return
		case <-tick:
			s.onTick()
		case env := <-s.events:
			s.deliver(env)
		case env := <-s.direct:
			s.send(env, false)
		case res := <-s.results:
			s.onAnalysisResult(res)
		case id := <-s.expired:
			s.onAnalysisTimeout(id)
		case <-s.writerDone:
			s.logger.Debug().Msg("writer stopped")
			return
		case <-ctx.Done():
			closeCode, closeReason = types.CloseTryAgainLater, "server shutting down"
			return
		}
	}
}

func (s *Session) readPump(inbound chan<- []byte, readErr chan<- error) {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- data:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writePump() {
	defer close(s.writerDone)
	for {
		select {
		case f := <-s.out:
			if f.close {
				_ = s.conn.CloseWith(f.code, f.reason)
				return
			}
			err := s.conn.WriteMessage(f.data)
			s.queued.Add(-int64(len(f.data)))
			if err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				return
			}
			s.counters.RecordOut(len(f.data))
		case <-s.done:
			return
		}
	}
}

// stop ends the session. A non-zero code is written as a close frame
// after everything already queued.
func (s *Session) stop(code int, reason string) {
	s.closeOnce.Do(func() {
		if code != 0 {
			select {
			case s.out <- frame{close: true, code: code, reason: reason}:
				select {
				case <-s.writerDone:
				case <-time.After(closeWait):
				}
			default:
			}
		}
		close(s.done)
		_ = s.conn.Close()
	})
}

// send stamps env with the next seq and queues it. Periodic updates are
// dropped while the outbound queue is above the high watermark; responses
// never are.
func (s *Session) send(env wire.Envelope, periodic bool) bool {
	now := s.hub.now()
	if periodic && s.queued.Load() > int64(s.hub.settings.HighWatermark) {
		s.dropPeriodic(now)
		return false
	}
	if env.Timestamp == 0 {
		env.Timestamp = now.UnixMilli()
	}
	s.seq++
	env.Seq = s.seq
	data, err := wire.Encode(env)
	if err != nil {
		s.seq--
		s.logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to encode outbound envelope")
		return false
	}

	s.queued.Add(int64(len(data)))
	select {
	case s.out <- frame{data: data}:
		return true
	default:
	}
	if periodic {
		s.queued.Add(-int64(len(data)))
		s.seq--
		s.dropPeriodic(now)
		return false
	}
	select {
	case s.out <- frame{data: data}:
		return true
	case <-s.writerDone:
	case <-time.After(responseWait):
		s.logger.Warn().Str("type", string(env.Type)).Msg("outbound queue stalled, response lost")
	}
	s.queued.Add(-int64(len(data)))
	return false
}

func (s *Session) dropPeriodic(now time.Time) {
	s.counters.RecordDrop()
	if s.dropNotice.AllowN(now, 1) {
		s.send(wire.NewError(wire.CodeBackpressureDrop, "outbound buffer full, periodic updates dropped", "", now.UnixMilli()), false)
	}
}

func (s *Session) sendError(code, message, correlationID string) {
	s.send(wire.NewError(code, message, correlationID, s.hub.now().UnixMilli()), false)
}

// noteInvalid records an invalid envelope and reports whether the peer
// crossed the sustained-invalid threshold.
func (s *Session) noteInvalid(now time.Time) bool {
	cutoff := now.Add(-invalidWindow)
	kept := s.invalidAt[:0]
	for _, at := range s.invalidAt {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.invalidAt = append(kept, now)
	return len(s.invalidAt) >= invalidThreshold
}
