// Package client implements the reconnecting signal client: it keeps one
// socket open, replays subscriptions after every reconnect and republishes
// inbound envelopes on a typed event bus.
package client

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/blazeintel/rtssf/config"
	"github.com/blazeintel/rtssf/src/metrics"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/rs/zerolog"
)

var (
	// ErrNotOpen is returned when sending without an open socket.
	ErrNotOpen = errors.New("client: socket not open")
	// ErrClosed is returned by Connect when the client was disconnected
	// before the socket opened.
	ErrClosed = errors.New("client: closed before open")
	// ErrReconnectionFailed is returned by Connect when the attempt limit
	// was exhausted before the socket opened.
	ErrReconnectionFailed = errors.New("client: reconnection attempts exhausted")
)

// State is the connection state machine position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	}
	return "idle"
}

// ReadyState mirrors the browser socket readyState values.
const (
	ReadyConnecting = 0
	ReadyOpen       = 1
	ReadyClosing    = 2
	ReadyClosed     = 3
)

// Options configures a Client. Zero values take the documented defaults.
type Options struct {
	URL       string
	AuthToken string
	// ReconnectInterval is the base backoff delay (default 1s).
	ReconnectInterval time.Duration
	// MaxReconnectAttempts caps consecutive reconnects (default 5).
	MaxReconnectAttempts int
	// HeartbeatInterval is the liveness timer period (default 30s).
	HeartbeatInterval time.Duration
	// MaxDelay caps the backoff delay (default 30s).
	MaxDelay time.Duration
	Dialer   Dialer
}

// OptionsFromConfig maps the client section of the config file.
func OptionsFromConfig(cfg config.ClientConfig) Options {
	return Options{
		URL:                  cfg.URL,
		AuthToken:            cfg.AuthToken,
		ReconnectInterval:    cfg.ReconnectBase(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Heartbeat(),
	}
}

func (o *Options) defaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
}

// ConnectionState is the polled view returned by GetConnectionState.
type ConnectionState struct {
	Connected         bool                 `json:"connected"`
	ReadyState        int                  `json:"readyState"`
	State             string               `json:"state"`
	ReconnectAttempts int64                `json:"reconnectAttempts"`
	Subscriptions     []types.Subscription `json:"subscriptions"`
}

// lifecycle is one Connect..Disconnect span. The run goroutine only mutates
// client state while its lifecycle is still the current one.
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	err    error
}

// Client is the reconnecting signal client.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	bus      *Bus
	counters *metrics.Counters

	mu     sync.Mutex
	state  State
	conn   types.Conn
	lc     *lifecycle
	opened chan struct{}
	teams  []string
	subs   map[string][]types.Channel
}

// New creates an idle client.
func New(opts Options, logger zerolog.Logger) *Client {
	opts.defaults()
	logger = logger.With().Str("component", "signal-client").Str("url", opts.URL).Logger()
	return &Client{
		opts:     opts,
		logger:   logger,
		bus:      NewBus(logger),
		counters: metrics.New(),
		opened:   make(chan struct{}),
		subs:     make(map[string][]types.Channel),
	}
}

// On registers a handler for an event.
func (c *Client) On(kind Event, fn Handler) HandlerID { return c.bus.On(kind, fn) }

// Off removes a handler registered with On.
func (c *Client) Off(kind Event, id HandlerID) { c.bus.Off(kind, id) }

// Emit dispatches an event to local handlers.
func (c *Client) Emit(data EventData) { c.bus.Emit(data) }

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop if idle and waits for the socket to
// open. While connecting or open it only waits; in backoff it also cuts the
// pending delay short.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	lc := c.lc
	if lc == nil {
		cctx, cancel := context.WithCancel(context.Background())
		lc = &lifecycle{ctx: cctx, cancel: cancel, wake: make(chan struct{}, 1), done: make(chan struct{})}
		c.lc = lc
		// Every lifecycle starts with the full retry budget.
		c.counters.ResetReconnectAttempts()
		c.state = StateConnecting
		go c.run(lc)
	} else if c.state == StateBackoff {
		select {
		case lc.wake <- struct{}{}:
		default:
		}
	}
	opened := c.opened
	c.mu.Unlock()

	select {
	case <-opened:
		return nil
	case <-lc.done:
		select {
		case <-opened:
			return nil
		default:
		}
		if lc.err != nil {
			return lc.err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the socket with a normal close frame and stops
// reconnecting. Subscriptions are kept for the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	lc, conn, was := c.lc, c.conn, c.state
	c.lc = nil
	c.conn = nil
	c.setStateLocked(StateIdle)
	c.counters.ResetReconnectAttempts()
	if conn != nil {
		_ = conn.CloseWith(types.CloseNormal, "client disconnect")
	}
	c.mu.Unlock()

	if lc == nil {
		return
	}
	lc.cancel()
	if was == StateOpen {
		c.logger.Info().Msg("disconnected by caller")
		c.bus.Emit(EventData{Kind: EventDisconnected, CloseCode: types.CloseNormal})
	}
}

// ClearSubscriptions forgets the persistent subscription set.
func (c *Client) ClearSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teams = nil
	c.subs = make(map[string][]types.Channel)
	c.counters.SetSubscriptions(0)
}

// Send encodes and writes env. It returns false, with a warning, unless the
// socket is open.
func (c *Client) Send(env wire.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendLocked(env); err != nil {
		c.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("send dropped")
		return false
	}
	return true
}

func (c *Client) sendLocked(env wire.Envelope) error {
	if c.state != StateOpen || c.conn == nil {
		return ErrNotOpen
	}
	return c.writeLocked(c.conn, env)
}

func (c *Client) writeLocked(conn types.Conn, env wire.Envelope) error {
	if env.Timestamp == 0 {
		env.Timestamp = wire.Now()
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return err
	}
	c.counters.RecordOut(len(data))
	return nil
}

// Subscribe records (team, channels) in the persistent set, then sends the
// subscribe envelope. The return value reports whether it was sent now; an
// unsent subscription still goes out on the next open.
func (c *Client) Subscribe(team string, channels []types.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.subs[team]
	if !ok {
		c.teams = append(c.teams, team)
	}
	for _, ch := range channels {
		if !slices.Contains(cur, ch) {
			cur = append(cur, ch)
		}
	}
	c.subs[team] = cur
	c.counters.SetSubscriptions(c.countLocked())

	err := c.sendLocked(subscribeEnvelope(wire.TypeSubscribe, team, channels))
	if err != nil {
		c.logger.Debug().Err(err).Str("team", team).Msg("subscribe deferred until open")
	}
	return err == nil
}

// Unsubscribe removes channels from the persistent set, then sends the
// unsubscribe envelope.
func (c *Client) Unsubscribe(team string, channels []types.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := slices.DeleteFunc(c.subs[team], func(ch types.Channel) bool {
		return slices.Contains(channels, ch)
	})
	if len(cur) == 0 {
		delete(c.subs, team)
		c.teams = slices.DeleteFunc(c.teams, func(t string) bool { return t == team })
	} else {
		c.subs[team] = cur
	}
	c.counters.SetSubscriptions(c.countLocked())
	return c.sendLocked(subscribeEnvelope(wire.TypeUnsubscribe, team, channels)) == nil
}

func subscribeEnvelope(t wire.Type, team string, channels []types.Channel) wire.Envelope {
	return wire.Envelope{Type: t, Team: team, Channels: types.ChannelStrings(channels)}
}

func (c *Client) countLocked() int {
	n := 0
	for _, chs := range c.subs {
		n += len(chs)
	}
	return n
}

// Subscriptions returns the persistent subscription set in insertion order.
func (c *Client) Subscriptions() []types.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Client) subscriptionsLocked() []types.Subscription {
	out := make([]types.Subscription, 0, c.countLocked())
	for _, team := range c.teams {
		for _, ch := range c.subs[team] {
			out = append(out, types.Subscription{Team: team, Channel: ch})
		}
	}
	return out
}

// GetMetrics returns a counter snapshot.
func (c *Client) GetMetrics() metrics.Snapshot {
	return c.counters.Snapshot(time.Now())
}

// GetConnectionState returns the polled connection view.
func (c *Client) GetConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ready := ReadyClosed
	switch c.state {
	case StateConnecting:
		ready = ReadyConnecting
	case StateOpen:
		ready = ReadyOpen
	}
	return ConnectionState{
		Connected:         c.state == StateOpen,
		ReadyState:        ready,
		State:             c.state.String(),
		ReconnectAttempts: c.counters.ReconnectAttempts(),
		Subscriptions:     c.subscriptionsLocked(),
	}
}

// setStateLocked moves the state machine and maintains the open signal.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	if s == StateOpen {
		close(c.opened)
	} else if c.state == StateOpen {
		c.opened = make(chan struct{})
	}
	c.state = s
}

// transition applies s only while lc is current.
func (c *Client) transition(lc *lifecycle, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lc != lc {
		return false
	}
	c.setStateLocked(s)
	return true
}

func (c *Client) run(lc *lifecycle) {
	defer close(lc.done)
	header := http.Header{}
	if c.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}

	for {
		conn, err := c.opts.Dialer.Dial(lc.ctx, c.opts.URL, header)
		if lc.ctx.Err() != nil {
			if conn != nil {
				_ = conn.CloseWith(types.CloseNormal, "client disconnect")
			}
			return
		}
		code := types.CloseAbnormal
		if err != nil {
			c.logger.Warn().Err(err).Msg("dial failed")
			c.bus.Emit(EventData{Kind: EventError, Err: err})
		} else {
			if !c.open(lc, conn) {
				_ = conn.CloseWith(types.CloseNormal, "client disconnect")
				return
			}
			code = c.serve(lc, conn)
			if !c.closed(lc, code) {
				return
			}
		}
		if code == types.CloseNormal {
			return
		}
		if !c.retry(lc) {
			return
		}
	}
}

// open installs conn, replays every persistent subscription on it and only
// then marks the client open, so replay precedes any caller Send.
func (c *Client) open(lc *lifecycle, conn types.Conn) bool {
	c.mu.Lock()
	if c.lc != lc {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.counters.MarkConnected(time.Now())
	c.counters.ResetReconnectAttempts()
	for _, team := range c.teams {
		env := subscribeEnvelope(wire.TypeSubscribe, team, c.subs[team])
		if err := c.writeLocked(conn, env); err != nil {
			c.logger.Warn().Err(err).Str("team", team).Msg("subscription replay failed")
		}
	}
	c.setStateLocked(StateOpen)
	replayed := len(c.teams)
	c.mu.Unlock()

	c.logger.Info().Int("replayed_teams", replayed).Msg("connected")
	c.bus.Emit(EventData{Kind: EventConnected})
	return true
}

// serve pumps inbound frames and runs the heartbeat until the socket
// closes. It returns the close code; a stale connection counts as 1006.
func (c *Client) serve(lc *lifecycle, conn types.Conn) int {
	closed := make(chan int, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				closed <- types.CloseCode(err)
				return
			}
			if lc.ctx.Err() != nil {
				closed <- types.CloseNormal
				return
			}
			c.receive(data)
		}
	}()

	period := c.opts.HeartbeatInterval
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case code := <-closed:
			return code
		case <-lc.ctx.Done():
			return types.CloseNormal
		case now := <-ticker.C:
			if last := c.counters.LastActivity(); isStale(last, now, period) {
				c.logger.Warn().Time("last_activity", last).Dur("period", period).Msg("heartbeat stale, closing socket")
				_ = conn.Close()
				return types.CloseAbnormal
			}
			c.mu.Lock()
			if c.lc == lc && c.conn == conn {
				if err := c.writeLocked(conn, wire.Envelope{Type: wire.TypePing}); err != nil {
					c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				}
			}
			c.mu.Unlock()
		}
	}
}

// closed records the end of an open socket and picks the next state.
func (c *Client) closed(lc *lifecycle, code int) bool {
	c.mu.Lock()
	if c.lc != lc {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	if code == types.CloseNormal {
		c.lc = nil
		c.setStateLocked(StateIdle)
	} else {
		c.setStateLocked(StateBackoff)
	}
	c.mu.Unlock()

	c.logger.Info().Int("code", code).Msg("socket closed")
	c.bus.Emit(EventData{Kind: EventDisconnected, CloseCode: code})
	return true
}

// retry waits out the backoff for the next attempt. It returns false when
// the lifecycle ended or the attempt limit is exhausted.
func (c *Client) retry(lc *lifecycle) bool {
	limit := int64(c.opts.MaxReconnectAttempts)
	if c.counters.ReconnectAttempts() >= limit {
		c.mu.Lock()
		current := c.lc == lc
		if current {
			c.lc = nil
			c.setStateLocked(StateIdle)
		}
		c.mu.Unlock()
		if current {
			lc.err = ErrReconnectionFailed
			c.logger.Error().Int64("attempt", limit).Msg("reconnection failed")
			c.bus.Emit(EventData{Kind: EventReconnectionFailed, Attempts: limit})
		}
		return false
	}

	// Only the current lifecycle may spend the attempt budget.
	c.mu.Lock()
	if c.lc != lc {
		c.mu.Unlock()
		return false
	}
	n := c.counters.IncReconnectAttempts()
	c.setStateLocked(StateBackoff)
	c.mu.Unlock()
	delay := Backoff(c.opts.ReconnectInterval, n, c.opts.MaxDelay)
	c.logger.Info().Int64("attempt", n).Dur("delay", delay).Msg("reconnecting")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-lc.wake:
	case <-lc.ctx.Done():
		return false
	}
	return c.transition(lc, StateConnecting)
}

// receive decodes one inbound frame and dispatches it.
func (c *Client) receive(data []byte) {
	c.counters.RecordIn(len(data), time.Now())
	env, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("malformed inbound message")
		c.bus.Emit(EventData{Kind: EventError, Err: err})
		return
	}

	c.bus.Emit(EventData{Kind: EventMessage, Envelope: env})
	switch env.Type {
	case wire.TypePing:
		c.Send(wire.Envelope{Type: wire.TypePong, Timestamp: env.Timestamp, CorrelationID: env.CorrelationID})
	case wire.TypePong:
	case wire.TypeError:
		c.logger.Warn().Str("code", env.Code).Str("message", env.Message).Msg("server error")
		c.bus.Emit(EventData{Kind: EventServerError, Envelope: env})
	default:
		if kind, ok := typedEvents[env.Type]; ok {
			c.bus.Emit(EventData{Kind: kind, Envelope: env})
			return
		}
		c.bus.Emit(EventData{Kind: EventUnhandledMessage, Envelope: env})
	}
}
