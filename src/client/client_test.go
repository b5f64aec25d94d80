package client_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/blazeintel/rtssf/src/client"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory socket. Frames pushed with deliver are read by
// the client; drop ends the read side with a close code.
type fakeConn struct {
	in     chan []byte
	gone   chan struct{}
	once   sync.Once
	code   int
	mu     sync.Mutex
	writes []wire.Envelope
	closed int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), gone: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.gone:
		return nil, &websocket.CloseError{Code: f.code}
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.gone:
		return errors.New("write on closed conn")
	default:
	}
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) CloseWith(code int, _ string) error {
	f.mu.Lock()
	f.closed = code
	f.mu.Unlock()
	f.drop(code)
	return nil
}

func (f *fakeConn) Close() error {
	f.drop(types.CloseAbnormal)
	return nil
}

func (f *fakeConn) drop(code int) {
	f.once.Do(func() {
		f.code = code
		close(f.gone)
	})
}

func (f *fakeConn) deliver(t *testing.T, env wire.Envelope) {
	t.Helper()
	if env.Timestamp == 0 {
		env.Timestamp = 1000
	}
	data, err := wire.Encode(env)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeConn) sent() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Envelope(nil), f.writes...)
}

func (f *fakeConn) sentOfType(tp wire.Type) []wire.Envelope {
	var out []wire.Envelope
	for _, e := range f.sent() {
		if e.Type == tp {
			out = append(out, e)
		}
	}
	return out
}

// fakeDialer hands out queued conns; with none queued it fails, or blocks
// while hold is set.
type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	dials  int
	header http.Header
	hold   bool
}

func (d *fakeDialer) push(conns ...*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conns...)
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, header http.Header) (types.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.header = header
	if len(d.conns) > 0 {
		c := d.conns[0]
		d.conns = d.conns[1:]
		d.mu.Unlock()
		return c, nil
	}
	hold := d.hold
	d.mu.Unlock()
	if hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, errors.New("connection refused")
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newClient(d *fakeDialer, mut func(*client.Options)) *client.Client {
	opts := client.Options{
		URL:               "ws://test/ws/team",
		AuthToken:         "tok",
		ReconnectInterval: 10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		Dialer:            d,
	}
	if mut != nil {
		mut(&opts)
	}
	return client.New(opts, zerolog.Nop())
}

type recorder struct {
	mu     sync.Mutex
	events []client.EventData
}

func (r *recorder) watch(c *client.Client, kinds ...client.Event) {
	for _, k := range kinds {
		c.On(k, func(d client.EventData) {
			r.mu.Lock()
			r.events = append(r.events, d)
			r.mu.Unlock()
		})
	}
}

func (r *recorder) kinds() []client.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]client.Event, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) count(kind client.Event) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func TestConnectOpensAndEmitsConnected(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, nil)
	rec := &recorder{}
	rec.watch(c, client.EventConnected)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.Equal(t, client.StateOpen, c.State())
	require.Eventually(t, func() bool { return rec.count(client.EventConnected) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bearer tok", d.header.Get("Authorization"))

	st := c.GetConnectionState()
	assert.True(t, st.Connected)
	assert.Equal(t, client.ReadyOpen, st.ReadyState)
}

func TestConnectWhileOpenIsNoop(t *testing.T) {
	d := &fakeDialer{}
	d.push(newFakeConn())
	c := newClient(d, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, d.dialCount())
}

func TestSendWhileClosedReturnsFalse(t *testing.T) {
	c := newClient(&fakeDialer{}, nil)
	assert.False(t, c.Send(wire.Envelope{Type: wire.TypePing}))
	assert.Zero(t, c.GetMetrics().MessagesOut)
}

func TestSendCountsOutbound(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.True(t, c.Send(wire.Envelope{Type: wire.TypePing}))
	m := c.GetMetrics()
	assert.Equal(t, uint64(1), m.MessagesOut)
	assert.NotZero(t, m.BytesOut)

	pings := conn.sentOfType(wire.TypePing)
	require.Len(t, pings, 1)
	assert.NotZero(t, pings[0].Timestamp)
}

func TestSubscribeBeforeConnectIsReplayedOnOpen(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, nil)

	assert.False(t, c.Subscribe("CARDINALS", []types.Channel{types.ChannelBiometrics}))
	assert.Len(t, c.Subscriptions(), 1)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	subs := conn.sentOfType(wire.TypeSubscribe)
	require.Len(t, subs, 1)
	assert.Equal(t, "CARDINALS", subs[0].Team)
	assert.Equal(t, []string{"biometrics"}, subs[0].Channels)
}

func TestReconnectReplaysBeforeUserSend(t *testing.T) {
	d := &fakeDialer{}
	first, second := newFakeConn(), newFakeConn()
	d.push(first, second)
	c := newClient(d, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.True(t, c.Subscribe("CARDINALS", []types.Channel{types.ChannelLiveGame, types.ChannelBiometrics}))

	reconnected := make(chan struct{})
	var once sync.Once
	c.On(client.EventConnected, func(client.EventData) {
		c.Send(wire.Envelope{Type: wire.TypePing})
		once.Do(func() { close(reconnected) })
	})

	first.drop(types.CloseAbnormal)

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}

	sent := second.sent()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, wire.TypeSubscribe, sent[0].Type)
	assert.Equal(t, "CARDINALS", sent[0].Team)
	assert.Equal(t, []string{"live-game", "biometrics"}, sent[0].Channels)
	assert.Equal(t, wire.TypePing, sent[1].Type)
	assert.Zero(t, c.GetConnectionState().ReconnectAttempts)
}

func TestBackoffDelays(t *testing.T) {
	cases := []struct {
		n    int64
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{80, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, client.Backoff(time.Second, tc.n, 30*time.Second), "attempt %d", tc.n)
	}
}

func TestReconnectionFailedAfterLimit(t *testing.T) {
	d := &fakeDialer{}
	c := newClient(d, func(o *client.Options) {
		o.ReconnectInterval = time.Millisecond
		o.MaxReconnectAttempts = 3
	})
	rec := &recorder{}
	rec.watch(c, client.EventReconnectionFailed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	require.ErrorIs(t, err, client.ErrReconnectionFailed)

	assert.Equal(t, 4, d.dialCount())
	assert.Equal(t, client.StateIdle, c.State())
	assert.Equal(t, 1, rec.count(client.EventReconnectionFailed))
}

func TestConnectAfterReconnectionFailedGetsFullBudget(t *testing.T) {
	d := &fakeDialer{}
	c := newClient(d, func(o *client.Options) {
		o.ReconnectInterval = time.Millisecond
		o.MaxReconnectAttempts = 3
	})
	rec := &recorder{}
	rec.watch(c, client.EventReconnectionFailed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, c.Connect(ctx), client.ErrReconnectionFailed)
	require.Equal(t, 4, d.dialCount())

	require.ErrorIs(t, c.Connect(ctx), client.ErrReconnectionFailed)
	assert.Equal(t, 8, d.dialCount())
	assert.Equal(t, 2, rec.count(client.EventReconnectionFailed))
}

func TestDisconnectDuringBackoffResetsAttempts(t *testing.T) {
	d := &fakeDialer{}
	c := newClient(d, func(o *client.Options) {
		o.ReconnectInterval = time.Millisecond
		o.MaxDelay = time.Hour
		o.MaxReconnectAttempts = 20
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go func() { _ = c.Connect(ctx) }()
	require.Eventually(t, func() bool {
		return c.GetConnectionState().ReconnectAttempts >= 3
	}, 2*time.Second, time.Millisecond)

	c.Disconnect()
	assert.Equal(t, client.StateIdle, c.State())
	assert.Zero(t, c.GetConnectionState().ReconnectAttempts)

	conn := newFakeConn()
	d.push(conn)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.Zero(t, c.GetConnectionState().ReconnectAttempts)
}

func TestStaleHeartbeatTriggersReconnect(t *testing.T) {
	d := &fakeDialer{hold: true}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, func(o *client.Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
	})
	rec := &recorder{}
	rec.watch(c, client.EventDisconnected)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		return c.GetConnectionState().ReconnectAttempts == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []client.Event{client.EventDisconnected}, rec.kinds())
	rec.mu.Lock()
	assert.Equal(t, types.CloseAbnormal, rec.events[0].CloseCode)
	rec.mu.Unlock()
	assert.NotEmpty(t, conn.sentOfType(wire.TypePing))
}

func TestInboundActivityKeepsConnectionAlive(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, func(o *client.Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	stop := time.After(150 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-tick.C:
			conn.deliver(t, wire.Envelope{Type: wire.TypePong})
		case <-stop:
			break loop
		}
	}
	assert.Equal(t, client.StateOpen, c.State())
	assert.Equal(t, 1, d.dialCount())
}

func TestInboundPingIsAnswered(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	conn.deliver(t, wire.Envelope{Type: wire.TypePing, Timestamp: 4242})
	require.Eventually(t, func() bool {
		return len(conn.sentOfType(wire.TypePong)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(4242), conn.sentOfType(wire.TypePong)[0].Timestamp)
}

func TestInboundDispatch(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, nil)
	rec := &recorder{}
	rec.watch(c,
		client.EventMessage,
		client.EventError,
		client.EventServerError,
		client.EventBiometricUpdate,
		client.EventSubscriptionConfirmed,
	)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	conn.in <- []byte(`{"type":`)
	conn.deliver(t, wire.Envelope{Type: wire.TypeSubscriptionConfirmed, Team: "CARDINALS", Channels: []string{"biometrics"}})
	conn.deliver(t, wire.Envelope{
		Type: wire.TypeBiometricUpdate, Team: "CARDINALS", SubjectID: "P34",
		Payload: map[string]any{"hr": 172},
	})
	conn.deliver(t, wire.NewError(wire.CodeSubscriptionError, "unknown channel", "", 1000))

	require.Eventually(t, func() bool { return len(rec.kinds()) == 7 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []client.Event{
		client.EventError,
		client.EventMessage, client.EventSubscriptionConfirmed,
		client.EventMessage, client.EventBiometricUpdate,
		client.EventMessage, client.EventServerError,
	}, rec.kinds())
	assert.Equal(t, client.StateOpen, c.State())
	assert.Equal(t, uint64(4), c.GetMetrics().MessagesIn)
}

func TestUnhandledMessage(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, nil)
	rec := &recorder{}
	rec.watch(c, client.EventUnhandledMessage)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	conn.deliver(t, wire.Envelope{Type: wire.TypeStreamControl, Team: "CARDINALS", Action: "pause"})
	require.Eventually(t, func() bool { return rec.count(client.EventUnhandledMessage) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectKeepsSubscriptionsAndStopsReconnecting(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, nil)
	rec := &recorder{}
	rec.watch(c, client.EventDisconnected)
	require.NoError(t, c.Connect(context.Background()))
	c.Subscribe("CARDINALS", []types.Channel{types.ChannelLiveGame})

	c.Disconnect()
	assert.Equal(t, client.StateIdle, c.State())
	conn.mu.Lock()
	assert.Equal(t, types.CloseNormal, conn.closed)
	conn.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, 1, rec.count(client.EventDisconnected))
	assert.Len(t, c.Subscriptions(), 1)

	c.ClearSubscriptions()
	assert.Empty(t, c.Subscriptions())
	assert.Zero(t, c.GetMetrics().SubscriptionsActive)
}

func TestServerNormalCloseGoesIdle(t *testing.T) {
	d := &fakeDialer{}
	conn := newFakeConn()
	d.push(conn)
	c := newClient(d, nil)
	require.NoError(t, c.Connect(context.Background()))

	conn.drop(types.CloseNormal)
	require.Eventually(t, func() bool { return c.State() == client.StateIdle }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestUnsubscribeUpdatesPersistentSet(t *testing.T) {
	c := newClient(&fakeDialer{}, nil)
	c.Subscribe("CARDINALS", []types.Channel{types.ChannelLiveGame, types.ChannelBiometrics})
	c.Subscribe("TITANS", []types.Channel{types.ChannelAnalysis})
	c.Unsubscribe("CARDINALS", []types.Channel{types.ChannelLiveGame})
	c.Unsubscribe("TITANS", []types.Channel{types.ChannelAnalysis})

	assert.Equal(t, []types.Subscription{{Team: "CARDINALS", Channel: types.ChannelBiometrics}}, c.Subscriptions())
	assert.Equal(t, int64(1), c.GetMetrics().SubscriptionsActive)
}

func TestBusOffAndPanicRecovery(t *testing.T) {
	bus := client.NewBus(zerolog.Nop())
	var calls []string
	bus.On(client.EventMessage, func(client.EventData) { panic("boom") })
	id := bus.On(client.EventMessage, func(client.EventData) { calls = append(calls, "a") })
	bus.On(client.EventMessage, func(client.EventData) { calls = append(calls, "b") })

	bus.Emit(client.EventData{Kind: client.EventMessage})
	assert.Equal(t, []string{"a", "b"}, calls)

	bus.Off(client.EventMessage, id)
	bus.Emit(client.EventData{Kind: client.EventMessage})
	assert.Equal(t, []string{"a", "b", "b"}, calls)
}
