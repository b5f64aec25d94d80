package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blazeintel/rtssf/config"
	"github.com/blazeintel/rtssf/src/collab"
	"github.com/blazeintel/rtssf/src/hub"
	"github.com/blazeintel/rtssf/src/service"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	mu      sync.Mutex
	written []wire.Envelope
	reads   chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case d := <-p.reads:
		return d, nil
	case <-p.closed:
		return nil, errors.New("closed")
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.mu.Lock()
	p.written = append(p.written, env)
	p.mu.Unlock()
	return nil
}

func (p *pipeConn) CloseWith(int, string) error { return p.Close() }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) has(match func(wire.Envelope) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, env := range p.written {
		if match(env) {
			return true
		}
	}
	return false
}

func (p *pipeConn) subscribe(t *testing.T, team string, channels ...string) {
	t.Helper()
	data, err := json.Marshal(wire.Envelope{Type: wire.TypeSubscribe, Timestamp: wire.Now(), Team: team, Channels: channels})
	require.NoError(t, err)
	p.reads <- data
	require.Eventually(t, func() bool {
		return p.has(func(e wire.Envelope) bool { return e.Type == wire.TypeSubscriptionConfirmed && e.Team == team })
	}, 2*time.Second, 5*time.Millisecond)
}

func setup(t *testing.T) (*service.Service, *hub.Hub) {
	t.Helper()
	h := hub.New(zerolog.Nop(), hub.Deps{}, hub.Settings{})
	go h.Run()
	t.Cleanup(h.Stop)
	return service.New(h, zerolog.Nop()), h
}

func connect(t *testing.T, h *hub.Hub) (*pipeConn, *hub.Session) {
	t.Helper()
	team, _ := hub.Match(hub.Endpoints(config.DefaultConfig().Publisher), "/ws/team")
	team.Tick = time.Hour
	conn := newPipeConn()
	ctx, cancel := context.WithCancel(context.Background())
	s := h.NewSession(conn, team, "", "")
	go h.Serve(ctx, s)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	require.Eventually(t, func() bool { return h.ClientCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	return conn, s
}

func TestServicePublish(t *testing.T) {
	svc, h := setup(t)
	conn, _ := connect(t, h)
	conn.subscribe(t, "CARDINALS", "live-game")

	require.NoError(t, svc.PublishLiveUpdate("CARDINALS", wire.UpdateScore, map[string]any{"homeScore": 7}))

	assert.Eventually(t, func() bool {
		return conn.has(func(e wire.Envelope) bool {
			return e.Type == wire.TypeLiveUpdate && e.Payload["homeScore"] == float64(7)
		})
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServicePublishRejectsClientTypes(t *testing.T) {
	svc, _ := setup(t)

	err := svc.Publish(wire.Envelope{Type: wire.TypeSubscribe, Team: "CARDINALS", Channels: []string{}})
	assert.ErrorIs(t, err, service.ErrNotServerEvent)

	err = svc.Publish(wire.Envelope{Type: wire.TypeBiometricUpdate, Team: "CARDINALS"})
	assert.ErrorIs(t, err, wire.ErrInvalidEnvelope)
}

func TestServiceRelayBiometricSkipsOrigin(t *testing.T) {
	svc, h := setup(t)
	origin, originSession := connect(t, h)
	other, _ := connect(t, h)
	origin.subscribe(t, "CARDINALS", "biometrics")
	other.subscribe(t, "CARDINALS", "biometrics")

	svc.RelayBiometric(collab.BiometricSample{
		ConnectionID: originSession.ID,
		Team:         "CARDINALS",
		SubjectID:    "P34",
		Payload:      map[string]any{"hr": 165},
		Timestamp:    wire.Now(),
	})

	isUpdate := func(e wire.Envelope) bool { return e.Type == wire.TypeBiometricUpdate && e.SubjectID == "P34" }
	require.Eventually(t, func() bool { return other.has(isUpdate) }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, origin.has(isUpdate))
}

func TestServiceSendToConnection(t *testing.T) {
	svc, h := setup(t)
	conn, s := connect(t, h)

	err := svc.SendToConnection(s.ID, wire.Envelope{Type: wire.TypeOverlayUpdate, Team: "TITANS", Payload: map[string]any{"theme": "dark"}})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return conn.has(func(e wire.Envelope) bool { return e.Type == wire.TypeOverlayUpdate })
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, svc.SendToConnection("nope", wire.Envelope{Type: wire.TypeOverlayUpdate, Team: "TITANS", Payload: map[string]any{}}))
}

func TestServiceQueries(t *testing.T) {
	svc, h := setup(t)
	conn, s := connect(t, h)
	conn.subscribe(t, "TITANS", "overlay")

	assert.Equal(t, []string{s.ID}, svc.GetConnectedClients())
	assert.Equal(t, map[string]int{"TITANS/overlay": 1}, svc.GetChannels())

	info, err := svc.GetConnectionInfo(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, info.ID)

	_, err = svc.GetConnectionInfo("missing")
	assert.Error(t, err)
	assert.Equal(t, uint64(1), svc.Metrics().MessagesIn)
}

func TestServiceConnectionCallbacks(t *testing.T) {
	svc, h := setup(t)
	var mu sync.Mutex
	var joined, left []string
	svc.OnConnection(func(id string) { mu.Lock(); joined = append(joined, id); mu.Unlock() })
	svc.OnDisconnection(func(id string) { mu.Lock(); left = append(left, id); mu.Unlock() })

	conn, s := connect(t, h)
	conn.Close()
	<-s.Done()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(joined) == 1 && len(left) == 1 && joined[0] == s.ID && left[0] == s.ID
	}, 2*time.Second, 5*time.Millisecond)
}
