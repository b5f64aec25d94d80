// Package team narrows the signal client to a single team: it keeps the
// latest value per (channel, subject) and turns inbound events into overlay
// adapter calls.
package team

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/blazeintel/rtssf/src/client"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/rs/zerolog"
)

// Team-scoped events, emitted on the underlying client's bus after the
// team filter.
const (
	EventTeamLiveUpdate  client.Event = "teamLiveUpdate"
	EventTeamBiometrics  client.Event = "teamBiometrics"
	EventTeamAnalysis    client.Event = "teamAnalysis"
	EventTeamOverlay     client.Event = "teamOverlay"
	EventTeamInitialData client.Event = "teamInitialData"
)

const (
	// InjuryRiskThreshold is the injury_risk above which an alert overlay
	// is added.
	InjuryRiskThreshold = 0.7
	// InjuryAlertDuration is how long the alert overlay stays up.
	InjuryAlertDuration = 10 * time.Second
)

// Overlay ids and kinds driven by inbound events.
const (
	OverlayTeamComparison = "team-comparison"
	OverlayMomentum       = "momentum-tracker"
	KindInjuryAlert       = "injury_alert"
)

// OverlayOptions tunes an added overlay.
type OverlayOptions struct {
	Duration time.Duration
}

// OverlayAdapter renders overlays. Calls are made on the client's read
// goroutine; errors and panics are logged and never retried.
type OverlayAdapter interface {
	UpdateOverlay(id string, value map[string]any) error
	AddOverlay(id, kind string, value map[string]any, opts OverlayOptions) error
}

// Entry is one buffered value.
type Entry struct {
	Value      map[string]any `json:"value"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// Client is the team-scoped client.
type Client struct {
	team   string
	base   *client.Client
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	buffer   map[string]Entry
	adapter  OverlayAdapter
	handlers map[client.Event]client.HandlerID
}

// New attaches a team scope to base.
func New(base *client.Client, team string, logger zerolog.Logger) *Client {
	c := &Client{
		team:     strings.ToUpper(team),
		base:     base,
		logger:   logger.With().Str("component", "team-client").Str("team", strings.ToUpper(team)).Logger(),
		now:      time.Now,
		buffer:   make(map[string]Entry),
		handlers: make(map[client.Event]client.HandlerID),
	}
	route := map[client.Event]func(wire.Envelope){
		client.EventLiveUpdate:      c.onLiveUpdate,
		client.EventBiometricUpdate: c.onBiometric,
		client.EventAnalysisResult:  c.onAnalysis,
		client.EventOverlayUpdate:   c.onOverlay,
		client.EventInitialData:     c.onInitialData,
	}
	for kind, fn := range route {
		c.handlers[kind] = base.On(kind, func(d client.EventData) {
			if !strings.EqualFold(d.Envelope.Team, c.team) {
				return
			}
			fn(d.Envelope)
		})
	}
	return c
}

// Team returns the normalized team code.
func (c *Client) Team() string { return c.team }

// Base returns the underlying reconnecting client.
func (c *Client) Base() *client.Client { return c.base }

// Close detaches from the underlying client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, id := range c.handlers {
		c.base.Off(kind, id)
	}
	clear(c.handlers)
}

// ConnectAndSubscribe connects and subscribes the team to channels, or to
// the default team channels when none are given.
func (c *Client) ConnectAndSubscribe(ctx context.Context, channels ...types.Channel) error {
	if len(channels) == 0 {
		channels = types.DefaultTeamChannels
	}
	if err := c.base.Connect(ctx); err != nil {
		return fmt.Errorf("team %s: %w", c.team, err)
	}
	if !c.base.Subscribe(c.team, channels) {
		c.logger.Warn().Strs("channels", types.ChannelStrings(channels)).Msg("subscribe not sent, will replay on reconnect")
	}
	return nil
}

// SetOverlaySystem installs the overlay adapter; nil removes it.
func (c *Client) SetOverlaySystem(a OverlayAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter = a
}

// GetTeamData returns the buffered entries whose key starts with prefix.
func (c *Client) GetTeamData(prefix string) map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry)
	for k, e := range c.buffer {
		if strings.HasPrefix(k, prefix) {
			out[k] = e
		}
	}
	return out
}

// Reset empties the buffer. Reconnects never do.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.buffer)
}

func (c *Client) store(channel types.Channel, subject string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer[string(channel)+"-"+subject] = Entry{Value: value, ReceivedAt: c.now()}
}

func (c *Client) onLiveUpdate(env wire.Envelope) {
	switch env.UpdateType {
	case wire.UpdateScore:
		c.store(types.ChannelLiveGame, subjectOr(env, wire.UpdateScore), env.Payload)
		c.updateOverlay(OverlayTeamComparison, env.Payload)
	case wire.UpdatePlayerStats:
		for id, player := range players(env.Payload) {
			c.store(types.ChannelPlayerStats, id, player)
			c.updateOverlay("player-stats-"+id, player)
		}
	default:
		c.store(types.ChannelLiveGame, subjectOr(env, env.UpdateType), env.Payload)
	}
	c.base.Emit(client.EventData{Kind: EventTeamLiveUpdate, Envelope: env})
}

func (c *Client) onBiometric(env wire.Envelope) {
	c.store(types.ChannelBiometrics, env.SubjectID, maps.Clone(env.Payload))

	// The overlay shows the sample together with its analysis.
	merged := make(map[string]any, len(env.Payload)+len(env.Analysis))
	maps.Copy(merged, env.Payload)
	maps.Copy(merged, env.Analysis)
	c.updateOverlay("biometric-"+env.SubjectID, merged)

	if risk, ok := number(env.Analysis["injury_risk"]); ok && risk > InjuryRiskThreshold {
		c.addOverlay("injury-alert-"+env.SubjectID, KindInjuryAlert, map[string]any{
			"subjectId": env.SubjectID,
			"team":      c.team,
			"risk":      risk,
			"message":   fmt.Sprintf("elevated injury risk for %s", env.SubjectID),
		}, OverlayOptions{Duration: InjuryAlertDuration})
	}
	c.base.Emit(client.EventData{Kind: EventTeamBiometrics, Envelope: env})
}

func (c *Client) onAnalysis(env wire.Envelope) {
	c.store(types.ChannelAnalysis, env.SubjectID, env.Payload)
	switch env.AnalysisType {
	case wire.AnalysisChampionEnigma:
		c.updateOverlay("champion-radar-"+env.SubjectID, map[string]any{
			"subjectId":  env.SubjectID,
			"dimensions": env.Payload["dimensions"],
			"score":      env.Payload["score"],
		})
	case wire.AnalysisPerformancePrediction:
		c.updateOverlay(OverlayMomentum, map[string]any{
			"team":           c.team,
			"momentum":       env.Payload["momentum"],
			"winProbability": env.Payload["winProbability"],
			"trend":          env.Payload["trend"],
		})
	}
	c.base.Emit(client.EventData{Kind: EventTeamAnalysis, Envelope: env})
}

func (c *Client) onOverlay(env wire.Envelope) {
	c.store(types.ChannelOverlay, subjectOr(env, "config"), env.Payload)
	c.base.Emit(client.EventData{Kind: EventTeamOverlay, Envelope: env})
}

func (c *Client) onInitialData(env wire.Envelope) {
	channel := types.Channel(env.Channel)
	if channel == types.ChannelPlayerStats {
		for id, player := range players(env.Payload) {
			c.store(channel, id, player)
		}
	} else {
		c.store(channel, subjectOr(env, "snapshot"), env.Payload)
	}
	c.base.Emit(client.EventData{Kind: EventTeamInitialData, Envelope: env})
}

func (c *Client) updateOverlay(id string, value map[string]any) {
	c.callAdapter(id, func(a OverlayAdapter) error { return a.UpdateOverlay(id, value) })
}

func (c *Client) addOverlay(id, kind string, value map[string]any, opts OverlayOptions) {
	c.callAdapter(id, func(a OverlayAdapter) error { return a.AddOverlay(id, kind, value, opts) })
}

func (c *Client) callAdapter(id string, call func(OverlayAdapter) error) {
	c.mu.Lock()
	a := c.adapter
	c.mu.Unlock()
	if a == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error().Interface("panic", p).Str("overlay", id).Msg("overlay adapter panicked")
		}
	}()
	if err := call(a); err != nil {
		c.logger.Error().Err(err).Str("overlay", id).Msg("overlay adapter failed")
	}
}

func subjectOr(env wire.Envelope, fallback string) string {
	if env.SubjectID != "" {
		return env.SubjectID
	}
	return fallback
}

// players indexes payload.players by their id field.
func players(payload map[string]any) map[string]map[string]any {
	list, _ := payload["players"].([]any)
	out := make(map[string]map[string]any, len(list))
	for _, item := range list {
		p, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := p["id"].(string); ok && id != "" {
			out[id] = p
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
