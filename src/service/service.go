// Package service is the publish-side API other components (admin HTTP,
// biometric relay, cross-instance bridge) use to reach live sessions.
package service

import (
	"errors"
	"fmt"

	"github.com/blazeintel/rtssf/src/collab"
	"github.com/blazeintel/rtssf/src/hub"
	"github.com/blazeintel/rtssf/src/metrics"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/rs/zerolog"
)

// ErrNotServerEvent is returned when publishing a type clients send.
var ErrNotServerEvent = errors.New("only server-to-client envelopes can be published")

// ErrHubStopped is returned when the hub no longer accepts events.
var ErrHubStopped = errors.New("hub stopped")

// Service provides the high-level publish API.
type Service struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// New creates a service backed by the given hub.
func New(h *hub.Hub, logger zerolog.Logger) *Service {
	return &Service{hub: h, logger: logger}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

func (s *Service) prepare(env wire.Envelope) (wire.Envelope, error) {
	if env.Type.Direction()&wire.ServerToClient == 0 {
		return env, fmt.Errorf("%w: %q", ErrNotServerEvent, env.Type)
	}
	if env.Timestamp == 0 {
		env.Timestamp = wire.Now()
	}
	env.Seq = 0
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

// Publish sends env to every subscriber of its (team, channel).
func (s *Service) Publish(env wire.Envelope) error {
	env, err := s.prepare(env)
	if err != nil {
		return err
	}
	if !s.hub.Publish(env) {
		return ErrHubStopped
	}
	team, channel := env.Key()
	s.logger.Debug().Str("team", team).Str("channel", channel).Str("type", string(env.Type)).Msg("published")
	return nil
}

// PublishLiveUpdate publishes a live_update for team.
func (s *Service) PublishLiveUpdate(team, updateType string, payload map[string]any) error {
	return s.Publish(wire.Envelope{
		Type:       wire.TypeLiveUpdate,
		Team:       team,
		UpdateType: updateType,
		Payload:    payload,
	})
}

// PublishOverlay publishes an overlay_update for team.
func (s *Service) PublishOverlay(team string, payload map[string]any) error {
	return s.Publish(wire.Envelope{Type: wire.TypeOverlayUpdate, Team: team, Payload: payload})
}

// RelayBiometric fans a client-originated sample out to the team's
// biometrics subscribers, skipping the connection that sent it.
func (s *Service) RelayBiometric(sample collab.BiometricSample) {
	env, err := s.prepare(wire.Envelope{
		Type:      wire.TypeBiometricUpdate,
		Timestamp: sample.Timestamp,
		Team:      sample.Team,
		SubjectID: sample.SubjectID,
		Payload:   sample.Payload,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("team", sample.Team).Msg("dropping malformed biometric sample")
		return
	}
	s.hub.PublishExcept(env, sample.ConnectionID)
}

// SendToConnection sends env to one connection regardless of its
// subscriptions.
func (s *Service) SendToConnection(connID string, env wire.Envelope) error {
	env, err := s.prepare(env)
	if err != nil {
		return err
	}
	if ok := s.hub.SendToConnection(connID, env); !ok {
		return fmt.Errorf("connection %s not found or buffer full", connID)
	}
	return nil
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(connID string)) {
	s.hub.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(connID string)) {
	s.hub.OnDisconnection(cb)
}

// GetConnectedClients returns ids of all live connections.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// GetChannels returns "TEAM/channel" keys with subscriber counts.
func (s *Service) GetChannels() map[string]int {
	return s.hub.Channels()
}

// GetConnectionInfo returns info for a live connection, or error.
func (s *Service) GetConnectionInfo(connID string) (*types.ConnectionInfo, error) {
	info := s.hub.ClientInfo(connID)
	if info == nil {
		return nil, fmt.Errorf("connection %s not found", connID)
	}
	return info, nil
}

// Metrics returns the aggregated liveness counters.
func (s *Service) Metrics() metrics.Snapshot {
	return s.hub.Metrics()
}
