package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/blazeintel/rtssf/src/source"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/cespare/xxhash/v2"
)

const (
	minFetchBudget = 500 * time.Millisecond
	maxFetchBudget = 5 * time.Second
)

// onTick runs one publisher period. Heartbeat endpoints always emit;
// polling endpoints emit only tuples whose value changed.
func (s *Session) onTick() {
	if s.hub.deps.Source == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.fetchBudget())
	defer cancel()

	if s.endpoint.Heartbeat {
		reading, err := s.hub.deps.Source.Telemetry(ctx, s.endpoint.Feed)
		if err != nil {
			s.noteUpstream(err)
			return
		}
		s.send(wire.Envelope{
			Type:       wire.TypeLiveUpdate,
			UpdateType: s.endpoint.UpdateType,
			Payload:    nonNil(reading),
		}, true)
		return
	}

	for _, sub := range s.reg.Snapshot() {
		if sub.Channel == types.ChannelAnalysis || !s.streams.Active(sub.Team) {
			continue
		}
		if !s.poll(ctx, sub, false) {
			return
		}
	}
}

// fetchBudget bounds one upstream pull.
func (s *Session) fetchBudget() time.Duration {
	return min(max(s.endpoint.Tick, minFetchBudget), maxFetchBudget)
}

// prime emits the current value of a freshly added tuple: initial_data for
// snapshot channels, otherwise the regular update.
func (s *Session) prime(sub types.Subscription) {
	if sub.Channel == types.ChannelAnalysis || s.hub.deps.Source == nil {
		return
	}
	snapshot := s.endpoint.Snapshots && sub.Channel.Snapshot()
	if !snapshot && !s.endpoint.polls() {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.fetchBudget())
	defer cancel()
	s.poll(ctx, sub, snapshot)
}

// poll pulls sub from the source and emits changed samples. It returns
// false when the source failed.
func (s *Session) poll(ctx context.Context, sub types.Subscription, initial bool) bool {
	samples, err := s.hub.deps.Source.Fetch(ctx, sub.Team, sub.Channel)
	if err != nil {
		s.noteUpstream(err)
		return false
	}
	for _, sample := range samples {
		key := digestKey{team: sub.Team, channel: sub.Channel, subject: sample.SubjectID}
		d := digest(sample)
		if !initial {
			if prev, ok := s.digests[key]; ok && prev == d {
				continue
			}
		}
		s.digests[key] = d
		if initial {
			s.send(initialData(sub, sample), false)
			continue
		}
		if env, ok := updateFor(sub, sample); ok {
			s.send(env, true)
		}
	}
	return true
}

func (s *Session) forget(team string, ch types.Channel) {
	for key := range s.digests {
		if key.team == team && key.channel == ch {
			delete(s.digests, key)
		}
	}
}

// noteUpstream reports a source failure at most once per notice window.
// The ticker keeps running.
func (s *Session) noteUpstream(err error) {
	if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
		return
	}
	now := s.hub.now()
	s.logger.Warn().Err(err).Msg("upstream pull failed")
	if !s.upstreamNotice.AllowN(now, 1) {
		return
	}
	env := wire.NewError(wire.CodeUpstreamUnavailable, "upstream data source unavailable", "", now.UnixMilli())
	env.Payload = map[string]any{"retryAfterMs": s.endpoint.Tick.Milliseconds()}
	s.send(env, false)
}

func initialData(sub types.Subscription, sample source.Sample) wire.Envelope {
	return wire.Envelope{
		Type:      wire.TypeInitialData,
		Team:      sub.Team,
		Channel:   string(sub.Channel),
		SubjectID: sample.SubjectID,
		Payload:   nonNil(sample.Payload),
		Analysis:  sample.Analysis,
	}
}

// updateFor maps a sample to the channel's update envelope.
func updateFor(sub types.Subscription, sample source.Sample) (wire.Envelope, bool) {
	env := wire.Envelope{Team: sub.Team, Payload: nonNil(sample.Payload)}
	switch sub.Channel {
	case types.ChannelLiveGame:
		env.Type = wire.TypeLiveUpdate
		env.UpdateType = wire.UpdateScore
	case types.ChannelPlayerStats:
		env.Type = wire.TypeLiveUpdate
		env.UpdateType = wire.UpdatePlayerStats
		env.SubjectID = sample.SubjectID
	case types.ChannelBiometrics:
		if sample.SubjectID == "" {
			return env, false
		}
		env.Type = wire.TypeBiometricUpdate
		env.SubjectID = sample.SubjectID
		env.Analysis = sample.Analysis
	case types.ChannelOverlay:
		env.Type = wire.TypeOverlayUpdate
	default:
		return env, false
	}
	return env, true
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func digest(sample source.Sample) uint64 {
	data, err := json.Marshal(sample)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}
