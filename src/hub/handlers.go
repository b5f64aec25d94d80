package hub

import (
	"fmt"
	"time"

	"github.com/blazeintel/rtssf/src/collab"
	"github.com/blazeintel/rtssf/src/registry"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/google/uuid"
)

// handleRaw decodes and dispatches one inbound frame. ok is false when
// the session must close with code.
func (s *Session) handleRaw(data []byte) (code int, reason string, ok bool) {
	now := s.hub.now()
	s.counters.RecordIn(len(data), now)

	env, err := wire.Decode(data)
	if err != nil {
		s.logger.Debug().Err(err).Int("bytes", len(data)).Msg("invalid envelope")
		s.sendError(wire.CodeInvalidEnvelope, err.Error(), "")
		if s.noteInvalid(now) {
			s.logger.Warn().Msg("closing after sustained invalid envelopes")
			return types.ClosePolicyViolation, "too many invalid envelopes", false
		}
		return 0, "", true
	}

	if env.Type.Direction()&wire.ClientToServer == 0 || !s.endpoint.accepts(env.Type) {
		s.sendError(wire.CodeUnsupportedType,
			fmt.Sprintf("%s is not accepted on %s", env.Type, s.endpoint.Path), env.CorrelationID)
		return 0, "", true
	}

	switch env.Type {
	case wire.TypePing:
		s.send(wire.Envelope{Type: wire.TypePong, Timestamp: env.Timestamp, CorrelationID: env.CorrelationID}, false)
	case wire.TypePong:
	case wire.TypeSubscribe:
		s.onSubscribe(env)
	case wire.TypeUnsubscribe:
		s.onUnsubscribe(env)
	case wire.TypeAnalysisRequest:
		s.onAnalysisRequest(env)
	case wire.TypeBiometricData:
		s.onBiometricData(env)
	case wire.TypeOverlayConfig:
		s.onOverlayConfig(env)
	case wire.TypeStreamControl:
		s.onStreamControl(env)
	}
	return 0, "", true
}

func (s *Session) confirm(team string, channels []types.Channel, correlationID string) {
	s.send(wire.Envelope{
		Type:          wire.TypeSubscriptionConfirmed,
		Team:          team,
		Channels:      types.ChannelStrings(channels),
		CorrelationID: correlationID,
	}, false)
}

func (s *Session) onSubscribe(env wire.Envelope) {
	var rejected []error
	allowed := make([]types.Channel, 0, len(env.Channels))
	for _, ch := range types.ParseChannels(env.Channels) {
		if ch.Valid() && !s.endpoint.allowsChannel(ch) {
			rejected = append(rejected, &registry.TupleError{
				Sub: types.Subscription{Team: env.Team, Channel: ch},
				Err: registry.ErrUnknownChannel,
			})
			continue
		}
		allowed = append(allowed, ch)
	}

	before := make(map[types.Channel]bool)
	for _, ch := range s.reg.Channels(env.Team) {
		before[ch] = true
	}
	effective, err := s.reg.Add(env.Team, allowed)
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		rejected = append(rejected, joined.Unwrap()...)
	}
	s.counters.SetSubscriptions(s.reg.Len())

	s.confirm(env.Team, effective, env.CorrelationID)
	for _, e := range rejected {
		s.sendError(wire.CodeSubscriptionError, e.Error(), env.CorrelationID)
	}
	for _, ch := range effective {
		if !before[ch] {
			s.prime(types.Subscription{Team: env.Team, Channel: ch})
		}
	}
}

func (s *Session) onUnsubscribe(env wire.Envelope) {
	removed := types.ParseChannels(env.Channels)
	effective := s.reg.Remove(env.Team, removed)
	s.counters.SetSubscriptions(s.reg.Len())
	for _, ch := range removed {
		s.forget(env.Team, ch)
	}
	s.confirm(env.Team, effective, env.CorrelationID)
}

func (s *Session) onAnalysisRequest(env wire.Envelope) {
	corr := env.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
	}
	if _, dup := s.pending[corr]; dup {
		s.sendError(wire.CodeAnalysisFailed, "correlationId already in flight", corr)
		return
	}
	if s.hub.deps.Analyzer == nil {
		s.sendError(wire.CodeAnalysisFailed, "analysis worker not configured", corr)
		return
	}

	req := collab.AnalysisRequest{
		ConnectionID:  s.ID,
		CorrelationID: corr,
		Team:          env.Team,
		SubjectID:     env.SubjectID,
		AnalysisType:  env.AnalysisType,
	}
	done := s.done
	results := s.results
	err := s.hub.deps.Analyzer.Submit(s.ctx, req, func(r collab.AnalysisResult) {
		select {
		case results <- r:
		case <-done:
		}
	})
	if err != nil {
		s.sendError(wire.CodeAnalysisFailed, err.Error(), corr)
		return
	}

	expired := s.expired
	s.pending[corr] = time.AfterFunc(s.hub.settings.AnalysisTTL, func() {
		select {
		case expired <- corr:
		case <-done:
		}
	})
}

// onAnalysisResult emits the result if the request is still pending.
// Results arriving after the TTL are discarded.
func (s *Session) onAnalysisResult(r collab.AnalysisResult) {
	corr := r.Request.CorrelationID
	t, ok := s.pending[corr]
	if !ok {
		s.logger.Debug().Str("correlation_id", corr).Msg("discarding late analysis result")
		return
	}
	t.Stop()
	delete(s.pending, corr)

	if r.Err != nil {
		s.sendError(wire.CodeAnalysisFailed, r.Err.Error(), corr)
		return
	}
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	s.send(wire.Envelope{
		Type:          wire.TypeAnalysisResult,
		Team:          r.Request.Team,
		SubjectID:     r.Request.SubjectID,
		AnalysisType:  r.Request.AnalysisType,
		CorrelationID: corr,
		Payload:       payload,
	}, false)
}

func (s *Session) onAnalysisTimeout(corr string) {
	if _, ok := s.pending[corr]; !ok {
		return
	}
	delete(s.pending, corr)
	s.sendError(wire.CodeAnalysisTimeout,
		fmt.Sprintf("no analysis result within %s", s.hub.settings.AnalysisTTL), corr)
}

func (s *Session) onBiometricData(env wire.Envelope) {
	sink := s.hub.deps.Biometrics
	if sink == nil {
		s.sendError(wire.CodeInternal, "biometric sink not configured", env.CorrelationID)
		return
	}
	err := sink.Record(s.ctx, collab.BiometricSample{
		ConnectionID: s.ID,
		Team:         env.Team,
		SubjectID:    env.SubjectID,
		Payload:      env.Payload,
		Timestamp:    env.Timestamp,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to forward biometric sample")
		s.sendError(wire.CodeInternal, "failed to forward biometric sample", env.CorrelationID)
	}
}

func (s *Session) onOverlayConfig(env wire.Envelope) {
	effective := s.hub.deps.Overlays.Apply(env.Team, env.Payload)
	if effective == nil {
		effective = map[string]any{}
	}
	update := wire.Envelope{
		Type:    wire.TypeOverlayUpdate,
		Team:    env.Team,
		Payload: effective,
	}
	s.hub.PublishExcept(update, s.ID)
	update.CorrelationID = env.CorrelationID
	s.send(update, false)
}

func (s *Session) onStreamControl(env wire.Envelope) {
	state, err := s.streams.Apply(env.Team, env.Action)
	if err != nil {
		s.sendError(wire.CodeStreamControl, err.Error(), env.CorrelationID)
		return
	}
	if state == collab.StreamRunning {
		// Resuming re-emits current values on the next tick.
		for key := range s.digests {
			if key.team == env.Team {
				delete(s.digests, key)
			}
		}
	}
	s.send(wire.Envelope{
		Type:          wire.TypeLiveUpdate,
		Team:          env.Team,
		UpdateType:    wire.UpdateStreamState,
		Action:        env.Action,
		CorrelationID: env.CorrelationID,
		Payload:       map[string]any{"action": env.Action, "state": string(state)},
	}, false)
}

// deliver forwards a pushed event if this session subscribes to it.
func (s *Session) deliver(env wire.Envelope) {
	team, channel := env.Key()
	if !s.reg.Contains(team, types.Channel(channel)) || !s.streams.Active(team) {
		return
	}
	env.Seq = 0
	s.send(env, true)
}
