// Package wire defines the JSON envelope exchanged on every signal socket
// and the closed set of message types it may carry.
package wire

import (
	"encoding/json"
	"time"
)

// Envelope is the single on-wire message shape. Fields are optional except
// Type and Timestamp; which ones are required depends on Type.
type Envelope struct {
	Type          Type           `json:"type"`
	Timestamp     int64          `json:"timestamp"`
	Seq           uint64         `json:"seq,omitempty"`
	Team          string         `json:"team,omitempty"`
	Channel       string         `json:"channel,omitempty"`
	Channels      []string       `json:"channels,omitempty"`
	SubjectID     string         `json:"subjectId,omitempty"`
	UpdateType    string         `json:"updateType,omitempty"`
	AnalysisType  string         `json:"analysisType,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Status        string         `json:"status,omitempty"`
	ConnectionID  string         `json:"connectionId,omitempty"`
	Action        string         `json:"action,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Analysis      map[string]any `json:"analysis,omitempty"`
	Code          string         `json:"code,omitempty"`
	Message       string         `json:"message,omitempty"`

	// Extra keeps fields this version does not know about so they survive
	// a decode/encode round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownKeys = map[string]struct{}{
	"type": {}, "timestamp": {}, "seq": {}, "team": {}, "channel": {},
	"channels": {}, "subjectId": {}, "updateType": {}, "analysisType": {},
	"correlationId": {}, "status": {}, "connectionId": {}, "action": {},
	"config": {}, "payload": {}, "analysis": {}, "code": {}, "message": {},
}

// plainEnvelope has the same layout without the custom (un)marshalers.
type plainEnvelope Envelope

// MarshalJSON encodes the known fields and re-attaches preserved extras.
func (e Envelope) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(plainEnvelope(e))
	// omitempty drops empty-but-present payloads and channel lists, which
	// are meaningful (e.g. a confirmed set after unsubscribing everything).
	emptyPayload := e.Payload != nil && len(e.Payload) == 0
	emptyChannels := e.Channels != nil && len(e.Channels) == 0
	if err != nil || (len(e.Extra) == 0 && !emptyPayload && !emptyChannels) {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	if emptyPayload {
		merged["payload"] = json.RawMessage(`{}`)
	}
	if emptyChannels {
		merged["channels"] = json.RawMessage(`[]`)
	}
	for k, v := range e.Extra {
		if _, known := knownKeys[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes the rest in Extra.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var p plainEnvelope
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	*e = Envelope(p)
	return nil
}

// Now returns the current wall clock in envelope units (ms since epoch).
func Now() int64 { return time.Now().UnixMilli() }

// New creates an envelope of type t stamped with ts.
func New(t Type, ts int64) Envelope {
	return Envelope{Type: t, Timestamp: ts}
}

// NewError builds an error envelope.
func NewError(code, message, correlationID string, ts int64) Envelope {
	return Envelope{
		Type:          TypeError,
		Timestamp:     ts,
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	}
}

// Key returns the (team, channel) the envelope is addressed to for fan-out
// purposes. Envelopes that carry no channel derive it from their type.
func (e Envelope) Key() (team, channel string) {
	if e.Channel != "" {
		return e.Team, e.Channel
	}
	switch e.Type {
	case TypeLiveUpdate:
		if e.UpdateType == UpdatePlayerStats {
			return e.Team, "player-stats"
		}
		return e.Team, "live-game"
	case TypeBiometricUpdate:
		return e.Team, "biometrics"
	case TypeAnalysisResult:
		return e.Team, "analysis"
	case TypeOverlayUpdate:
		return e.Team, "overlay"
	}
	return e.Team, ""
}
