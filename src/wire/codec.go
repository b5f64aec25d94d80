package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxEnvelopeBytes is the largest encoded envelope accepted or produced.
const MaxEnvelopeBytes = 64 * 1024

var (
	// ErrInvalidEnvelope is returned for anything that is not a well-formed
	// envelope of a known type.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	utf8BOM = []byte{0xEF, 0xBB, 0xBF}
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}

// Decode parses one inbound message. Senders always stamp timestamp, so a
// missing or non-positive one is invalid. Half-parsed envelopes are never
// returned: on error the zero Envelope comes back.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return Envelope{}, invalid("size %d exceeds %d bytes", len(data), MaxEnvelopeBytes)
	}
	if bytes.HasPrefix(data, utf8BOM) {
		return Envelope{}, invalid("byte order mark not allowed")
	}
	if !utf8.Valid(data) {
		return Envelope{}, invalid("not valid UTF-8")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, invalid("%v", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if env.Timestamp <= 0 {
		return Envelope{}, invalid("%s requires timestamp", env.Type)
	}
	return env, nil
}

// Encode serializes an envelope, refusing ones that fail validation or
// would exceed MaxEnvelopeBytes.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, invalid("size %d exceeds %d bytes", len(data), MaxEnvelopeBytes)
	}
	return data, nil
}

// Validate checks the discriminator and the per-type required fields.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return invalid("missing type")
	}
	if !e.Type.Known() {
		return invalid("unknown type %q", e.Type)
	}
	missing := func(field string) error {
		return invalid("%s requires %s", e.Type, field)
	}

	switch e.Type {
	case TypeConnection:
		if e.Status == "" {
			return missing("status")
		}
		if e.ConnectionID == "" {
			return missing("connectionId")
		}
	case TypeSubscribe, TypeUnsubscribe, TypeSubscriptionConfirmed:
		if e.Team == "" {
			return missing("team")
		}
		if e.Channels == nil {
			return missing("channels")
		}
	case TypeInitialData:
		if e.Team == "" {
			return missing("team")
		}
		if e.Channel == "" {
			return missing("channel")
		}
		if e.Payload == nil {
			return missing("payload")
		}
	case TypeLiveUpdate:
		// Telemetry feeds (/ws/realtime, /ws/hawkeye) are not team scoped,
		// so team is not enforced here.
		if e.UpdateType == "" {
			return missing("updateType")
		}
		if e.Payload == nil {
			return missing("payload")
		}
	case TypeBiometricUpdate, TypeBiometricData:
		if e.Team == "" {
			return missing("team")
		}
		if e.SubjectID == "" {
			return missing("subjectId")
		}
		if e.Payload == nil {
			return missing("payload")
		}
	case TypeAnalysisResult:
		if e.Team == "" {
			return missing("team")
		}
		if e.SubjectID == "" {
			return missing("subjectId")
		}
		if e.AnalysisType == "" {
			return missing("analysisType")
		}
		if e.Payload == nil {
			return missing("payload")
		}
	case TypeAnalysisRequest:
		if e.Team == "" {
			return missing("team")
		}
		if e.SubjectID == "" {
			return missing("subjectId")
		}
		if e.AnalysisType == "" {
			return missing("analysisType")
		}
	case TypeOverlayUpdate, TypeOverlayConfig:
		if e.Team == "" {
			return missing("team")
		}
		if e.Payload == nil {
			return missing("payload")
		}
	case TypeStreamControl:
		if e.Team == "" {
			return missing("team")
		}
		if e.Action == "" {
			return missing("action")
		}
	case TypeError:
		if e.Code == "" {
			return missing("code")
		}
		if e.Message == "" {
			return missing("message")
		}
	}
	return nil
}
