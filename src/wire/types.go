package wire

// Type is the envelope discriminator.
type Type string

const (
	TypeConnection            Type = "connection"
	TypeSubscribe             Type = "subscribe"
	TypeUnsubscribe           Type = "unsubscribe"
	TypeSubscriptionConfirmed Type = "subscription_confirmed"
	TypeInitialData           Type = "initial_data"
	TypeLiveUpdate            Type = "live_update"
	TypeBiometricUpdate       Type = "biometric_update"
	TypeAnalysisResult        Type = "analysis_result"
	TypeOverlayUpdate         Type = "overlay_update"
	TypeBiometricData         Type = "biometric_data"
	TypeAnalysisRequest       Type = "analysis_request"
	TypeOverlayConfig         Type = "overlay_config"
	TypeStreamControl         Type = "stream_control"
	TypePing                  Type = "ping"
	TypePong                  Type = "pong"
	TypeError                 Type = "error"
)

// Direction says which side may originate a message type.
type Direction uint8

const (
	ServerToClient Direction = 1 << iota
	ClientToServer

	Both = ServerToClient | ClientToServer
)

var directions = map[Type]Direction{
	TypeConnection:            ServerToClient,
	TypeSubscribe:             ClientToServer,
	TypeUnsubscribe:           ClientToServer,
	TypeSubscriptionConfirmed: ServerToClient,
	TypeInitialData:           ServerToClient,
	TypeLiveUpdate:            ServerToClient,
	TypeBiometricUpdate:       ServerToClient,
	TypeAnalysisResult:        ServerToClient,
	TypeOverlayUpdate:         ServerToClient,
	TypeBiometricData:         ClientToServer,
	TypeAnalysisRequest:       ClientToServer,
	TypeOverlayConfig:         ClientToServer,
	TypeStreamControl:         ClientToServer,
	TypePing:                  Both,
	TypePong:                  Both,
	TypeError:                 ServerToClient,
}

// Known reports whether t belongs to the closed type set.
func (t Type) Known() bool {
	_, ok := directions[t]
	return ok
}

// Direction returns who may send t. Unknown types return zero.
func (t Type) Direction() Direction { return directions[t] }

// Error codes carried by error envelopes.
const (
	CodeInvalidEnvelope     = "invalid_envelope"
	CodeSubscriptionError   = "subscription_error"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeAnalysisTimeout     = "analysis_timeout"
	CodeBackpressureDrop    = "backpressure_drop"
	CodeUnsupportedType     = "unsupported_type"
	CodeAnalysisFailed      = "analysis_failed"
	CodeStreamControl       = "stream_control_error"
	CodeInternal            = "internal_error"
)

// Update types carried by live_update.
const (
	UpdateScore       = "score"
	UpdatePlayerStats = "player-stats"
	UpdateRTI         = "rti_update"
	UpdateHawkeye     = "hawkeye_update"
	UpdateStreamState = "stream_state"
)

// Analysis types understood by the analysis worker.
const (
	AnalysisChampionEnigma        = "champion_enigma"
	AnalysisPerformancePrediction = "performance_prediction"
)
