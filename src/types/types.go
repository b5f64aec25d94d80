package types

import (
	"errors"
	"time"

	"github.com/fasthttp/websocket"
)

// Channel is a named logical stream within a team.
type Channel string

const (
	ChannelLiveGame    Channel = "live-game"
	ChannelPlayerStats Channel = "player-stats"
	ChannelBiometrics  Channel = "biometrics"
	ChannelAnalysis    Channel = "analysis"
	ChannelOverlay     Channel = "overlay"
)

// Channels lists every known channel in declaration order.
var Channels = []Channel{
	ChannelLiveGame,
	ChannelPlayerStats,
	ChannelBiometrics,
	ChannelAnalysis,
	ChannelOverlay,
}

// DefaultTeamChannels is what a team-scoped client subscribes to when
// no channels are given.
var DefaultTeamChannels = []Channel{
	ChannelLiveGame,
	ChannelPlayerStats,
	ChannelBiometrics,
	ChannelAnalysis,
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelLiveGame, ChannelPlayerStats, ChannelBiometrics, ChannelAnalysis, ChannelOverlay:
		return true
	}
	return false
}

// Snapshot reports whether the channel has "current value" semantics and
// gets an initial_data envelope right after subscribe.
func (c Channel) Snapshot() bool {
	switch c {
	case ChannelLiveGame, ChannelPlayerStats, ChannelOverlay:
		return true
	}
	return false
}

// Subscription is a single (team, channel) tuple.
type Subscription struct {
	Team    string  `json:"team"`
	Channel Channel `json:"channel"`
}

// ChannelStrings converts channels to their wire form.
func ChannelStrings(chs []Channel) []string {
	out := make([]string, len(chs))
	for i, c := range chs {
		out[i] = string(c)
	}
	return out
}

// ParseChannels converts wire strings to channels without validating them.
func ParseChannels(ss []string) []Channel {
	out := make([]Channel, len(ss))
	for i, s := range ss {
		out[i] = Channel(s)
	}
	return out
}

// ConnectionInfo holds metadata about a connected session.
type ConnectionInfo struct {
	ID            string         `json:"id"`
	Endpoint      string         `json:"endpoint"`
	ConnectedAt   time.Time      `json:"connected_at"`
	Subscriptions []Subscription `json:"subscriptions"`
	UserAgent     string         `json:"user_agent,omitempty"`
}

// Close codes used on the socket.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseAbnormal        = websocket.CloseAbnormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
	CloseTryAgainLater   = websocket.CloseTryAgainLater
	CloseMessageTooBig   = websocket.CloseMessageTooBig
)

// ErrFrameTooLarge is returned by Conn.ReadMessage when an inbound frame
// exceeds the read limit. The socket cannot be read after it.
var ErrFrameTooLarge = errors.New("inbound frame exceeds read limit")

// Conn abstracts a WebSocket connection for testability.
// Messages are always UTF-8 text frames carrying one envelope each.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// CloseWith sends a close frame with the given code before closing.
	CloseWith(code int, reason string) error
	Close() error
}

// CloseCode extracts the close code from a read error. Errors that are
// not close frames count as abnormal closure (1006).
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}
