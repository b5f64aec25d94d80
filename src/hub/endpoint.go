package hub

import (
	"strings"
	"time"

	"github.com/blazeintel/rtssf/config"
	"github.com/blazeintel/rtssf/src/source"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
)

// Endpoint describes how sessions on one WebSocket path behave.
type Endpoint struct {
	Name string
	Path string
	// Tick is the periodic emission period; zero disables the ticker.
	Tick time.Duration
	// Heartbeat endpoints emit every tick regardless of change.
	Heartbeat bool
	// Feed and UpdateType drive heartbeat emission.
	Feed       source.Feed
	UpdateType string
	// Snapshots enables initial_data after subscribe on snapshot channels.
	Snapshots bool
	// PushTarget sessions receive events published through the hub.
	PushTarget bool
	// Channels limits what may be subscribed; nil means every channel.
	Channels map[types.Channel]bool
	Accepts  map[wire.Type]bool
}

func typeSet(ts ...wire.Type) map[wire.Type]bool {
	out := make(map[wire.Type]bool, len(ts))
	for _, t := range ts {
		out[t] = true
	}
	return out
}

// Endpoints builds the endpoint table from per-endpoint tick periods.
func Endpoints(p config.PublisherConfig) []Endpoint {
	return []Endpoint{
		{
			Name:     config.EndpointSports,
			Path:     "/ws/sports",
			Tick:     p.Tick(config.EndpointSports),
			Channels: map[types.Channel]bool{types.ChannelLiveGame: true},
			Accepts:  typeSet(wire.TypePing, wire.TypePong, wire.TypeSubscribe, wire.TypeUnsubscribe),
		},
		{
			Name:       config.EndpointRealtime,
			Path:       "/ws/realtime",
			Tick:       p.Tick(config.EndpointRealtime),
			Heartbeat:  true,
			Feed:       source.FeedRTI,
			UpdateType: wire.UpdateRTI,
			Accepts:    typeSet(wire.TypePing, wire.TypePong),
		},
		{
			Name:       config.EndpointHawkeye,
			Path:       "/ws/hawkeye",
			Tick:       p.Tick(config.EndpointHawkeye),
			Heartbeat:  true,
			Feed:       source.FeedHawkeye,
			UpdateType: wire.UpdateHawkeye,
			Accepts:    typeSet(wire.TypePing, wire.TypePong),
		},
		{
			Name:       config.EndpointTeam,
			Path:       "/ws/team",
			Tick:       p.Tick(config.EndpointTeam),
			Snapshots:  true,
			PushTarget: true,
			Accepts: typeSet(
				wire.TypePing, wire.TypePong,
				wire.TypeSubscribe, wire.TypeUnsubscribe,
				wire.TypeBiometricData, wire.TypeAnalysisRequest,
				wire.TypeOverlayConfig, wire.TypeStreamControl,
			),
		},
	}
}

// Match finds the endpoint whose path is a suffix of path.
func Match(endpoints []Endpoint, path string) (Endpoint, bool) {
	path = strings.TrimRight(path, "/")
	for _, ep := range endpoints {
		if strings.HasSuffix(path, ep.Path) {
			return ep, true
		}
	}
	return Endpoint{}, false
}

func (e Endpoint) accepts(t wire.Type) bool { return e.Accepts[t] }

func (e Endpoint) allowsChannel(c types.Channel) bool {
	return e.Channels == nil || e.Channels[c]
}

// polls reports whether the ticker pulls subscribed tuples.
func (e Endpoint) polls() bool { return e.Tick > 0 && !e.Heartbeat }
