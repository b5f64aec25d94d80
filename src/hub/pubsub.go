package hub

import (
	"github.com/blazeintel/rtssf/src/wire"
)

// fanOut hands env to every push-target session except bm.except. Sessions
// filter by their own registry, so unsubscribed tuples never leak.
func (h *Hub) fanOut(bm broadcastMsg) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == bm.except || !s.endpoint.PushTarget {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.events <- bm.env:
		default:
			s.counters.RecordDrop()
			h.logger.Warn().Str("conn_id", s.ID).Msg("event buffer full, dropping")
		}
	}
}

// publishToBridge forwards an envelope to the bridge if one is attached.
func (h *Hub) publishToBridge(env wire.Envelope) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(env); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}

func (h *Hub) enqueue(bm broadcastMsg) bool {
	select {
	case h.broadcast <- bm:
		return true
	case <-h.done:
		return false
	}
}

// Publish delivers env to every local subscriber of its (team, channel)
// and to other instances.
func (h *Hub) Publish(env wire.Envelope) bool {
	return h.enqueue(broadcastMsg{env: env})
}

// PublishExcept is Publish without echoing back to connection connID.
func (h *Hub) PublishExcept(env wire.Envelope, connID string) bool {
	return h.enqueue(broadcastMsg{env: env, except: connID})
}

// BroadcastToLocal delivers an envelope from the bridge to local
// subscribers only. It never re-publishes to the bridge.
func (h *Hub) BroadcastToLocal(env wire.Envelope) {
	select {
	case h.localCast <- broadcastMsg{env: env}:
	case <-h.done:
	}
}

// SendToConnection queues env for a single session regardless of its
// subscriptions.
func (h *Hub) SendToConnection(connID string, env wire.Envelope) bool {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case s.direct <- env:
		return true
	default:
		return false
	}
}
