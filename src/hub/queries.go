package hub

import (
	"sort"

	"github.com/blazeintel/rtssf/src/metrics"
	"github.com/blazeintel/rtssf/src/types"
)

// OnConnection registers a callback for new sessions.
func (h *Hub) OnConnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback for closed sessions.
func (h *Hub) OnDisconnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// ConnectedClients returns the ids of live sessions, sorted.
func (h *Hub) ConnectedClients() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ClientInfo returns info for a live session, or nil.
func (h *Hub) ClientInfo(connID string) *types.ConnectionInfo {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	info := s.Info()
	return &info
}

// Channels returns "TEAM/channel" keys with their subscriber counts.
func (h *Hub) Channels() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]int)
	for _, s := range h.sessions {
		for _, sub := range s.reg.Snapshot() {
			result[sub.Team+"/"+string(sub.Channel)]++
		}
	}
	return result
}

// ClientCount returns the number of live sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Metrics aggregates the liveness counters of every live session.
func (h *Hub) Metrics() metrics.Snapshot {
	now := h.now()
	h.mu.RLock()
	snaps := make([]metrics.Snapshot, 0, len(h.sessions))
	for _, s := range h.sessions {
		snaps = append(snaps, s.counters.Snapshot(now))
	}
	h.mu.RUnlock()
	return metrics.Aggregate(now, snaps...)
}
