// Package metrics holds the liveness counters shared by the publisher
// sessions and the reconnecting client.
package metrics

import (
	"sync/atomic"
	"time"
)

// Counters are updated lock-free from the read and write paths.
type Counters struct {
	messagesIn          atomic.Uint64
	messagesOut         atomic.Uint64
	bytesIn             atomic.Uint64
	bytesOut            atomic.Uint64
	connectAt           atomic.Int64 // unix ms, 0 when never connected
	lastActivityAt      atomic.Int64 // unix ms
	reconnectAttempts   atomic.Int64
	subscriptionsActive atomic.Int64
	dropped             atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	MessagesIn          uint64        `json:"messagesIn"`
	MessagesOut         uint64        `json:"messagesOut"`
	BytesIn             uint64        `json:"bytesIn"`
	BytesOut            uint64        `json:"bytesOut"`
	ConnectAt           time.Time     `json:"connectAt"`
	LastActivityAt      time.Time     `json:"lastActivityAt"`
	ReconnectAttempts   int64         `json:"reconnectAttempts"`
	SubscriptionsActive int64         `json:"subscriptionsActive"`
	Dropped             uint64        `json:"dropped"`
	Uptime              time.Duration `json:"uptime"`
}

// New returns zeroed counters.
func New() *Counters { return &Counters{} }

// RecordIn counts one inbound message of n bytes and marks activity.
func (c *Counters) RecordIn(n int, at time.Time) {
	c.messagesIn.Add(1)
	c.bytesIn.Add(uint64(n))
	c.lastActivityAt.Store(at.UnixMilli())
}

// RecordOut counts one outbound message of n bytes.
func (c *Counters) RecordOut(n int) {
	c.messagesOut.Add(1)
	c.bytesOut.Add(uint64(n))
}

// RecordDrop counts one periodic update skipped under backpressure.
func (c *Counters) RecordDrop() { c.dropped.Add(1) }

// MarkConnected sets connectAt and resets activity to the same instant.
func (c *Counters) MarkConnected(at time.Time) {
	ms := at.UnixMilli()
	c.connectAt.Store(ms)
	c.lastActivityAt.Store(ms)
}

// Touch marks activity without counting a message.
func (c *Counters) Touch(at time.Time) { c.lastActivityAt.Store(at.UnixMilli()) }

// LastActivity returns the last recorded activity time.
func (c *Counters) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivityAt.Load())
}

// IncReconnectAttempts bumps and returns the attempt counter.
func (c *Counters) IncReconnectAttempts() int64 { return c.reconnectAttempts.Add(1) }

// ResetReconnectAttempts zeroes the attempt counter.
func (c *Counters) ResetReconnectAttempts() { c.reconnectAttempts.Store(0) }

// ReconnectAttempts returns the current attempt counter.
func (c *Counters) ReconnectAttempts() int64 { return c.reconnectAttempts.Load() }

// SetSubscriptions records the size of the active subscription set.
func (c *Counters) SetSubscriptions(n int) { c.subscriptionsActive.Store(int64(n)) }

// Snapshot copies the counters; Uptime is now - connectAt, zero if never
// connected.
func (c *Counters) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		MessagesIn:          c.messagesIn.Load(),
		MessagesOut:         c.messagesOut.Load(),
		BytesIn:             c.bytesIn.Load(),
		BytesOut:            c.bytesOut.Load(),
		ReconnectAttempts:   c.reconnectAttempts.Load(),
		SubscriptionsActive: c.subscriptionsActive.Load(),
		Dropped:             c.dropped.Load(),
	}
	if ms := c.connectAt.Load(); ms != 0 {
		s.ConnectAt = time.UnixMilli(ms)
		s.Uptime = now.Sub(s.ConnectAt)
	}
	if ms := c.lastActivityAt.Load(); ms != 0 {
		s.LastActivityAt = time.UnixMilli(ms)
	}
	return s
}

// Aggregate sums several snapshots, e.g. all sessions of a hub. ConnectAt
// becomes the earliest and LastActivityAt the latest of the inputs.
func Aggregate(now time.Time, snaps ...Snapshot) Snapshot {
	var out Snapshot
	for _, s := range snaps {
		out.MessagesIn += s.MessagesIn
		out.MessagesOut += s.MessagesOut
		out.BytesIn += s.BytesIn
		out.BytesOut += s.BytesOut
		out.ReconnectAttempts += s.ReconnectAttempts
		out.SubscriptionsActive += s.SubscriptionsActive
		out.Dropped += s.Dropped
		if !s.ConnectAt.IsZero() && (out.ConnectAt.IsZero() || s.ConnectAt.Before(out.ConnectAt)) {
			out.ConnectAt = s.ConnectAt
		}
		if s.LastActivityAt.After(out.LastActivityAt) {
			out.LastActivityAt = s.LastActivityAt
		}
	}
	if !out.ConnectAt.IsZero() {
		out.Uptime = now.Sub(out.ConnectAt)
	}
	return out
}
