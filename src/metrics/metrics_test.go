package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotUptime(t *testing.T) {
	c := New()
	start := time.UnixMilli(1_000_000)
	c.MarkConnected(start)
	c.RecordIn(10, start.Add(time.Second))
	c.RecordOut(25)
	c.RecordOut(5)

	s := c.Snapshot(start.Add(3 * time.Second))
	assert.Equal(t, uint64(1), s.MessagesIn)
	assert.Equal(t, uint64(10), s.BytesIn)
	assert.Equal(t, uint64(2), s.MessagesOut)
	assert.Equal(t, uint64(30), s.BytesOut)
	assert.Equal(t, 3*time.Second, s.Uptime)
	assert.Equal(t, start.Add(time.Second), s.LastActivityAt)
}

func TestSnapshotNeverConnected(t *testing.T) {
	s := New().Snapshot(time.Now())
	assert.True(t, s.ConnectAt.IsZero())
	assert.Zero(t, s.Uptime)
}

func TestReconnectAttempts(t *testing.T) {
	c := New()
	assert.Equal(t, int64(1), c.IncReconnectAttempts())
	assert.Equal(t, int64(2), c.IncReconnectAttempts())
	c.ResetReconnectAttempts()
	assert.Zero(t, c.ReconnectAttempts())
}

func TestAggregate(t *testing.T) {
	now := time.UnixMilli(10_000)
	a := Snapshot{MessagesIn: 1, BytesOut: 4, ConnectAt: time.UnixMilli(2_000), SubscriptionsActive: 2}
	b := Snapshot{MessagesIn: 2, BytesOut: 6, ConnectAt: time.UnixMilli(1_000), SubscriptionsActive: 1,
		LastActivityAt: time.UnixMilli(9_000)}

	out := Aggregate(now, a, b)
	assert.Equal(t, uint64(3), out.MessagesIn)
	assert.Equal(t, uint64(10), out.BytesOut)
	assert.Equal(t, int64(3), out.SubscriptionsActive)
	assert.Equal(t, time.UnixMilli(1_000), out.ConnectAt)
	assert.Equal(t, 9*time.Second, out.Uptime)
	assert.Equal(t, time.UnixMilli(9_000), out.LastActivityAt)
}
