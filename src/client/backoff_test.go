package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStalenessBoundary(t *testing.T) {
	last := time.UnixMilli(10_000)
	period := time.Second

	assert.False(t, isStale(last, last.Add(2*period), period))
	assert.True(t, isStale(last, last.Add(2*period+time.Millisecond), period))
}
