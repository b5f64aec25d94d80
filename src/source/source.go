// Package source provides the DataSource capability the publisher pulls
// live values from, with a deterministic fake and an HTTP upstream.
package source

import (
	"context"
	"errors"

	"github.com/blazeintel/rtssf/src/types"
)

// ErrUpstreamUnavailable wraps any failure to reach or decode the upstream.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Sample is the latest value of one subject on a channel. Team-level
// channels (live-game, overlay) use an empty SubjectID.
type Sample struct {
	SubjectID string         `json:"subjectId,omitempty"`
	Payload   map[string]any `json:"payload"`
	Analysis  map[string]any `json:"analysis,omitempty"`
}

// Feed names a non team-scoped telemetry feed.
type Feed string

const (
	FeedRTI     Feed = "rti"
	FeedHawkeye Feed = "hawkeye"
)

// DataSource is pulled by session tickers.
type DataSource interface {
	Name() string
	// Fetch returns the current samples of (team, channel).
	Fetch(ctx context.Context, team string, channel types.Channel) ([]Sample, error)
	// Telemetry returns the current reading of a telemetry feed.
	Telemetry(ctx context.Context, feed Feed) (map[string]any, error)
}

// SnapshotSource serves the replayable snapshot documents.
type SnapshotSource interface {
	SeasonSnapshot(ctx context.Context, sport, season string) (map[string]any, error)
	DashboardConfig(ctx context.Context) (map[string]any, error)
}
