package source

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/blazeintel/rtssf/src/types"
	"github.com/cespare/xxhash/v2"
)

// DefaultRoster is the subject list the fake generates per team.
var DefaultRoster = []string{"P34", "P12", "P7"}

// Fake is a deterministic DataSource. Every Fetch of a (team, channel)
// advances that stream by one step; the same seed yields the same sequence.
// Tests pin values with Set and simulate outages with Fail.
type Fake struct {
	mu      sync.Mutex
	seed    uint64
	roster  []string
	steps   map[types.Subscription]int
	rngs    map[string]*rand.Rand
	pinned  map[types.Subscription][]Sample
	failErr error
}

// NewFake creates a fake seeded with seed.
func NewFake(seed uint64) *Fake {
	return &Fake{
		seed:   seed,
		roster: DefaultRoster,
		steps:  make(map[types.Subscription]int),
		rngs:   make(map[string]*rand.Rand),
		pinned: make(map[types.Subscription][]Sample),
	}
}

func (f *Fake) Name() string { return "fake" }

// Set pins the samples returned for (team, channel).
func (f *Fake) Set(team string, channel types.Channel, samples []Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[types.Subscription{Team: team, Channel: channel}] = samples
}

// Fail makes every call return err wrapped in ErrUpstreamUnavailable.
// Pass nil to recover.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *Fake) rng(key string) *rand.Rand {
	r, ok := f.rngs[key]
	if !ok {
		r = rand.New(rand.NewPCG(f.seed, xxhash.Sum64String(key)))
		f.rngs[key] = r
	}
	return r
}

func (f *Fake) Fetch(_ context.Context, team string, channel types.Channel) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, f.failErr)
	}
	sub := types.Subscription{Team: team, Channel: channel}
	if pinned, ok := f.pinned[sub]; ok {
		return pinned, nil
	}
	step := f.steps[sub]
	f.steps[sub] = step + 1
	r := f.rng(team + "/" + string(channel))

	switch channel {
	case types.ChannelLiveGame:
		// The score only moves every third step so change detection has
		// something to skip.
		scoring := step / 3
		return []Sample{{Payload: map[string]any{
			"homeScore":  scoring * 3 % 31,
			"awayScore":  scoring * 7 % 28,
			"quarter":    1 + (step/12)%4,
			"possession": []string{"home", "away"}[scoring%2],
		}}}, nil
	case types.ChannelPlayerStats:
		players := make([]any, 0, len(f.roster))
		for i, id := range f.roster {
			players = append(players, map[string]any{
				"id":       id,
				"yards":    (step + i) * 4,
				"touches":  step/2 + i,
				"snapRate": round(0.5+0.1*float64(i), 2),
			})
		}
		return []Sample{{Payload: map[string]any{"players": players}}}, nil
	case types.ChannelBiometrics:
		out := make([]Sample, 0, len(f.roster))
		for _, id := range f.roster {
			hr := 140 + r.IntN(50)
			risk := round(r.Float64(), 2)
			out = append(out, Sample{
				SubjectID: id,
				Payload: map[string]any{
					"hr":        hr,
					"hrv":       round(30+r.Float64()*40, 1),
					"fatigue":   round(r.Float64(), 2),
					"heartRate": hr,
				},
				Analysis: map[string]any{"injury_risk": risk},
			})
		}
		return out, nil
	case types.ChannelOverlay:
		return []Sample{{Payload: map[string]any{"theme": "default", "visible": true}}}, nil
	case types.ChannelAnalysis:
		return nil, nil
	}
	return nil, fmt.Errorf("fake: unknown channel %q", channel)
}

func (f *Fake) Telemetry(_ context.Context, feed Feed) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, f.failErr)
	}
	r := f.rng("telemetry/" + string(feed))
	switch feed {
	case FeedRTI:
		return map[string]any{
			"latency":    round(20+r.Float64()*30, 1),
			"fps":        58 + r.IntN(5),
			"accuracy":   round(0.9+r.Float64()*0.09, 3),
			"confidence": round(0.8+r.Float64()*0.19, 3),
		}, nil
	case FeedHawkeye:
		return map[string]any{
			"ballPosition": map[string]any{
				"x": round(r.Float64()*100, 2), "y": round(r.Float64()*50, 2), "z": round(r.Float64()*10, 2),
			},
			"velocity": map[string]any{
				"x": round(r.NormFloat64()*20, 2), "y": round(r.NormFloat64()*20, 2), "z": round(r.NormFloat64()*5, 2),
			},
			"tracking": map[string]any{
				"confidence": round(0.95+r.Float64()*0.05, 3),
				"cameras":    6 + r.IntN(5),
			},
		}, nil
	}
	return nil, fmt.Errorf("fake: unknown feed %q", feed)
}

func (f *Fake) SeasonSnapshot(_ context.Context, sport, season string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, f.failErr)
	}
	r := f.rng("season/" + sport + "/" + season)
	return map[string]any{
		"sport":  sport,
		"season": season,
		"games":  10 + r.IntN(150),
		"teams":  []string{"CARDINALS", "TITANS", "LONGHORNS", "GRIZZLIES"},
	}, nil
}

func (f *Fake) DashboardConfig(context.Context) (map[string]any, error) {
	return map[string]any{
		"refreshMs": 30000,
		"panels":    []string{"team-comparison", "momentum-tracker", "champion-radar"},
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
