// Package collab holds the collaborators the publisher forwards client
// requests to: the analysis worker, the biometric sink, overlay state and
// per-session stream control.
package collab

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/blazeintel/rtssf/src/source"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrUnsupportedAnalysis is returned for analysis types the worker does not know.
var ErrUnsupportedAnalysis = errors.New("unsupported analysis type")

// AnalysisRequest is one analysis_request tagged with its origin.
type AnalysisRequest struct {
	ConnectionID  string
	CorrelationID string
	Team          string
	SubjectID     string
	AnalysisType  string
}

// AnalysisResult is delivered exactly once per accepted request.
type AnalysisResult struct {
	Request AnalysisRequest
	Payload map[string]any
	Err     error
}

// Analyzer accepts analysis requests and reports results asynchronously.
// done is called at most once, from any goroutine.
type Analyzer interface {
	Submit(ctx context.Context, req AnalysisRequest, done func(AnalysisResult)) error
}

// LocalAnalyzer computes analyses in-process from the data source with a
// bounded number of concurrent jobs.
type LocalAnalyzer struct {
	src    source.DataSource
	sem    *semaphore.Weighted
	delay  time.Duration
	logger zerolog.Logger
}

// NewLocalAnalyzer creates a worker running at most workers jobs at once.
// delay simulates model latency and may be zero.
func NewLocalAnalyzer(src source.DataSource, workers int, delay time.Duration, logger zerolog.Logger) *LocalAnalyzer {
	if workers <= 0 {
		workers = 4
	}
	return &LocalAnalyzer{
		src:    src,
		sem:    semaphore.NewWeighted(int64(workers)),
		delay:  delay,
		logger: logger.With().Str("component", "analyzer").Logger(),
	}
}

func (a *LocalAnalyzer) Submit(ctx context.Context, req AnalysisRequest, done func(AnalysisResult)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	go func() {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer a.sem.Release(1)

		payload, err := a.run(ctx, req)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Debug().Err(err).Str("correlation_id", req.CorrelationID).Msg("analysis failed")
		}
		done(AnalysisResult{Request: req, Payload: payload, Err: err})
	}()
	return nil
}

func (a *LocalAnalyzer) run(ctx context.Context, req AnalysisRequest) (map[string]any, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch req.AnalysisType {
	case wire.AnalysisChampionEnigma:
		samples, err := a.src.Fetch(ctx, req.Team, types.ChannelBiometrics)
		if err != nil {
			return nil, err
		}
		return championEnigma(req.SubjectID, findSubject(samples, req.SubjectID)), nil
	case wire.AnalysisPerformancePrediction:
		samples, err := a.src.Fetch(ctx, req.Team, types.ChannelLiveGame)
		if err != nil {
			return nil, err
		}
		var game map[string]any
		if len(samples) > 0 {
			game = samples[0].Payload
		}
		return performancePrediction(req.Team, game), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAnalysis, req.AnalysisType)
}

func findSubject(samples []source.Sample, id string) map[string]any {
	for _, s := range samples {
		if s.SubjectID == id {
			return s.Payload
		}
	}
	return nil
}

var enigmaDimensions = []string{
	"clutch", "resilience", "focus", "leadership", "adaptability", "drive", "composure", "instinct",
}

// championEnigma scores a player on fixed dimensions. The subject id seeds
// the profile; live biometrics pull composure and resilience.
func championEnigma(subjectID string, bio map[string]any) map[string]any {
	seed := xxhash.Sum64String(subjectID)

	dims := make(map[string]any, len(enigmaDimensions))
	total := 0.0
	for i, name := range enigmaDimensions {
		v := 55 + float64((seed>>(uint(i)*7))%40)
		dims[name] = v
		total += v
	}
	if hr, ok := number(bio["hr"]); ok {
		composure := math.Max(0, math.Min(100, 100-(hr-120)))
		total += composure - dims["composure"].(float64)
		dims["composure"] = composure
	}
	if fatigue, ok := number(bio["fatigue"]); ok {
		resilience := math.Round((1-fatigue)*100*100) / 100
		total += resilience - dims["resilience"].(float64)
		dims["resilience"] = resilience
	}
	return map[string]any{
		"subjectId":  subjectID,
		"dimensions": dims,
		"score":      math.Round(total/float64(len(enigmaDimensions))*100) / 100,
	}
}

func performancePrediction(team string, game map[string]any) map[string]any {
	home, _ := number(game["homeScore"])
	away, _ := number(game["awayScore"])
	diff := home - away
	win := 1 / (1 + math.Exp(-diff/7))
	trend := "steady"
	switch {
	case diff > 3:
		trend = "rising"
	case diff < -3:
		trend = "falling"
	}
	return map[string]any{
		"team":           team,
		"momentum":       math.Round(diff*10) / 10,
		"winProbability": math.Round(win*1000) / 1000,
		"trend":          trend,
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
