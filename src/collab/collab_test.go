package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blazeintel/rtssf/src/source"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitAndWait(t *testing.T, a Analyzer, req AnalysisRequest) AnalysisResult {
	t.Helper()
	ch := make(chan AnalysisResult, 1)
	require.NoError(t, a.Submit(context.Background(), req, func(r AnalysisResult) { ch <- r }))
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("analysis did not complete")
		return AnalysisResult{}
	}
}

func TestChampionEnigma(t *testing.T) {
	src := source.NewFake(3)
	src.Set("CARDINALS", types.ChannelBiometrics, []source.Sample{
		{SubjectID: "P34", Payload: map[string]any{"hr": 150.0, "fatigue": 0.25}},
	})
	a := NewLocalAnalyzer(src, 2, 0, zerolog.Nop())

	res := submitAndWait(t, a, AnalysisRequest{
		CorrelationID: "C1", Team: "CARDINALS", SubjectID: "P34", AnalysisType: wire.AnalysisChampionEnigma,
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "C1", res.Request.CorrelationID)
	dims := res.Payload["dimensions"].(map[string]any)
	assert.Equal(t, 70.0, dims["composure"])
	assert.Equal(t, 75.0, dims["resilience"])
	assert.Len(t, dims, len(enigmaDimensions))
}

func TestPerformancePrediction(t *testing.T) {
	src := source.NewFake(3)
	src.Set("CARDINALS", types.ChannelLiveGame, []source.Sample{
		{Payload: map[string]any{"homeScore": 21, "awayScore": 7}},
	})
	a := NewLocalAnalyzer(src, 1, 0, zerolog.Nop())
	res := submitAndWait(t, a, AnalysisRequest{Team: "CARDINALS", SubjectID: "TEAM", AnalysisType: wire.AnalysisPerformancePrediction})
	require.NoError(t, res.Err)
	assert.Equal(t, "rising", res.Payload["trend"])
	assert.Greater(t, res.Payload["winProbability"].(float64), 0.5)
}

func TestUnsupportedAnalysis(t *testing.T) {
	a := NewLocalAnalyzer(source.NewFake(1), 1, 0, zerolog.Nop())
	res := submitAndWait(t, a, AnalysisRequest{Team: "CARDINALS", SubjectID: "P1", AnalysisType: "horoscope"})
	assert.ErrorIs(t, res.Err, ErrUnsupportedAnalysis)
}

func TestAnalyzerCancelledContextNeverReports(t *testing.T) {
	a := NewLocalAnalyzer(source.NewFake(1), 1, 50*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{}, 1)
	require.NoError(t, a.Submit(ctx, AnalysisRequest{AnalysisType: wire.AnalysisChampionEnigma}, func(AnalysisResult) {
		called <- struct{}{}
	}))
	cancel()
	select {
	case <-called:
		t.Fatal("done called after cancellation")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBiometricQueueRelay(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	defer q.Close()

	var mu sync.Mutex
	var got []BiometricSample
	relay := NewBiometricRelay(q, func(s BiometricSample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, relay.Start(ctx))

	sink := NewQueueSink(q)
	require.NoError(t, sink.Record(ctx, BiometricSample{
		ConnectionID: "c1", Team: "CARDINALS", SubjectID: "P34", Payload: map[string]any{"hr": 172.0}, Timestamp: 10,
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	latest, ok := relay.Latest("CARDINALS", "P34")
	require.True(t, ok)
	assert.Equal(t, 172.0, latest.Payload["hr"])
	assert.Equal(t, "c1", latest.ConnectionID)
}

func TestOverlayControllerMerge(t *testing.T) {
	o := NewOverlayController()
	_, ok := o.Current("CARDINALS")
	assert.False(t, ok)

	o.Apply("CARDINALS", map[string]any{"theme": "dark", "opacity": 0.8})
	eff := o.Apply("CARDINALS", map[string]any{"opacity": nil, "layout": "split"})
	assert.Equal(t, map[string]any{"theme": "dark", "layout": "split"}, eff)

	eff["theme"] = "mutated"
	cur, _ := o.Current("CARDINALS")
	assert.Equal(t, "dark", cur["theme"])
}

func TestStreamControl(t *testing.T) {
	s := NewStreamControl()
	assert.True(t, s.Active("CARDINALS"))

	st, err := s.Apply("CARDINALS", "pause")
	require.NoError(t, err)
	assert.Equal(t, StreamPaused, st)
	assert.False(t, s.Active("CARDINALS"))
	assert.True(t, s.Active("TITANS"))

	st, err = s.Apply("CARDINALS", "resume")
	require.NoError(t, err)
	assert.Equal(t, StreamRunning, st)

	_, err = s.Apply("CARDINALS", "rewind")
	assert.ErrorIs(t, err, ErrUnknownAction)
}
