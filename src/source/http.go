package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/blazeintel/rtssf/src/types"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"
)

// HTTPConfig configures the upstream client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Failures in a row before the breaker opens.
	TripAfter uint32
	// How long the breaker stays open before probing again.
	OpenFor time.Duration
}

// HTTP pulls samples from a JSON upstream:
//
//	GET {base}/teams/{team}/{channel}   -> {"samples":[...]}
//	GET {base}/telemetry/{feed}         -> {...}
//	GET {base}/sports/{sport}/{season}  -> {...}
//	GET {base}/dashboard-config         -> {...}
//
// Every call runs through a circuit breaker so a dead upstream is not
// hammered by every session ticker.
type HTTP struct {
	base    string
	apiKey  string
	timeout time.Duration
	client  *fasthttp.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewHTTP creates an upstream source.
func NewHTTP(cfg HTTPConfig, logger zerolog.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 10 * time.Second
	}
	logger = logger.With().Str("component", "upstream").Logger()
	trip := cfg.TripAfter
	return &HTTP{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client: &fasthttp.Client{
			Name:                "rtssf",
			MaxConnsPerHost:     64,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream",
			Timeout: cfg.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= trip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
			},
		}),
		logger: logger,
	}
}

func (h *HTTP) Name() string { return "http" }

type samplesDoc struct {
	Samples []Sample `json:"samples"`
}

func (h *HTTP) Fetch(ctx context.Context, team string, channel types.Channel) ([]Sample, error) {
	var doc samplesDoc
	if err := h.getJSON(ctx, "/teams/"+url.PathEscape(team)+"/"+url.PathEscape(string(channel)), &doc); err != nil {
		return nil, err
	}
	return doc.Samples, nil
}

func (h *HTTP) Telemetry(ctx context.Context, feed Feed) (map[string]any, error) {
	var out map[string]any
	err := h.getJSON(ctx, "/telemetry/"+url.PathEscape(string(feed)), &out)
	return out, err
}

func (h *HTTP) SeasonSnapshot(ctx context.Context, sport, season string) (map[string]any, error) {
	var out map[string]any
	err := h.getJSON(ctx, "/sports/"+url.PathEscape(sport)+"/"+url.PathEscape(season), &out)
	return out, err
}

func (h *HTTP) DashboardConfig(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := h.getJSON(ctx, "/dashboard-config", &out)
	return out, err
}

func (h *HTTP) getJSON(ctx context.Context, path string, v any) error {
	timeout := h.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := h.breaker.Execute(func() (interface{}, error) {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(h.base + path)
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set("Accept", "application/json")
		if h.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.apiKey)
		}
		if err := h.client.DoTimeout(req, resp, timeout); err != nil {
			return nil, err
		}
		if code := resp.StatusCode(); code >= 300 {
			return nil, fmt.Errorf("status %d", code)
		}
		return append([]byte(nil), resp.Body()...), nil
	})
	if err != nil {
		h.logger.Debug().Err(err).Str("path", path).Msg("upstream call failed")
		return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, path, err)
	}
	if err := json.Unmarshal(body.([]byte), v); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrUpstreamUnavailable, path, err)
	}
	return nil
}
