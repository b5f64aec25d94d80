// Package providers assembles the publisher: data source, collaborators,
// hub, cross-instance bridge, snapshot cache and the HTTP surface.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/blazeintel/rtssf/config"
	"github.com/blazeintel/rtssf/src/bridge"
	"github.com/blazeintel/rtssf/src/cache"
	"github.com/blazeintel/rtssf/src/collab"
	"github.com/blazeintel/rtssf/src/hub"
	"github.com/blazeintel/rtssf/src/service"
	"github.com/blazeintel/rtssf/src/source"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

// Version is reported by /ws/info.
const Version = "0.1.0"

const snapshotCacheSize = 128

// Upstream is what the publisher pulls from: live samples plus the
// snapshot documents.
type Upstream interface {
	source.DataSource
	source.SnapshotSource
}

// Server wires every publisher component together.
type Server struct {
	cfg       *config.Config
	logger    zerolog.Logger
	endpoints []hub.Endpoint

	upstream Upstream
	analyzer *collab.LocalAnalyzer
	queue    *gochannel.GoChannel
	relay    *collab.BiometricRelay
	hub      *hub.Hub
	service  *service.Service
	bridge   bridge.Bridge
	cache    *cache.Cache
	app      *fiber.App

	ctx    context.Context
	cancel context.CancelFunc
	active bool
}

// NewServer creates an inactive server. A nil upstream is chosen from the
// config: the HTTP upstream when a base URL is set, the fake otherwise.
func NewServer(cfg *config.Config, upstream Upstream, logger zerolog.Logger) *Server {
	if upstream == nil {
		if cfg.Upstream.BaseURL != "" {
			upstream = source.NewHTTP(source.HTTPConfig{
				BaseURL: cfg.Upstream.BaseURL,
				APIKey:  cfg.Upstream.APIKey,
				Timeout: time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
			}, logger)
		} else {
			upstream = source.NewFake(cfg.Upstream.Seed)
		}
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		endpoints: hub.Endpoints(cfg.Publisher),
		upstream:  upstream,
	}
}

// Activate builds the components and starts the hub loop, the biometric
// relay and, when configured, the Redis bridge.
func (p *Server) Activate(ctx context.Context) error {
	if p.active {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.analyzer = collab.NewLocalAnalyzer(p.upstream, p.cfg.Publisher.AnalysisWorkers, 0, p.logger)
	p.queue = collab.NewQueue(p.logger)
	p.hub = hub.New(p.logger.With().Str("component", "hub").Logger(), hub.Deps{
		Source:     p.upstream,
		Analyzer:   p.analyzer,
		Biometrics: collab.NewQueueSink(p.queue),
		Overlays:   collab.NewOverlayController(),
	}, hub.Settings{
		MaxSubscriptions: p.cfg.Publisher.MaxSubscriptionsPerConnection,
		HighWatermark:    p.cfg.Publisher.OutboundHighWatermarkBytes,
		AnalysisTTL:      p.cfg.Publisher.AnalysisTTL(),
		Teams:            p.cfg.Publisher.Teams,
	})
	p.service = service.New(p.hub, p.logger.With().Str("component", "service").Logger())

	p.relay = collab.NewBiometricRelay(p.queue, p.service.RelayBiometric, p.logger)
	if err := p.relay.Start(p.ctx); err != nil {
		p.cancel()
		return err
	}

	c, err := cache.New(snapshotCacheSize, cache.SourceFetcher(p.upstream), p.logger)
	if err != nil {
		p.cancel()
		return err
	}
	p.cache = c

	go p.hub.Run()
	p.initBridge()
	p.app = p.newApp()

	p.active = true
	p.logger.Info().
		Str("upstream", p.upstream.Name()).
		Int("endpoints", len(p.endpoints)).
		Msg("signal publisher activated")
	return nil
}

// initBridge tries to start the Redis bridge. Without Redis the hub runs
// standalone.
func (p *Server) initBridge() {
	if p.cfg.Redis.Addr == "" {
		return
	}
	rb := bridge.NewRedisBridge(p.cfg.Redis, p.hub, p.logger)
	if err := rb.Start(); err != nil {
		p.logger.Warn().Err(err).Str("redis_addr", p.cfg.Redis.Addr).Msg("redis bridge unavailable, running standalone")
		return
	}
	p.bridge = rb
	p.hub.SetBridge(rb)
	p.logger.Info().Str("redis_addr", p.cfg.Redis.Addr).Msg("redis bridge connected")
}

// Deactivate ends every session with 1013, then stops the bridge, the
// relay and the hub loop.
func (p *Server) Deactivate() error {
	if !p.active {
		return nil
	}
	p.active = false
	p.cancel()

	var errs []error
	if p.bridge != nil {
		if err := p.bridge.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("bridge stop: %w", err))
		}
		p.bridge = nil
	}
	if err := p.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("biometric queue close: %w", err))
	}
	p.relay.Wait()
	p.cache.Wait()
	p.hub.Stop()
	return errors.Join(errs...)
}

// Service exposes the publish API.
func (p *Server) Service() *service.Service { return p.service }

// Hub exposes the session hub.
func (p *Server) Hub() *hub.Hub { return p.hub }

// Serve activates the server and serves ln until ctx ends.
func (p *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := p.Activate(ctx); err != nil {
		return err
	}
	srv := &fasthttp.Server{
		Handler:         p.Handler(),
		Name:            "rtssf",
		ReadBufferSize:  4096,
		CloseOnShutdown: true,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		return srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		derr := p.Deactivate()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(derr, srv.ShutdownWithContext(shutdownCtx))
	})
	return g.Wait()
}

// ListenAndServe listens on the configured address.
func (p *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Server.Addr, err)
	}
	return p.Serve(ctx, ln)
}
