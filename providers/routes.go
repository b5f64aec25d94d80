package providers

import (
	"strings"

	"github.com/blazeintel/rtssf/src/hub"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"
)

// maxFrameBytes bounds one inbound frame; larger envelopes are rejected by
// the codec anyway.
const maxFrameBytes = 1 << 20

// Handler routes /ws/* upgrades to the hub and everything else to fiber.
// Fiber v3 does not expose *fasthttp.RequestCtx to handlers, so the upgrade
// is dispatched before the request reaches the app.
func (p *Server) Handler() fasthttp.RequestHandler {
	ws := p.FastHTTPHandler()
	app := p.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		if strings.HasPrefix(path, "/ws/") && path != "/ws/info" {
			ws(ctx)
			return
		}
		app(ctx)
	}
}

func (p *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{AppName: "rtssf " + Version})
	p.RegisterRoutes(app)
	return app
}

// RegisterRoutes registers the info, snapshot and admin routes.
func (p *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", p.handleInfo)
	group.Get("/api/dashboard-config.json", p.handleSnapshot)
	group.Get("/api/sports/:sport/:season", p.handleSnapshot)
	p.registerAdmin(group)
}

func (p *Server) handleInfo(c fiber.Ctx) error {
	endpoints := make([]fiber.Map, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		endpoints = append(endpoints, fiber.Map{
			"name":      ep.Name,
			"path":      ep.Path,
			"tickMs":    ep.Tick.Milliseconds(),
			"heartbeat": ep.Heartbeat,
		})
	}
	return c.JSON(fiber.Map{
		"websocket": true,
		"version":   Version,
		"endpoints": endpoints,
		"clients":   p.hub.ClientCount(),
		"channels":  len(p.hub.Channels()),
		"bridge":    p.bridge != nil && p.bridge.Available(),
	})
}

// handleSnapshot serves the replayable documents through the
// stale-while-revalidate cache.
func (p *Server) handleSnapshot(c fiber.Ctx) error {
	res, err := p.cache.Get(c.Context(), c.Path())
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if res.Hit {
		c.Set("X-Cache", "HIT")
	} else {
		c.Set("X-Cache", "MISS")
	}
	if res.Stale {
		c.Set("X-Cache-Stale", "1")
	}
	return c.Send(res.Body)
}

// FastHTTPHandler upgrades requests on the signal endpoints and runs one
// session per socket until it closes.
func (p *Server) FastHTTPHandler() fasthttp.RequestHandler {
	upgrader := websocket.FastHTTPUpgrader{
		ReadBufferSize:  p.cfg.Server.ReadBufferSize,
		WriteBufferSize: p.cfg.Server.WriteBufferSize,
		CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
	}
	return func(ctx *fasthttp.RequestCtx) {
		ep, ok := hub.Match(p.endpoints, string(ctx.Path()))
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"not_found","message":"unknown signal endpoint"}`)
			return
		}
		if !websocket.FastHTTPIsWebSocketUpgrade(ctx) {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		token := hub.BearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			token = string(ctx.QueryArgs().Peek("token"))
		}
		userAgent := string(ctx.UserAgent())
		logger := p.logger.With().Str("endpoint", ep.Name).Logger()

		err := upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
			conn := types.WrapConn(ws, maxFrameBytes)
			if limit := p.cfg.Server.MaxConnections; limit > 0 && p.hub.ClientCount() >= limit {
				logger.Warn().Int("max_connections", limit).Msg("connection limit reached")
				_ = conn.CloseWith(types.CloseTryAgainLater, "connection limit reached")
				return
			}
			s := p.hub.NewSession(conn, ep, token, userAgent)
			p.hub.Serve(p.ctx, s)
		})
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}
