package providers

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/blazeintel/rtssf/src/cache"
	"github.com/blazeintel/rtssf/src/service"
	"github.com/blazeintel/rtssf/src/source"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/gofiber/fiber/v3"
)

// registerAdmin adds the operator routes: connections, channels, metrics
// and publishing an event to subscribers.
func (p *Server) registerAdmin(group fiber.Router) {
	api := group.Group("/api")
	api.Get("/connections", p.handleConnections)
	api.Get("/channels", p.handleChannels)
	api.Get("/metrics", p.handleMetrics)
	api.Post("/publish", p.handlePublish)
}

func (p *Server) handleConnections(c fiber.Ctx) error {
	ids := p.service.GetConnectedClients()
	infos := make([]*types.ConnectionInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := p.service.GetConnectionInfo(id); err == nil {
			infos = append(infos, info)
		}
	}
	return c.JSON(fiber.Map{"connections": infos, "count": len(infos)})
}

func (p *Server) handleChannels(c fiber.Ctx) error {
	channels := p.service.GetChannels()
	result := make([]fiber.Map, 0, len(channels))
	for name, count := range channels {
		result = append(result, fiber.Map{"channel": name, "subscribers": count})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i]["channel"].(string) < result[j]["channel"].(string)
	})
	return c.JSON(fiber.Map{"channels": result, "count": len(result)})
}

func (p *Server) handleMetrics(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sessions":        p.service.Metrics(),
		"clients":         p.hub.ClientCount(),
		"snapshotsCached": p.cache.Len(),
		"bridge":          p.bridge != nil && p.bridge.Available(),
	})
}

func (p *Server) handlePublish(c fiber.Ctx) error {
	var env wire.Envelope
	if err := json.Unmarshal(c.Body(), &env); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	if err := p.service.Publish(env); err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	team, channel := env.Key()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"published": true,
		"type":      env.Type,
		"team":      team,
		"channel":   channel,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, wire.ErrInvalidEnvelope), errors.Is(err, service.ErrNotServerEvent):
		return fiber.StatusBadRequest
	case errors.Is(err, cache.ErrUncacheable):
		return fiber.StatusNotFound
	case errors.Is(err, source.ErrUpstreamUnavailable):
		return fiber.StatusBadGateway
	case errors.Is(err, service.ErrHubStopped):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func errorJSON(c fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
