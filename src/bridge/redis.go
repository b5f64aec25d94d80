package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blazeintel/rtssf/config"
	"github.com/blazeintel/rtssf/src/wire"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPrefix  = "rtssf:ws:"
	publishTimeout = 2 * time.Second
)

// relayed is what travels through Redis: the origin instance plus the
// envelope exactly as the codec wrote it.
type relayed struct {
	Origin   string          `json:"origin"`
	Envelope json.RawMessage `json:"envelope"`
}

// RedisBridge relays envelopes through Redis pub/sub, one Redis channel
// per team so operators can tap a single team with SUBSCRIBE.
type RedisBridge struct {
	rdb      *redis.Client
	prefix   string
	origin   string
	target   BroadcastTarget
	logger   zerolog.Logger
	running  atomic.Bool
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBridge creates a bridge from the redis section of the config.
func NewRedisBridge(cfg config.RedisConfig, target BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ctx, cancel := context.WithCancel(context.Background())
	origin := uuid.NewString()
	return &RedisBridge{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
		origin: origin,
		target: target,
		logger: logger.With().Str("component", "redis-bridge").Str("origin", origin).Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// topic returns the Redis channel of a team. Envelopes without a team use
// the shared ALL channel.
func (b *RedisBridge) topic(team string) string {
	if team == "" {
		team = "all"
	}
	return b.prefix + "team:" + strings.ToUpper(team)
}

// Start pattern-subscribes to every team channel and begins relaying.
func (b *RedisBridge) Start() error {
	if err := b.rdb.Ping(b.ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	pattern := b.topic("*")
	sub := b.rdb.PSubscribe(b.ctx, pattern)
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}

	b.running.Store(true)
	go b.listen(sub)
	b.logger.Info().Str("pattern", pattern).Msg("redis bridge started")
	return nil
}

// Publish sends env to every other instance.
func (b *RedisBridge) Publish(env wire.Envelope) error {
	raw, err := wire.Encode(env)
	if err != nil {
		return err
	}
	data, err := json.Marshal(relayed{Origin: b.origin, Envelope: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
	defer cancel()
	return b.rdb.Publish(ctx, b.topic(env.Team), data).Err()
}

// Stop ends the subscription and closes the Redis client.
func (b *RedisBridge) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		wasRunning := b.running.Swap(false)
		b.cancel()
		if wasRunning {
			<-b.done
		}
		err = b.rdb.Close()
	})
	return err
}

// Available reports whether the bridge is relaying.
func (b *RedisBridge) Available() bool { return b.running.Load() }

func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer close(b.done)
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		}
	}
}

// handleRedisMessage hands envelopes from other instances to local
// subscribers. Own messages and anything the codec rejects are dropped.
func (b *RedisBridge) handleRedisMessage(msg *redis.Message) {
	var in relayed
	if err := json.Unmarshal([]byte(msg.Payload), &in); err != nil {
		b.logger.Error().Err(err).Str("channel", msg.Channel).Msg("undecodable redis message")
		return
	}
	if in.Origin == b.origin {
		return
	}
	env, err := wire.Decode(in.Envelope)
	if err != nil {
		b.logger.Warn().Err(err).Str("from", in.Origin).Msg("dropping relayed envelope")
		return
	}
	b.logger.Debug().
		Str("from", in.Origin).
		Str("team", env.Team).
		Str("type", string(env.Type)).
		Msg("relayed envelope")
	b.target.BroadcastToLocal(env)
}

var _ Bridge = (*RedisBridge)(nil)
