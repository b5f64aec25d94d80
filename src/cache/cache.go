// Package cache serves the replayable snapshot documents with a
// stale-while-revalidate policy.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/blazeintel/rtssf/src/source"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultFreshness is how long a stored document is served without
// revalidation.
const DefaultFreshness = 30 * time.Second

// ErrUncacheable is returned for socket URLs and paths outside the snapshot
// convention.
var ErrUncacheable = errors.New("request is not cacheable")

var (
	seasonPath    = regexp.MustCompile(`^/api/sports/([a-z0-9_-]+)/([A-Za-z0-9_-]+)\.json$`)
	dashboardPath = "/api/dashboard-config.json"
)

// Fetcher loads the document stored under a snapshot path.
type Fetcher func(ctx context.Context, path string) ([]byte, error)

// Result is one cache answer.
type Result struct {
	Body []byte
	// Hit is false when the body was fetched for this call.
	Hit bool
	// Stale is true when the body is past freshness and a revalidation
	// was started in the background.
	Stale    bool
	StoredAt time.Time
}

type entry struct {
	body     []byte
	storedAt time.Time
}

// Cache is a bounded LRU of snapshot documents.
type Cache struct {
	docs      *lru.Cache[string, entry]
	group     singleflight.Group
	fetch     Fetcher
	freshness time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFreshness overrides DefaultFreshness.
func WithFreshness(d time.Duration) Option {
	return func(c *Cache) { c.freshness = d }
}

// New creates a cache holding at most size documents.
func New(size int, fetch Fetcher, logger zerolog.Logger, opts ...Option) (*Cache, error) {
	docs, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	c := &Cache{
		docs:      docs,
		fetch:     fetch,
		freshness: DefaultFreshness,
		timeout:   10 * time.Second,
		now:       time.Now,
		logger:    logger.With().Str("component", "snapshot-cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key validates rawURL against the snapshot convention and returns the
// cache key (its path).
func Key(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUncacheable, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return "", fmt.Errorf("%w: %s scheme", ErrUncacheable, u.Scheme)
	}
	if u.Path == dashboardPath || seasonPath.MatchString(u.Path) {
		return u.Path, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUncacheable, u.Path)
}

// Get returns the document for rawURL. A fresh entry is returned as is; a
// stale one is returned immediately while one background fetch refreshes
// it; a miss fetches synchronously.
func (c *Cache) Get(ctx context.Context, rawURL string) (Result, error) {
	key, err := Key(rawURL)
	if err != nil {
		return Result{}, err
	}

	if e, ok := c.docs.Get(key); ok {
		res := Result{Body: e.body, Hit: true, StoredAt: e.storedAt}
		if c.now().Sub(e.storedAt) < c.freshness {
			return res, nil
		}
		res.Stale = true
		c.revalidate(key)
		return res, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, key)
	})
	if err != nil {
		return Result{}, err
	}
	e := v.(entry)
	return Result{Body: e.body, StoredAt: e.storedAt}, nil
}

func (c *Cache) load(ctx context.Context, key string) (entry, error) {
	body, err := c.fetch(ctx, key)
	if err != nil {
		return entry{}, err
	}
	e := entry{body: body, storedAt: c.now()}
	c.docs.Add(key, e)
	return e, nil
}

func (c *Cache) revalidate(key string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		_, err, shared := c.group.Do(key, func() (any, error) {
			return c.load(ctx, key)
		})
		if err != nil && !shared {
			c.logger.Warn().Err(err).Str("path", key).Msg("revalidation failed, keeping stale copy")
		}
	}()
}

// Wait blocks until background revalidations finish.
func (c *Cache) Wait() { c.wg.Wait() }

// Purge drops every stored document.
func (c *Cache) Purge() { c.docs.Purge() }

// Len returns the number of stored documents.
func (c *Cache) Len() int { return c.docs.Len() }

// SourceFetcher serves snapshot paths from a SnapshotSource as JSON.
func SourceFetcher(src source.SnapshotSource) Fetcher {
	return func(ctx context.Context, path string) ([]byte, error) {
		var (
			doc map[string]any
			err error
		)
		if path == dashboardPath {
			doc, err = src.DashboardConfig(ctx)
		} else if m := seasonPath.FindStringSubmatch(path); m != nil {
			doc, err = src.SeasonSnapshot(ctx, m[1], m[2])
		} else {
			return nil, fmt.Errorf("%w: %s", ErrUncacheable, path)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	}
}
