// Package registry keeps the per-connection record of which (team, channel)
// tuples a connection wants delivered.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/blazeintel/rtssf/src/types"
)

// DefaultLimit is the per-connection subscription cap.
const DefaultLimit = 64

var (
	ErrSubscriptionLimitExceeded = errors.New("subscription limit exceeded")
	ErrUnknownChannel            = errors.New("unknown channel")
	ErrUnknownTeam               = errors.New("unknown team")
)

var teamCode = regexp.MustCompile(`^[A-Z0-9_]{2,32}$`)

// TupleError reports why a single tuple was rejected.
type TupleError struct {
	Sub types.Subscription
	Err error
}

func (e *TupleError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Sub.Team, e.Sub.Channel, e.Err)
}

func (e *TupleError) Unwrap() error { return e.Err }

// Registry is the authoritative subscription set of one connection.
// Reads may come from other goroutines (info queries), so it is guarded.
type Registry struct {
	mu    sync.RWMutex
	limit int
	teams map[string]struct{}
	set   map[types.Subscription]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithTeams restricts subscriptions to the given team codes. Without it any
// well-formed team code is accepted.
func WithTeams(teams []string) Option {
	return func(r *Registry) {
		if len(teams) == 0 {
			return
		}
		r.teams = make(map[string]struct{}, len(teams))
		for _, t := range teams {
			r.teams[t] = struct{}{}
		}
	}
}

// New creates an empty registry. A non-positive limit means DefaultLimit.
func New(limit int, opts ...Option) *Registry {
	if limit <= 0 {
		limit = DefaultLimit
	}
	r := &Registry{
		limit: limit,
		set:   make(map[types.Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) checkTeam(team string) error {
	if !teamCode.MatchString(team) {
		return ErrUnknownTeam
	}
	if r.teams != nil {
		if _, ok := r.teams[team]; !ok {
			return ErrUnknownTeam
		}
	}
	return nil
}

// Add inserts the tuples and returns the effective channel set for team.
// Tuples that fail are rejected individually; the rest still go in. The
// returned error joins one *TupleError per rejected tuple.
func (r *Registry) Add(team string, channels []types.Channel) ([]types.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	teamErr := r.checkTeam(team)
	for _, ch := range channels {
		sub := types.Subscription{Team: team, Channel: ch}
		switch {
		case teamErr != nil:
			errs = append(errs, &TupleError{Sub: sub, Err: teamErr})
		case !ch.Valid():
			errs = append(errs, &TupleError{Sub: sub, Err: ErrUnknownChannel})
		default:
			if _, ok := r.set[sub]; ok {
				continue
			}
			if len(r.set) >= r.limit {
				errs = append(errs, &TupleError{Sub: sub, Err: ErrSubscriptionLimitExceeded})
				continue
			}
			r.set[sub] = struct{}{}
		}
	}
	return r.channelsLocked(team), errors.Join(errs...)
}

// Remove deletes the tuples; missing ones are ignored. Returns the
// effective channel set for team.
func (r *Registry) Remove(team string, channels []types.Channel) []types.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		delete(r.set, types.Subscription{Team: team, Channel: ch})
	}
	return r.channelsLocked(team)
}

// Contains reports whether (team, channel) is subscribed.
func (r *Registry) Contains(team string, channel types.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[types.Subscription{Team: team, Channel: channel}]
	return ok
}

// Channels returns the subscribed channels of team in canonical order.
func (r *Registry) Channels(team string) []types.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelsLocked(team)
}

func (r *Registry) channelsLocked(team string) []types.Channel {
	out := make([]types.Channel, 0, len(types.Channels))
	for _, ch := range types.Channels {
		if _, ok := r.set[types.Subscription{Team: team, Channel: ch}]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Snapshot returns every tuple, ordered by team then canonical channel order.
func (r *Registry) Snapshot() []types.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Subscription, 0, len(r.set))
	for sub := range r.set {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Team != out[j].Team {
			return out[i].Team < out[j].Team
		}
		return channelRank(out[i].Channel) < channelRank(out[j].Channel)
	})
	return out
}

// Teams returns the distinct teams with at least one subscription.
func (r *Registry) Teams() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for sub := range r.set {
		seen[sub.Team] = struct{}{}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tuples.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}

// Clear drops every tuple.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set = make(map[types.Subscription]struct{})
}

func channelRank(c types.Channel) int {
	for i, ch := range types.Channels {
		if ch == c {
			return i
		}
	}
	return len(types.Channels)
}
