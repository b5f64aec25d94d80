package collab

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

// OverlayController holds the effective overlay configuration per team.
// overlay_config requests merge into it; the result is what overlay_update
// carries back.
type OverlayController struct {
	mu      sync.RWMutex
	configs map[string]map[string]any
}

// NewOverlayController creates an empty controller.
func NewOverlayController() *OverlayController {
	return &OverlayController{configs: make(map[string]map[string]any)}
}

// Apply merges patch into the team's config. A nil value deletes the key.
func (o *OverlayController) Apply(team string, patch map[string]any) map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.configs[team]
	if !ok {
		cur = make(map[string]any)
		o.configs[team] = cur
	}
	for k, v := range patch {
		if v == nil {
			delete(cur, k)
			continue
		}
		cur[k] = v
	}
	return maps.Clone(cur)
}

// Current returns a copy of the team's config and whether one exists.
func (o *OverlayController) Current(team string) (map[string]any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cur, ok := o.configs[team]
	if !ok {
		return nil, false
	}
	return maps.Clone(cur), true
}

// StreamState is the emission state of one team stream on a session.
type StreamState string

const (
	StreamRunning StreamState = "running"
	StreamPaused  StreamState = "paused"
	StreamStopped StreamState = "stopped"
)

// ErrUnknownAction is returned for stream_control actions other than
// start, stop, pause and resume.
var ErrUnknownAction = errors.New("unknown stream action")

// StreamControl tracks per-team stream state for one session. Teams start
// out running. It is owned by a single session loop and not synchronized.
type StreamControl struct {
	states map[string]StreamState
}

// NewStreamControl creates a controller with every team running.
func NewStreamControl() *StreamControl {
	return &StreamControl{states: make(map[string]StreamState)}
}

// Apply performs action on team and returns the new state.
func (s *StreamControl) Apply(team, action string) (StreamState, error) {
	var next StreamState
	switch action {
	case "start", "resume":
		next = StreamRunning
	case "pause":
		next = StreamPaused
	case "stop":
		next = StreamStopped
	default:
		return s.State(team), fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if next == StreamRunning {
		delete(s.states, team)
	} else {
		s.states[team] = next
	}
	return next, nil
}

// State returns the team's current state.
func (s *StreamControl) State(team string) StreamState {
	if st, ok := s.states[team]; ok {
		return st
	}
	return StreamRunning
}

// Active reports whether periodic updates for team should be emitted.
func (s *StreamControl) Active(team string) bool {
	return s.State(team) == StreamRunning
}
