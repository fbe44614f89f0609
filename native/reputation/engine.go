package reputation

import (
	"strings"
	"sync"

	coreerr "duxnet/core/errors"
)

// EventType identifies a reputation-affecting occurrence. The engine maps
// each type to a signed delta; callers may override the delta per event.
type EventType string

// Reputation event kinds and their default deltas.
const (
	EventTaskSuccess           EventType = "task_success"
	EventTaskFailure           EventType = "task_failure"
	EventTaskTimeout           EventType = "task_timeout"
	EventMalicious             EventType = "malicious"
	EventHealthMilestone       EventType = "health_milestone"
	EventUptimeMilestone       EventType = "uptime_milestone"
	EventCommunityContribution EventType = "community_contribution"
)

// Score bounds. Scores are clamped into [MinScore, MaxScore] after every
// application.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

func defaultRules() map[EventType]float64 {
	return map[EventType]float64{
		EventTaskSuccess:           10,
		EventTaskFailure:           -5,
		EventTaskTimeout:           -10,
		EventMalicious:             -50,
		EventHealthMilestone:       2,
		EventUptimeMilestone:       5,
		EventCommunityContribution: 15,
	}
}

// Engine applies reputation events to scores. Rule mutation takes the rules
// lock; Apply reads a snapshot so applications never block each other.
type Engine struct {
	mu    sync.RWMutex
	rules map[EventType]float64
}

// NewEngine constructs an engine with the default rule table.
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// ParseEventType validates a wire-level event name.
func ParseEventType(name string) (EventType, error) {
	trimmed := EventType(strings.ToLower(strings.TrimSpace(name)))
	switch trimmed {
	case EventTaskSuccess, EventTaskFailure, EventTaskTimeout, EventMalicious,
		EventHealthMilestone, EventUptimeMilestone, EventCommunityContribution:
		return trimmed, nil
	default:
		return "", coreerr.E(coreerr.CodeValidation, "unknown reputation event: %s", name)
	}
}

// Apply computes the next score for current after event, clamped into
// [MinScore, MaxScore]. A non-nil override replaces the table delta.
// The second return reports whether clamping changed the raw result.
func (e *Engine) Apply(current float64, event EventType, override *float64) (float64, bool) {
	delta := e.delta(event)
	if override != nil {
		delta = *override
	}
	raw := current + delta
	next := raw
	if next < MinScore {
		next = MinScore
	}
	if next > MaxScore {
		next = MaxScore
	}
	return next, next != raw
}

// Delta returns the configured delta for event (0 for unknown or removed
// events).
func (e *Engine) delta(event EventType) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules[event]
}

// Rules returns a snapshot of the current rule table.
func (e *Engine) Rules() map[EventType]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snapshot := make(map[EventType]float64, len(e.rules))
	for event, delta := range e.rules {
		snapshot[event] = delta
	}
	return snapshot
}

// SetRule replaces the delta for event.
func (e *Engine) SetRule(event EventType, delta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[event] = delta
}

// RemoveRule neutralises event by setting its delta to zero.
func (e *Engine) RemoveRule(event EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[event] = 0
}
