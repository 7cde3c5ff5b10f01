// Package health tracks the health of every device session and the replica
// set, and degrades a component after consecutive failures.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zstore/zstore/internal/stats"
	"github.com/zstore/zstore/pkg/errors"
)

// HealthState represents the health of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates reads are failing but the component still answers
	StateDegraded

	// StateReadOnly indicates appends or resets are failing while reads still succeed
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON reports
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name                 string      `json:"name"`
	State                HealthState `json:"state"`
	LastStateChange      time.Time   `json:"last_state_change"`
	LastCheck            time.Time   `json:"last_check"`
	ConsecutiveErrors    int         `json:"consecutive_errors"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	LastErrorMessage     string      `json:"last_error_message,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold consecutive errors degrade a component
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold consecutive errors make a component unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold consecutive successes return a component to healthy
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    5,
	}
}

// StateChangeCallback is called after a component's state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

type change struct {
	component string
	from, to  HealthState
	err       error
}

// Tracker tracks the health of each component. It implements stats.Observer
// so it can be attached to every session's tracker; devices are registered
// on their first completion.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
	now        func() time.Time
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 1
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		now:        time.Now,
	}
}

// RegisterComponent starts tracking name as healthy. Registering twice is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.component(name)
}

// component returns the entry for name, creating it. Callers hold mu.
func (t *Tracker) component(name string) *ComponentHealth {
	h, ok := t.components[name]
	if !ok {
		now := t.now()
		h = &ComponentHealth{Name: name, State: StateHealthy, LastStateChange: now, LastCheck: now}
		t.components[name] = h
	}
	return h
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	h := t.component(component)
	h.LastCheck = t.now()
	h.ConsecutiveErrors = 0
	h.ConsecutiveSuccesses++

	var changes []change
	if h.State != StateHealthy && h.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		changes = append(changes, t.transition(h, StateHealthy, nil))
		h.LastErrorMessage = ""
	}
	t.mu.Unlock()

	t.notify(changes)
}

// RecordError records a failed operation. Fatal errors make the component
// unavailable at once; write failures below the unavailable threshold leave
// it read-only.
func (t *Tracker) RecordError(component string, err error) {
	t.recordFailure(component, isWriteError(err), err)
}

func (t *Tracker) recordFailure(component string, write bool, err error) {
	t.mu.Lock()
	h := t.component(component)
	h.LastCheck = t.now()
	h.ConsecutiveSuccesses = 0
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	newState := h.State
	switch {
	case errors.IsFatal(err) || h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case h.ConsecutiveErrors >= t.config.ErrorThreshold:
		next := StateDegraded
		if write {
			next = StateReadOnly
		}
		if next > newState {
			newState = next
		}
	}

	var changes []change
	if newState != h.State {
		changes = append(changes, t.transition(h, newState, err))
	}
	t.mu.Unlock()

	t.notify(changes)
}

// MarkUnavailable forces component to unavailable, e.g. when the replica set fences.
func (t *Tracker) MarkUnavailable(component string, err error) {
	t.mu.Lock()
	h := t.component(component)
	h.LastCheck = t.now()
	if err != nil {
		h.LastErrorMessage = err.Error()
	}
	var changes []change
	if h.State != StateUnavailable {
		changes = append(changes, t.transition(h, StateUnavailable, err))
	}
	t.mu.Unlock()

	t.notify(changes)
}

// Reset returns component to healthy, e.g. after an explicit zone reset.
func (t *Tracker) Reset(component string) {
	t.mu.Lock()
	h := t.component(component)
	h.ConsecutiveErrors, h.ConsecutiveSuccesses, h.LastErrorMessage = 0, 0, ""
	var changes []change
	if h.State != StateHealthy {
		changes = append(changes, t.transition(h, StateHealthy, nil))
	}
	t.mu.Unlock()

	t.notify(changes)
}

// ObserveSubmit implements stats.Observer
func (t *Tracker) ObserveSubmit(string, stats.OpKind, int) {}

// ObserveCompletion implements stats.Observer
func (t *Tracker) ObserveCompletion(device string, rec stats.CompletionRecord, _ int) {
	if rec.Success {
		t.RecordSuccess(device)
		return
	}
	t.recordFailure(device, rec.Op != stats.OpRead, fmt.Errorf("%s command failed", rec.Op))
}

// GetState returns the state of a component. Unknown components are unavailable.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, ok := t.components[component]; ok {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health of a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.components[component]
	if !ok {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *h, nil
}

// Components returns copies of every component sorted by name
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(t.components))
	for _, h := range t.components {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallHealth returns the worst state of any component
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// CanRead reports whether the component can serve reads
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite reports whether the component can accept appends
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback run after every state change
func (t *Tracker) AddStateChangeCallback(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}

// transition must be called with mu held
func (t *Tracker) transition(h *ComponentHealth, to HealthState, err error) change {
	c := change{component: h.Name, from: h.State, to: to, err: err}
	h.State = to
	h.LastStateChange = t.now()
	return c
}

func (t *Tracker) notify(changes []change) {
	if len(changes) == 0 {
		return
	}
	t.mu.RLock()
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.RUnlock()

	for _, c := range changes {
		for _, cb := range callbacks {
			cb(c.component, c.from, c.to, c.err)
		}
	}
}

// isWriteError reports whether err came from a command that modifies a zone
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeZoneFull, errors.ErrCodeOutOfRange, errors.ErrCodeMirrorDivergence:
		return true
	}
	return false
}
