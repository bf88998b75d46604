package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// ErrCircuitOpen marks work refused because the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the current circuit breaker state
type CircuitBreakerState string

const (
	StateClosed CircuitBreakerState = "CLOSED" // trading allowed
	StateOpen   CircuitBreakerState = "OPEN"   // no new orders until cooldown or manual reset
)

// Failure categories
const (
	CategoryAPIError     = "api_error"
	CategoryOrderFailure = "order_failure"
	CategoryDrawdown     = "drawdown_pct"
	CategoryDailyLoss    = "daily_loss_pct"
)

// CircuitBreakerEvent represents an event in the circuit breaker history
type CircuitBreakerEvent struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

const (
	EventFailureRecorded   = "failure_recorded"
	EventThresholdBreached = "threshold_breached"
	EventStateChanged      = "state_changed"
	EventManualOverride    = "manual_override"
	EventCooldownExpired   = "cooldown_expired"
)

const maxEvents = 200

// CircuitBreakerConfig holds thresholds for each failure category.
type CircuitBreakerConfig struct {
	WindowMinutes    int     `yaml:"window_minutes"`
	MaxAPIErrors     int     `yaml:"max_api_errors"`
	MaxOrderFailures int     `yaml:"max_order_failures"`
	MaxDrawdownPct   float64 `yaml:"max_drawdown_pct"`
	MaxDailyLossPct  float64 `yaml:"max_daily_loss_pct"`
	CooldownMinutes  int     `yaml:"cooldown_minutes"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		WindowMinutes:    10,
		MaxAPIErrors:     10,
		MaxOrderFailures: 5,
		MaxDrawdownPct:   10,
		MaxDailyLossPct:  5,
		CooldownMinutes:  15,
	}
}

// Decision is the answer to CanExecute.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CircuitBreaker halts new order flow after repeated failures or losses.
// Counted categories use a sliding window; level categories keep the last
// observed value.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg   CircuitBreakerConfig
	state CircuitBreakerState

	stateEnteredAt time.Time
	openUntil      time.Time
	openReason     string

	failures map[string][]time.Time
	levels   map[string]float64

	events      []CircuitBreakerEvent
	lastEventID int64

	triggerCounts map[string]int
	now           func() time.Time
	onTransition  func(Transition)
}

// Transition describes one state change.
type Transition struct {
	From   CircuitBreakerState
	To     CircuitBreakerState
	Reason string
	At     time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	cb := &CircuitBreaker{
		cfg:            cfg,
		state:          StateClosed,
		stateEnteredAt: now(),
		failures:       map[string][]time.Time{},
		levels:         map[string]float64{},
		triggerCounts:  map[string]int{},
		now:            now,
	}
	observ.SetGauge("circuit_breaker_state", 0, nil)
	return cb
}

// OnTransition registers fn to run on every state change. fn runs with the
// breaker locked and must not call back into it.
func (cb *CircuitBreaker) OnTransition(fn func(Transition)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = fn
}

func (cb *CircuitBreaker) window() time.Duration {
	return time.Duration(cb.cfg.WindowMinutes) * time.Minute
}

func (cb *CircuitBreaker) cooldown() time.Duration {
	return time.Duration(cb.cfg.CooldownMinutes) * time.Minute
}

// CanExecute reports whether new orders may be submitted. An open breaker
// whose cooldown has elapsed closes itself here.
func (cb *CircuitBreaker) CanExecute() Decision {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		now := cb.now()
		if !now.Before(cb.openUntil) {
			cb.addEvent(EventCooldownExpired, map[string]any{
				"open_for_seconds": now.Sub(cb.stateEnteredAt).Seconds(),
			}, "", "cooldown_elapsed")
			cb.clearCounters()
			cb.setState(StateClosed, "cooldown_expired")
			return Decision{Allowed: true}
		}
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("circuit breaker open: %s (retry in %s)", cb.openReason, cb.openUntil.Sub(now).Round(time.Second)),
		}
	}
	return Decision{Allowed: true}
}

// RecordSuccess notes a successful order. Counters are not reset by
// successes; they age out of the window.
func (cb *CircuitBreaker) RecordSuccess() {
	observ.IncCounter("circuit_breaker_results_total", map[string]string{"result": "success"})
}

// RecordFailure counts one failure in category with free-form context.
func (cb *CircuitBreaker) RecordFailure(category string, ctx map[string]any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.failures[category] = append(cb.prune(cb.failures[category], now), now)
	count := len(cb.failures[category])

	data := map[string]any{"category": category, "count": count}
	for k, v := range ctx {
		data[k] = v
	}
	cb.addEvent(EventFailureRecorded, data, "", "")
	observ.IncCounter("circuit_breaker_results_total", map[string]string{"result": "failure", "category": category})

	if limit := cb.limitFor(category); limit > 0 && count > limit {
		cb.trip(category, fmt.Sprintf("%s count %d exceeds limit %d in %dm", category, count, limit, cb.cfg.WindowMinutes))
	}
}

// RecordLevel records the latest value of a percentage category such as
// drawdown. Exceeding its limit opens the breaker.
func (cb *CircuitBreaker) RecordLevel(category string, pct float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.levels[category] = pct
	observ.SetGauge("circuit_breaker_level", pct, map[string]string{"category": category})

	var limit float64
	switch category {
	case CategoryDrawdown:
		limit = cb.cfg.MaxDrawdownPct
	case CategoryDailyLoss:
		limit = cb.cfg.MaxDailyLossPct
	}
	if limit > 0 && pct > limit {
		cb.trip(category, fmt.Sprintf("%s %.2f%% exceeds %.2f%%", category, pct, limit))
	}
}

// Reset force-closes the breaker and clears all counters.
func (cb *CircuitBreaker) Reset(by, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.addEvent(EventManualOverride, map[string]any{
		"action":         "reset",
		"previous_state": string(cb.state),
	}, by, reason)
	cb.clearCounters()
	cb.levels = map[string]float64{}
	if cb.state != StateClosed {
		cb.setState(StateClosed, "manual_reset")
	}
	observ.Log("circuit_breaker_reset", map[string]any{"by": by, "reason": reason})
}

// State returns the current state without applying cooldown expiry.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Events returns the most recent events, oldest first.
func (cb *CircuitBreaker) Events() []CircuitBreakerEvent {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([]CircuitBreakerEvent(nil), cb.events...)
}

func (cb *CircuitBreaker) limitFor(category string) int {
	switch category {
	case CategoryAPIError:
		return cb.cfg.MaxAPIErrors
	case CategoryOrderFailure:
		return cb.cfg.MaxOrderFailures
	}
	return 0
}

func (cb *CircuitBreaker) prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-cb.window())
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (cb *CircuitBreaker) clearCounters() {
	cb.failures = map[string][]time.Time{}
}

// trip opens the breaker. Re-tripping while open extends the cooldown.
func (cb *CircuitBreaker) trip(category, reason string) {
	now := cb.now()
	cb.addEvent(EventThresholdBreached, map[string]any{"category": category}, "", reason)
	cb.openUntil = now.Add(cb.cooldown())
	cb.openReason = reason
	cb.triggerCounts[category]++
	if cb.state != StateOpen {
		cb.setState(StateOpen, reason)
		observ.Warn("circuit_breaker_open", map[string]any{
			"category":   category,
			"reason":     reason,
			"open_until": cb.openUntil,
		})
	}
}

// setState changes the circuit breaker state and records the event
func (cb *CircuitBreaker) setState(newState CircuitBreakerState, reason string) {
	previousState := cb.state
	previousTime := cb.stateEnteredAt

	cb.state = newState
	cb.stateEnteredAt = cb.now()
	if newState == StateClosed {
		cb.openUntil = time.Time{}
		cb.openReason = ""
	}

	observ.Observe("circuit_breaker_state_duration_seconds",
		cb.stateEnteredAt.Sub(previousTime).Seconds(),
		map[string]string{"state": string(previousState)})

	cb.addEvent(EventStateChanged, map[string]any{
		"previous_state":    string(previousState),
		"new_state":         string(newState),
		"state_duration_ms": cb.stateEnteredAt.Sub(previousTime).Milliseconds(),
	}, "", reason)

	observ.SetGauge("circuit_breaker_state", stateToFloat(newState), nil)
	observ.IncCounter("circuit_breaker_transitions_total", map[string]string{
		"from": string(previousState),
		"to":   string(newState),
	})
	if cb.onTransition != nil {
		cb.onTransition(Transition{From: previousState, To: newState, Reason: reason, At: cb.stateEnteredAt})
	}
}

func (cb *CircuitBreaker) addEvent(eventType string, data map[string]any, userID, reason string) {
	cb.lastEventID++
	cb.events = append(cb.events, CircuitBreakerEvent{
		ID:        cb.lastEventID,
		Timestamp: cb.now(),
		Type:      eventType,
		Data:      data,
		UserID:    userID,
		Reason:    reason,
	})
	if len(cb.events) > maxEvents {
		cb.events = cb.events[len(cb.events)-maxEvents:]
	}
}

func stateToFloat(state CircuitBreakerState) float64 {
	if state == StateOpen {
		return 1
	}
	return 0
}

// BreakerSnapshot is the persisted form of the breaker.
type BreakerSnapshot struct {
	State          CircuitBreakerState    `json:"state"`
	StateEnteredAt time.Time              `json:"state_entered_at"`
	OpenUntil      time.Time              `json:"open_until,omitempty"`
	OpenReason     string                 `json:"open_reason,omitempty"`
	Failures       map[string][]time.Time `json:"failures,omitempty"`
	Levels         map[string]float64     `json:"levels,omitempty"`
	TriggerCounts  map[string]int         `json:"trigger_counts,omitempty"`
}

// Snapshot captures the state needed to survive a restart.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failures := make(map[string][]time.Time, len(cb.failures))
	for k, v := range cb.failures {
		failures[k] = append([]time.Time(nil), v...)
	}
	levels := make(map[string]float64, len(cb.levels))
	for k, v := range cb.levels {
		levels[k] = v
	}
	triggers := make(map[string]int, len(cb.triggerCounts))
	for k, v := range cb.triggerCounts {
		triggers[k] = v
	}
	return BreakerSnapshot{
		State:          cb.state,
		StateEnteredAt: cb.stateEnteredAt,
		OpenUntil:      cb.openUntil,
		OpenReason:     cb.openReason,
		Failures:       failures,
		Levels:         levels,
		TriggerCounts:  triggers,
	}
}

// Restore loads a snapshot. Unknown states are treated as closed.
func (cb *CircuitBreaker) Restore(s BreakerSnapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	if s.State == StateOpen {
		cb.state = StateOpen
	}
	cb.stateEnteredAt = s.StateEnteredAt
	cb.openUntil = s.OpenUntil
	cb.openReason = s.OpenReason
	cb.failures = map[string][]time.Time{}
	for k, v := range s.Failures {
		cb.failures[k] = append([]time.Time(nil), v...)
	}
	cb.levels = map[string]float64{}
	for k, v := range s.Levels {
		cb.levels[k] = v
	}
	cb.triggerCounts = map[string]int{}
	for k, v := range s.TriggerCounts {
		cb.triggerCounts[k] = v
	}
	observ.SetGauge("circuit_breaker_state", stateToFloat(cb.state), nil)
}

// Status summarizes the breaker for the control API.
func (cb *CircuitBreaker) Status() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	counts := map[string]int{}
	for k, ts := range cb.failures {
		cb.failures[k] = cb.prune(ts, now)
		counts[k] = len(cb.failures[k])
	}
	levels := map[string]float64{}
	for k, v := range cb.levels {
		levels[k] = v
	}
	triggers := map[string]int{}
	for k, v := range cb.triggerCounts {
		triggers[k] = v
	}
	out := map[string]any{
		"state":          string(cb.state),
		"failures":       counts,
		"levels":         levels,
		"trigger_counts": triggers,
	}
	if cb.state == StateOpen {
		out["reason"] = cb.openReason
		out["open_until"] = cb.openUntil
	}
	return out
}
