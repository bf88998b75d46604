package autoloop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/decision"
	"github.com/Rajchodisetti/autotrader/internal/discovery"
	"github.com/Rajchodisetti/autotrader/internal/execution"
	"github.com/Rajchodisetti/autotrader/internal/exits"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/store"
)

// Config controls scheduling.
type Config struct {
	Enabled           bool    `yaml:"enabled"`
	IntervalSec       int     `yaml:"interval_sec"`
	PurgeProbability  float64 `yaml:"purge_probability"`   // chance per cycle of a pending-order purge
	StaleOrderMinutes int     `yaml:"stale_order_minutes"` // pending orders older than this are purged
	CallTimeoutMs     int     `yaml:"call_timeout_ms"`     // per broker/performance call
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		IntervalSec:       60,
		PurgeProbability:  0.1,
		StaleOrderMinutes: 60,
		CallTimeoutMs:     10_000,
	}
}

// Persister is the slice of the state store the loop writes breaker state to.
type Persister interface {
	GetJSON(key string, v any) error
	PutJSON(key string, v any) error
}

// Deps are the collaborators and components one loop owns.
type Deps struct {
	Broker      adapters.Broker
	Quotes      adapters.QuotesAdapter
	Health      adapters.HealthChecker
	Performance adapters.PerformanceSource

	Breaker     *risk.CircuitBreaker
	Gate        *risk.Gate
	Volatility  *risk.VolatilityCalculator
	Daily       *portfolio.Manager
	Limits      portfolio.CapitalLimits
	Allocator   *portfolio.Allocator
	Discovery   *discovery.Discovery
	Generator   *decision.Generator
	Coordinator *decision.Coordinator
	Executor    *execution.Executor
	Exits       *exits.Supervisor
	Ledger      *execution.Ledger
	Stops       *risk.StopBook // optional; reported by Info and pruned on reconcile

	Store Persister        // nil keeps breaker state in memory
	Now   func() time.Time // defaults to time.Now
	Rand  func() float64   // defaults to math/rand

	OnHalt func(error) // called once when a fatal error stops the timer
}

// Info is a point-in-time view of the loop for the control API.
type Info struct {
	Status    Status               `json:"status"`
	Running   bool                 `json:"running"`
	Enabled   bool                 `json:"enabled"`
	LastRun   time.Time            `json:"last_run,omitempty"`
	LastError string               `json:"last_error,omitempty"`
	Cycles    int64                `json:"cycles"`
	Daily     portfolio.DailyStats `json:"daily"`
	Breaker   map[string]any       `json:"breaker"`
	Stops     []risk.StopLevel     `json:"stops,omitempty"`
}

// Loop is the scheduler. RunOnce executes one cycle; Start runs cycles on a
// timer until Stop or a fatal error.
type Loop struct {
	config Config
	d      Deps

	cycleMu sync.Mutex // one cycle at a time

	mu      sync.RWMutex
	status  Status
	lastRun time.Time
	lastErr string
	cycles  int64
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires a loop and restores daily stats, breaker state and the entry
// ledger from the store.
func New(config Config, d Deps) (*Loop, error) {
	if d.Broker == nil || d.Breaker == nil || d.Daily == nil || d.Executor == nil {
		return nil, errors.New("autoloop: broker, breaker, daily stats and executor are required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.Float64
	}
	if d.Ledger == nil {
		d.Ledger = execution.NewLedger(nil)
	}
	if d.Volatility == nil {
		d.Volatility = risk.NewVolatilityCalculator(risk.DefaultVolatilityConfig())
	}
	if d.Gate == nil {
		d.Gate = risk.NewGate(risk.DefaultGateConfig(), d.Volatility)
	}
	if d.Allocator == nil {
		d.Allocator = portfolio.NewAllocator(portfolio.DefaultAllocatorConfig())
	}
	if d.Coordinator == nil {
		d.Coordinator = decision.NewCoordinator()
	}
	if config.IntervalSec <= 0 {
		config.IntervalSec = DefaultConfig().IntervalSec
	}

	l := &Loop{config: config, d: d, status: Status{Kind: KindStopped}}
	if err := d.Daily.Load(); err != nil {
		return nil, err
	}
	if err := d.Ledger.Load(); err != nil {
		return nil, err
	}
	if d.Store != nil {
		var snap risk.BreakerSnapshot
		err := d.Store.GetJSON(store.KeyCircuitBreaker, &snap)
		switch {
		case err == nil:
			d.Breaker.Restore(snap)
			observ.Log("circuit_breaker_restored", map[string]any{"state": string(snap.State), "reason": snap.OpenReason})
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load circuit breaker: %w", err)
		}
	}
	return l, nil
}

// Start begins timer-driven cycles. It is a no-op when disabled or already
// running and reports whether a timer was started.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.config.Enabled || l.running {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.running, l.cancel, l.done = true, cancel, done
	l.status = Status{Kind: KindRunning}

	interval := time.Duration(l.config.IntervalSec) * time.Second
	go l.run(ctx, interval, done)
	observ.Log("autoloop_started", map[string]any{"interval": interval.String()})
	return true
}

func (l *Loop) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := l.RunOnce(ctx); err != nil {
			observ.Error("autoloop_halted", err, map[string]any{"reason": "fatal error"})
			l.mu.Lock()
			if l.done == done {
				l.running = false
				l.cancel = nil
			}
			l.mu.Unlock()
			if l.d.OnHalt != nil {
				l.d.OnHalt(err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the timer and waits for an in-flight cycle to finish. It is a
// no-op when not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.running, l.cancel = false, nil
	l.mu.Unlock()

	cancel()
	<-done

	l.mu.Lock()
	l.status = Status{Kind: KindStopped}
	l.mu.Unlock()
	observ.Log("autoloop_stopped", nil)
}

// Running reports whether the timer is active.
func (l *Loop) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

func (l *Loop) Info() Info {
	l.mu.RLock()
	info := Info{
		Status:    l.status,
		Running:   l.running,
		Enabled:   l.config.Enabled,
		LastRun:   l.lastRun,
		LastError: l.lastErr,
		Cycles:    l.cycles,
	}
	l.mu.RUnlock()
	info.Daily = l.d.Daily.Stats()
	info.Breaker = l.d.Breaker.Status()
	if l.d.Stops != nil {
		info.Stops = l.d.Stops.All()
	}
	return info
}

// Breaker exposes the loop's circuit breaker.
func (l *Loop) Breaker() *risk.CircuitBreaker { return l.d.Breaker }

// ResetBreaker force-closes the breaker, rebases the equity baselines the
// level checks measure against and persists both.
func (l *Loop) ResetBreaker(by, reason string) {
	l.d.Breaker.Reset(by, reason)
	l.rebaseEquity(reason)
	l.saveBreaker()
}

func (l *Loop) rebaseEquity(cause string) {
	if err := l.d.Daily.Rebase(); err != nil {
		observ.Error("daily_stats_save_failed", err, map[string]any{"cause": cause})
	}
}

func (l *Loop) setStatus(s Status) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
	observ.Debug("autoloop_status", map[string]any{"status": s.String()})
}

// RunOnce executes exactly one cycle. Cycles are serialized. Only fatal
// errors are returned; every other failure is reported through the status
// and fed to the circuit breaker.
func (l *Loop) RunOnce(ctx context.Context) (Status, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	start := l.d.Now()
	st, err := l.cycle(ctx)
	if err != nil && ctx.Err() != nil {
		// Canceled by Stop or shutdown.
		observ.Log("autoloop_cycle_canceled", map[string]any{"error": err.Error()})
		st, err = Status{Kind: KindStopped}, nil
	}
	if err != nil {
		st = Failed(err)
		l.d.Breaker.RecordFailure(risk.CategoryAPIError, map[string]any{"error": err.Error()})
		observ.Error("autoloop_cycle_failed", err, map[string]any{"fatal": IsFatal(err)})
	}

	l.mu.Lock()
	l.status = st
	l.cycles++
	if err != nil {
		l.lastErr = err.Error()
	}
	if st.Kind == KindCompleted {
		l.lastRun = start
	}
	l.mu.Unlock()

	l.persist()
	observ.IncCounter("autoloop_cycles_total", map[string]string{"outcome": string(st.Kind)})
	observ.RecordDuration("autoloop_cycle_duration", l.d.Now().Sub(start), nil)
	observ.Log("autoloop_cycle", map[string]any{
		"status":   st.String(),
		"duration": l.d.Now().Sub(start).String(),
	})

	if err != nil && IsFatal(err) {
		return st, err
	}
	return st, nil
}

func (l *Loop) persist() {
	if err := l.d.Daily.Save(); err != nil {
		observ.Error("daily_stats_save_failed", err, nil)
	}
	l.saveBreaker()
}

func (l *Loop) saveBreaker() {
	if l.d.Store == nil {
		return
	}
	if err := l.d.Store.PutJSON(store.KeyCircuitBreaker, l.d.Breaker.Snapshot()); err != nil {
		observ.Error("circuit_breaker_save_failed", err, nil)
	}
}

func (l *Loop) callTimeout() time.Duration {
	if l.config.CallTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(l.config.CallTimeoutMs) * time.Millisecond
}
