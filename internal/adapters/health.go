package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// ProviderHealth tracks one collaborator's reliability
type ProviderHealth struct {
	mu                sync.RWMutex
	name              string
	status            string
	lastSuccessful    time.Time
	lastError         time.Time
	lastErr           string
	errorCount        int64
	successCount      int64
	consecutiveErrors int

	// Health thresholds
	degradedErrorRate    float64       // 0.01 = 1%
	failedErrorRate      float64       // 0.10 = 10%
	maxConsecutiveErrors int           // 5
	recoveryWindow       time.Duration // quiet period before recovering
	now                  func() time.Time
}

func NewProviderHealth(name string) *ProviderHealth {
	return &ProviderHealth{
		name:                 name,
		status:               HealthHealthy,
		degradedErrorRate:    0.01,
		failedErrorRate:      0.10,
		maxConsecutiveErrors: 5,
		recoveryWindow:       time.Minute,
		now:                  time.Now,
	}
}

// RecordSuccess records a successful probe
func (ph *ProviderHealth) RecordSuccess() {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.lastSuccessful = ph.now()
	ph.successCount++
	ph.consecutiveErrors = 0

	if ph.status != HealthHealthy && ph.shouldRecover() {
		ph.transition(HealthHealthy)
	}
	ph.publish()
}

// RecordError records a failed probe
func (ph *ProviderHealth) RecordError(err error) {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.lastError = ph.now()
	ph.lastErr = err.Error()
	ph.errorCount++
	ph.consecutiveErrors++

	ph.transition(ph.computeStatus())
	ph.publish()
}

// Status returns the current status and last error message.
func (ph *ProviderHealth) Status() (string, string) {
	ph.mu.RLock()
	defer ph.mu.RUnlock()
	return ph.status, ph.lastErr
}

func (ph *ProviderHealth) computeStatus() string {
	total := ph.successCount + ph.errorCount
	if total == 0 {
		return ph.status
	}
	if ph.consecutiveErrors >= ph.maxConsecutiveErrors {
		return HealthFailed
	}
	errorRate := float64(ph.errorCount) / float64(total)
	switch {
	case errorRate >= ph.failedErrorRate && ph.consecutiveErrors > 1:
		return HealthFailed
	case errorRate >= ph.degradedErrorRate:
		return HealthDegraded
	}
	return ph.status
}

func (ph *ProviderHealth) shouldRecover() bool {
	return ph.now().Sub(ph.lastError) >= ph.recoveryWindow && ph.consecutiveErrors == 0
}

func (ph *ProviderHealth) transition(to string) {
	if to == ph.status {
		return
	}
	observ.Log("provider_status_change", map[string]any{
		"provider":           ph.name,
		"from":               ph.status,
		"to":                 to,
		"consecutive_errors": ph.consecutiveErrors,
	})
	observ.IncCounter("provider_status_change_total", map[string]string{
		"provider": ph.name,
		"from":     ph.status,
		"to":       to,
	})
	ph.status = to
}

func (ph *ProviderHealth) publish() {
	v := 1.0
	switch ph.status {
	case HealthDegraded:
		v = 0.5
	case HealthFailed:
		v = 0
	}
	observ.SetGauge("provider_status", v, map[string]string{"provider": ph.name})
}

// Probe is a named liveness check for one collaborator.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// CompositeHealth runs every probe and reports the worst provider status.
type CompositeHealth struct {
	probes   []Probe
	trackers map[string]*ProviderHealth
}

func NewCompositeHealth(probes ...Probe) *CompositeHealth {
	c := &CompositeHealth{probes: probes, trackers: map[string]*ProviderHealth{}}
	for _, p := range probes {
		c.trackers[p.Name] = NewProviderHealth(p.Name)
	}
	return c
}

func (c *CompositeHealth) Health(ctx context.Context) (HealthStatus, error) {
	out := HealthStatus{Status: HealthHealthy, Details: map[string]string{}}
	for _, p := range c.probes {
		tr := c.trackers[p.Name]
		if err := p.Check(ctx); err != nil {
			tr.RecordError(err)
		} else {
			tr.RecordSuccess()
		}
		status, lastErr := tr.Status()
		out.Details[p.Name] = status
		switch status {
		case HealthFailed:
			out.Status = HealthFailed
			out.Reason = p.Name + ": " + lastErr
		case HealthDegraded:
			if out.Status == HealthHealthy {
				out.Status = HealthDegraded
			}
		}
	}
	return out, nil
}

// BrokerProbe checks the broker by fetching the account.
func BrokerProbe(b Broker) Probe {
	return Probe{Name: "broker", Check: func(ctx context.Context) error {
		if hc, ok := b.(HealthChecker); ok {
			st, err := hc.Health(ctx)
			if err != nil {
				return err
			}
			if st.Status == HealthFailed {
				return &BrokerError{Op: "health", Body: st.Reason}
			}
			return nil
		}
		_, err := b.Account(ctx)
		return err
	}}
}

// QuotesProbe checks the quote feed with one symbol.
func QuotesProbe(q QuotesAdapter, symbol string) Probe {
	return Probe{Name: "quotes", Check: func(ctx context.Context) error {
		_, err := q.GetQuote(ctx, symbol)
		return err
	}}
}
