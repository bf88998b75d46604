package alerts

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Rajchodisetti/autotrader/internal/events"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

type Config struct {
	Enabled         bool   `yaml:"enabled"`
	WebhookURL      string `yaml:"webhook_url"`
	Channel         string `yaml:"channel"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	DedupeWindowSec int    `yaml:"dedupe_window_sec"`
	QueueSize       int    `yaml:"queue_size"`
	MaxAttempts     int    `yaml:"max_attempts"`
	RetryBaseMs     int    `yaml:"retry_base_ms"`
	TimeoutMs       int    `yaml:"timeout_ms"`
	TradeAlerts     bool   `yaml:"trade_alerts"` // diamond entries and every exit
}

func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		RateLimitPerMin: 20,
		DedupeWindowSec: 60,
		QueueSize:       256,
		MaxAttempts:     3,
		RetryBaseMs:     2000,
		TimeoutMs:       10_000,
		TradeAlerts:     true,
	}
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Field struct {
	Title string
	Value string
}

// Alert is one operator notification.
type Alert struct {
	Kind      string // breaker_open, breaker_closed, loop_halted, trade
	Severity  Severity
	Title     string
	Fields    []Field
	Timestamp time.Time
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type queuedAlert struct {
	alert    Alert
	attempts int
}

// Slack delivers alerts to an incoming webhook from a single worker.
// Notify never blocks: duplicates inside the dedupe window, alerts over the
// rate limit and alerts arriving at a full queue are dropped and counted.
type Slack struct {
	cfg    Config
	client *resty.Client
	queue  chan queuedAlert

	mu     sync.Mutex
	dedupe map[string]time.Time
	sent   []time.Time
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSlack(cfg Config) *Slack {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBaseMs <= 0 {
		cfg.RetryBaseMs = def.RetryBaseMs
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = def.TimeoutMs
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Slack{
		cfg:    cfg,
		client: resty.New().SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond),
		queue:  make(chan queuedAlert, cfg.QueueSize),
		dedupe: map[string]time.Time{},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.worker()
	return s
}

// Notify queues an alert for delivery.
func (s *Slack) Notify(a Alert) {
	if !s.cfg.Enabled || s.cfg.WebhookURL == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now()
	}
	if !s.admit(a) {
		return
	}
	select {
	case s.queue <- queuedAlert{alert: a}:
		observ.SetGauge("alert_queue_depth", float64(len(s.queue)), nil)
	default:
		observ.IncCounter("alerts_dropped_total", map[string]string{"reason": "queue_full"})
	}
}

// admit applies dedupe and the global rate limit.
func (s *Slack) admit(a Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	key := hashAlert(a)
	window := time.Duration(s.cfg.DedupeWindowSec) * time.Second
	if last, ok := s.dedupe[key]; ok && now.Sub(last) < window {
		observ.IncCounter("alerts_dropped_total", map[string]string{"reason": "duplicate"})
		return false
	}
	for k, t := range s.dedupe {
		if now.Sub(t) >= window {
			delete(s.dedupe, k)
		}
	}

	cutoff := now.Add(-time.Minute)
	kept := s.sent[:0]
	for _, t := range s.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.sent = kept
	// Critical alerts bypass the rate limit.
	if s.cfg.RateLimitPerMin > 0 && len(s.sent) >= s.cfg.RateLimitPerMin && a.Severity != SeverityCritical {
		observ.IncCounter("alerts_dropped_total", map[string]string{"reason": "rate_limited"})
		return false
	}

	s.dedupe[key] = now
	s.sent = append(s.sent, now)
	return true
}

func hashAlert(a Alert) string {
	var b strings.Builder
	b.WriteString(a.Kind)
	b.WriteString("|")
	b.WriteString(a.Title)
	for _, f := range a.Fields {
		b.WriteString("|" + f.Title + "=" + f.Value)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)[:16]
}

func (s *Slack) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case qa := <-s.queue:
			observ.SetGauge("alert_queue_depth", float64(len(s.queue)), nil)
			s.deliver(qa)
		}
	}
}

// deliver retries with exponential backoff and jitter.
func (s *Slack) deliver(qa queuedAlert) {
	for {
		err := s.send(qa.alert)
		if err == nil {
			observ.IncCounter("alerts_sent_total", map[string]string{"kind": qa.alert.Kind})
			return
		}
		qa.attempts++
		if qa.attempts >= s.cfg.MaxAttempts {
			observ.IncCounter("alert_webhook_errors_total", nil)
			observ.Error("alert_delivery_failed", err, map[string]any{"kind": qa.alert.Kind, "attempts": qa.attempts})
			return
		}
		backoff := time.Duration(float64(s.cfg.RetryBaseMs)*math.Pow(2, float64(qa.attempts-1))) * time.Millisecond
		jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
	}
}

func (s *Slack) send(a Alert) error {
	resp, err := s.client.R().
		SetContext(s.ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(s.format(a)).
		Post(s.cfg.WebhookURL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("slack webhook: %s", resp.Status())
	}
	return nil
}

func (s *Slack) format(a Alert) SlackMessage {
	emoji, color := "📈", "good"
	switch a.Severity {
	case SeverityWarning:
		emoji, color = "⚠️", "warning"
	case SeverityCritical:
		emoji, color = "🛑", "danger"
	}

	fields := make([]SlackField, 0, len(a.Fields)+1)
	for _, f := range a.Fields {
		fields = append(fields, SlackField{Title: f.Title, Value: f.Value, Short: len(f.Value) < 40})
	}
	fields = append(fields, SlackField{Title: "Time", Value: a.Timestamp.UTC().Format("15:04:05 MST"), Short: true})

	return SlackMessage{
		Channel: s.cfg.Channel,
		Text:    emoji + " " + a.Title,
		Attachments: []SlackAttachment{{
			Color:  color,
			Fields: fields,
		}},
	}
}

// Close stops the worker. Queued alerts are discarded.
func (s *Slack) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// BreakerTransition maps a circuit breaker state change to an alert.
func BreakerTransition(tr risk.Transition) Alert {
	if tr.To == risk.StateOpen {
		return Alert{
			Kind:      "breaker_open",
			Severity:  SeverityCritical,
			Title:     "Circuit breaker OPEN: trading halted",
			Fields:    []Field{{"Reason", tr.Reason}},
			Timestamp: tr.At,
		}
	}
	return Alert{
		Kind:      "breaker_closed",
		Severity:  SeverityInfo,
		Title:     "Circuit breaker closed: trading resumed",
		Fields:    []Field{{"Reason", tr.Reason}},
		Timestamp: tr.At,
	}
}

// LoopHalted is raised when a fatal error stops the scheduler.
func LoopHalted(err error) Alert {
	return Alert{
		Kind:     "loop_halted",
		Severity: SeverityCritical,
		Title:    "AutoLoop halted on fatal error",
		Fields:   []Field{{"Error", err.Error()}},
	}
}

// Trade returns an alert for diamond entries and exits; ok is false for
// trades not worth a page.
func Trade(ev events.TradeExecuted) (Alert, bool) {
	if !ev.IsDiamond && !ev.IsExit {
		return Alert{}, false
	}
	title := fmt.Sprintf("%s %s %g @ %.2f", strings.ToUpper(ev.Side), ev.Symbol, ev.Qty, ev.Price)
	fields := []Field{{"Strategy", ev.StrategyID}}
	if ev.IsExit {
		title = "Exit: " + title
		fields = append(fields, Field{"Reason", ev.Reason})
	} else {
		title = "💎 Diamond entry: " + title
		fields = append(fields, Field{"Confidence", fmt.Sprintf("%.2f", ev.Confidence)})
	}
	return Alert{Kind: "trade", Severity: SeverityInfo, Title: title, Fields: fields, Timestamp: ev.Timestamp}, true
}

// FollowTrades forwards trade alerts from the bus until ctx is done.
func (s *Slack) FollowTrades(ctx context.Context, bus *events.Bus) {
	if !s.cfg.Enabled || !s.cfg.TradeAlerts {
		return
	}
	trades, unsubscribe := bus.Subscribe(64)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case ev, ok := <-trades:
				if !ok {
					return
				}
				if a, ok := Trade(ev); ok {
					s.Notify(a)
				}
			}
		}
	}()
}
