package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record types.
const (
	TypeDecision = "decision" // written before an order is submitted
	TypeOrder    = "order"    // broker acknowledgement or failure
	TypeExit     = "exit"
)

// Record is one audit entry for a trading decision.
type Record struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Timestamp      time.Time         `json:"timestamp"`
	Symbol         string            `json:"symbol"`
	Side           string            `json:"side"`
	Qty            float64           `json:"qty"`
	Price          float64           `json:"price,omitempty"`
	StrategyID     string            `json:"strategy_id,omitempty"`
	Confidence     float64           `json:"confidence,omitempty"`
	IsDiamond      bool              `json:"is_diamond,omitempty"`
	ExpectedValue  float64           `json:"expected_value,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	OrderID        string            `json:"order_id,omitempty"`
	Status         string            `json:"status,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RiskAudit      any               `json:"risk_audit,omitempty"`
}

// Sink accepts audit records. Callers treat errors as best effort.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(context.Context, Record) error { return nil }

// Outbox appends records as JSON lines to a file.
type Outbox struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
}

func New(path string, dedupeWindowSecs int) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
	}, nil
}

func (o *Outbox) Path() string { return o.path }

// Record appends rec, assigning an ID and timestamp when missing.
func (o *Outbox) Record(_ context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = NewRecordID(rec.Timestamp)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("outbox: encode: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// HasRecentOrder reports whether a decision with idempotencyKey was written
// inside the dedupe window.
func (o *Outbox) HasRecentOrder(idempotencyKey string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	cutoff := time.Now().UTC().Add(-o.dedupeWindow)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Type != TypeDecision || rec.Timestamp.Before(cutoff) {
			continue
		}
		if rec.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, sc.Err()
}

// MultiSink fans a record out to every sink. All sinks are attempted.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = NewRecordID(rec.Timestamp)
	}
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
