package adapters

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Quote represents normalized market data from any provider
type Quote struct {
	Symbol    string    `json:"symbol"`     // Normalized symbol (uppercase)
	Bid       float64   `json:"bid"`        // Best bid price
	Ask       float64   `json:"ask"`        // Best ask price
	Last      float64   `json:"last"`       // Last traded price
	Volume    int64     `json:"volume"`     // Daily volume
	ChangePct float64   `json:"change_pct"` // Percent change from previous close
	Timestamp time.Time `json:"timestamp"`  // Quote timestamp from provider
	Source    string    `json:"source"`
}

// NormalizeSymbol uppercases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateQuote rejects quotes that cannot be priced against (fail-closed).
func ValidateQuote(quote *Quote) error {
	if quote == nil {
		return fmt.Errorf("quote is nil")
	}

	quote.Symbol = NormalizeSymbol(quote.Symbol)
	if quote.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	if quote.Last <= 0 {
		return fmt.Errorf("invalid last price: %.4f", quote.Last)
	}

	if quote.Bid > 0 && quote.Ask > 0 && quote.Ask < quote.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", quote.Ask, quote.Bid)
	}

	if quote.Volume < 0 {
		return fmt.Errorf("negative volume: %d", quote.Volume)
	}

	if quote.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", quote.Timestamp)
	}

	return nil
}

// Age returns how old the quote is at now. Quotes without a timestamp are
// treated as infinitely old.
func (q *Quote) Age(now time.Time) time.Duration {
	if q.Timestamp.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(q.Timestamp)
}

// SpreadBps calculates bid-ask spread in basis points of the mid.
func (q *Quote) SpreadBps() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	mid := (q.Bid + q.Ask) / 2
	return ((q.Ask - q.Bid) / mid) * 10000
}

// ErrNoDecision is returned by scorers that have no opinion on a symbol.
var ErrNoDecision = errors.New("scorer returned no decision")

// QuoteError represents different types of quote fetch errors
type QuoteError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_symbol", "stale"
	Symbol  string
	Message string
	Cause   error
}

func (e *QuoteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *QuoteError) Unwrap() error { return e.Cause }

func NewBadSymbolError(symbol, message string) *QuoteError {
	return &QuoteError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Type: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

// BrokerError carries the HTTP context of a failed collaborator call so the
// circuit breaker can record it.
type BrokerError struct {
	Op         string
	StatusCode int
	Body       string
	Cause      error
}

func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed (status %d): %s: %v", e.Op, e.StatusCode, e.Body, e.Cause)
	}
	return fmt.Sprintf("%s failed (status %d): %s", e.Op, e.StatusCode, e.Body)
}

func (e *BrokerError) Unwrap() error { return e.Cause }

// ErrorContext extracts status and body from err when it is a BrokerError.
func ErrorContext(err error) (status int, body string) {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.StatusCode, be.Body
	}
	if err != nil {
		return 0, err.Error()
	}
	return 0, ""
}
