package autoloop

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/Rajchodisetti/autotrader/internal/portfolio"
)

// Kind is the closed set of loop states and cycle outcomes.
type Kind string

const (
	KindStopped      Kind = "STOPPED"
	KindRunning      Kind = "RUNNING"
	KindBlocked      Kind = "BLOCKED"
	KindAllocating   Kind = "ALLOCATING"
	KindGenerating   Kind = "GENERATING_SIGNALS"
	KindCoordinating Kind = "COORDINATING"
	KindValidating   Kind = "VALIDATING_RISKS"
	KindExecuting    Kind = "EXECUTING"
	KindCompleted    Kind = "COMPLETED"
	KindIdle         Kind = "IDLE"
	KindError        Kind = "ERROR"

	KindCapitalLimit     = Kind(portfolio.BreachCapital)
	KindInsufficientCash = Kind(portfolio.BreachCash)
	KindDailyTradeLimit  = Kind(portfolio.BreachDailyTrades)
)

// Idle details.
const (
	IdleNoSignals = "NO_SIGNALS"
	IdleNoWinners = "NO_WINNERS"
)

// Status is the loop's observable state. Detail carries the blocking reason,
// idle cause or error message; Count the number of trades being executed or
// submitted.
type Status struct {
	Kind   Kind
	Detail string
	Count  int
}

func Blocked(reason string) Status { return Status{Kind: KindBlocked, Detail: reason} }
func Idle(cause string) Status     { return Status{Kind: KindIdle, Detail: cause} }
func Failed(err error) Status      { return Status{Kind: KindError, Detail: err.Error()} }
func Executing(n int) Status       { return Status{Kind: KindExecuting, Count: n} }

func (s Status) String() string {
	switch s.Kind {
	case KindBlocked, KindError:
		return string(s.Kind) + ":" + s.Detail
	case KindIdle:
		return string(s.Kind) + ": " + s.Detail
	case KindExecuting:
		return string(s.Kind) + " " + strconv.Itoa(s.Count) + " TRADES"
	}
	return string(s.Kind)
}

// IsBlocked reports whether the cycle stopped on a gate or ceiling.
func (s Status) IsBlocked() bool {
	switch s.Kind {
	case KindBlocked, KindCapitalLimit, KindInsufficientCash, KindDailyTradeLimit:
		return true
	}
	return false
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status string `json:"status"`
		Kind   Kind   `json:"kind"`
		Detail string `json:"detail,omitempty"`
		Count  int    `json:"count,omitempty"`
	}{s.String(), s.Kind, s.Detail, s.Count})
}

// ErrFatal marks an error that must stop the scheduler.
var ErrFatal = errors.New("FATAL")

// IsFatal reports whether err should stop the timer: it wraps ErrFatal or
// its message is flagged CRITICAL or FATAL.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "CRITICAL") || strings.Contains(msg, "FATAL")
}
