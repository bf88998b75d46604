package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// StaticQuotes provides deterministic quotes for paper mode and tests.
type StaticQuotes struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	fail   error
	clock  func() time.Time
}

// NewStaticQuotes seeds the adapter with quotes.
func NewStaticQuotes(quotes ...Quote) *StaticQuotes {
	s := &StaticQuotes{quotes: map[string]Quote{}}
	for _, q := range quotes {
		s.Set(q)
	}
	return s
}

// Set adds or replaces a quote. A zero timestamp is stamped with now.
func (s *StaticQuotes) Set(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.Symbol = NormalizeSymbol(q.Symbol)
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	if q.Source == "" {
		q.Source = "static"
	}
	s.quotes[q.Symbol] = q
}

// StampOnRead makes every read carry now() as its timestamp, so seeded
// paper quotes never go stale.
func (s *StaticQuotes) StampOnRead(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = now
}

// Has reports whether a quote is seeded for symbol.
func (s *StaticQuotes) Has(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.quotes[NormalizeSymbol(symbol)]
	return ok
}

// SetError makes every call fail with err until cleared with nil.
func (s *StaticQuotes) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *StaticQuotes) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, NewProviderError(symbol, "static quotes failing", s.fail)
	}
	symbol = NormalizeSymbol(symbol)
	q, ok := s.quotes[symbol]
	if !ok {
		return nil, NewBadSymbolError(symbol, "symbol not found in static data")
	}
	if s.clock != nil {
		q.Timestamp = s.clock()
	}
	return &q, nil
}

func (s *StaticQuotes) GetQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	results := make(map[string]*Quote)
	for _, symbol := range symbols {
		q, err := s.GetQuote(ctx, symbol)
		if err != nil {
			var qe *QuoteError
			if errors.As(err, &qe) && qe.Type == "provider_error" {
				return nil, err
			}
			continue
		}
		results[q.Symbol] = q
	}
	return results, nil
}

// StaticScanner returns fixed lists, optionally delaying or failing per list.
type StaticScanner struct {
	mu     sync.Mutex
	lists  map[string][]ScanResult
	errs   map[string]error
	delays map[string]time.Duration
	calls  map[string]int
}

func NewStaticScanner() *StaticScanner {
	return &StaticScanner{
		lists:  map[string][]ScanResult{},
		errs:   map[string]error{},
		delays: map[string]time.Duration{},
		calls:  map[string]int{},
	}
}

func (s *StaticScanner) SetList(list string, results ...ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[list] = results
}

func (s *StaticScanner) SetError(list string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[list] = err
}

func (s *StaticScanner) SetDelay(list string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[list] = d
}

// Calls reports how many times list was scanned.
func (s *StaticScanner) Calls(list string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[list]
}

func (s *StaticScanner) Scan(ctx context.Context, list string) ([]ScanResult, error) {
	s.mu.Lock()
	s.calls[list]++
	delay := s.delays[list]
	err := s.errs[list]
	results := append([]ScanResult(nil), s.lists[list]...)
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ScriptedScorer answers from a table keyed by "SYMBOL/strategy" or "SYMBOL".
type ScriptedScorer struct {
	mu        sync.Mutex
	decisions map[string]*ScoreDecision
	errs      map[string]error
	requests  []ScoreRequest
}

func NewScriptedScorer() *ScriptedScorer {
	return &ScriptedScorer{decisions: map[string]*ScoreDecision{}, errs: map[string]error{}}
}

// Set registers a decision for symbol, or symbol/strategy when strategy is set.
func (s *ScriptedScorer) Set(symbol, strategy string, d *ScoreDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[scoreKey(symbol, strategy)] = d
}

func (s *ScriptedScorer) SetError(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[NormalizeSymbol(symbol)] = err
}

// Requests returns every request seen so far.
func (s *ScriptedScorer) Requests() []ScoreRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScoreRequest(nil), s.requests...)
}

func (s *ScriptedScorer) Score(ctx context.Context, req ScoreRequest) (*ScoreDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	sym := NormalizeSymbol(req.Symbol)
	if err, ok := s.errs[sym]; ok {
		return nil, err
	}
	if d, ok := s.decisions[scoreKey(sym, req.StrategyID)]; ok {
		return copyDecision(d), nil
	}
	if d, ok := s.decisions[scoreKey(sym, "")]; ok {
		return copyDecision(d), nil
	}
	return nil, nil
}

func scoreKey(symbol, strategy string) string {
	if strategy == "" {
		return NormalizeSymbol(symbol)
	}
	return fmt.Sprintf("%s/%s", NormalizeSymbol(symbol), strategy)
}

func copyDecision(d *ScoreDecision) *ScoreDecision {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// StaticPerformance returns fixed strategy stats and portfolio P&L.
type StaticPerformance struct {
	Strategies []StrategyPerformance
	PnLPct     float64
	Err        error
}

func (s *StaticPerformance) StrategyPerformance(ctx context.Context) ([]StrategyPerformance, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]StrategyPerformance(nil), s.Strategies...), nil
}

func (s *StaticPerformance) PortfolioPnLPct(ctx context.Context) (float64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	return s.PnLPct, nil
}

// StaticHealth reports a settable status.
type StaticHealth struct {
	mu     sync.Mutex
	status HealthStatus
	err    error
}

func NewStaticHealth() *StaticHealth {
	return &StaticHealth{status: HealthStatus{Status: HealthHealthy}}
}

func (s *StaticHealth) Set(status HealthStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.err = err
}

func (s *StaticHealth) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.err
}
