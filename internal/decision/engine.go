package decision

import (
	"encoding/json"
	"strconv"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

// Candidate source tags.
const (
	SourceDiamond = "diamond"
	SourceMover   = "mover"
	SourceScanner = "scanner"
	SourceDynamic = "dynamic"
)

// Tier splits candidates into the high-value set and the long tail.
type Tier string

const (
	TierHighValue Tier = "high_value"
	TierRegular   Tier = "regular"
)

// Candidate is a symbol worth evaluating this cycle.
type Candidate struct {
	Symbol     string            `json:"symbol"`
	Source     string            `json:"source"`
	Tier       Tier              `json:"tier"`
	Confidence float64           `json:"confidence"`
	Price      float64           `json:"price"`
	Bid        float64           `json:"bid"`
	Ask        float64           `json:"ask"`
	Volume     int64             `json:"volume"`
	SpreadBps  float64           `json:"spread_bps"`
	ChangePct  float64           `json:"change_pct"`
	IsDiamond  bool              `json:"is_diamond"`
	Sentiment  float64           `json:"sentiment,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Alternative is a losing proposal for the same symbol, kept for audit.
type Alternative struct {
	StrategyID string        `json:"strategy_id"`
	Side       adapters.Side `json:"side"`
	Confidence float64       `json:"confidence"`
	AfterCost  float64       `json:"after_cost_ev"`
}

// Signal is one strategy's sized, EV-checked proposal for a symbol.
type Signal struct {
	Symbol          string            `json:"symbol"`
	Side            adapters.Side     `json:"side"`
	Qty             float64           `json:"qty"`
	Price           float64           `json:"price"`
	StrategyID      string            `json:"strategy_id"`
	Confidence      float64           `json:"confidence"`
	IsDiamond       bool              `json:"is_diamond"`
	HasPosition     bool              `json:"has_position"`
	ExpectedMovePct float64           `json:"expected_move_pct"`
	StopPct         float64           `json:"stop_pct"`
	EV              risk.EVResult     `json:"ev"`
	Size            risk.SizeResult   `json:"size"`
	Source          string            `json:"source"`
	Tier            Tier              `json:"tier"`
	Alternatives    []Alternative     `json:"alternatives,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Notional is qty times price.
func (s Signal) Notional() float64 { return s.Qty * s.Price }

// ConsumesCapital reports whether the signal opens or adds to exposure.
func (s Signal) ConsumesCapital() bool {
	return !(s.Side == adapters.SideSell && s.HasPosition)
}

// Intent is the coordinator's winner for one symbol.
type Intent struct {
	Signal
	Rank         int               `json:"rank"`
	Coordination map[string]string `json:"coordination"`
}

// ValidatedIntent is an intent the risk gate accepted, with the routed
// quantity and the checks that produced it.
type ValidatedIntent struct {
	Intent
	ValidatedQty float64           `json:"validated_qty"`
	RiskAudit    []risk.AuditEntry `json:"risk_audit"`
}

// Reason is the JSON audit explaining a coordination outcome.
type Reason struct {
	Symbol           string        `json:"symbol"`
	Winner           string        `json:"winner"`
	WonBy            string        `json:"won_by"`
	RunnerUp         string        `json:"runner_up,omitempty"`
	Conflict         bool          `json:"conflict"`
	ConfidenceMargin float64       `json:"confidence_margin"`
	Alternatives     []Alternative `json:"alternatives,omitempty"`
	Dropped          string        `json:"dropped,omitempty"`
}

// Metadata flattens the reason into the string map carried on orders.
func (r Reason) Metadata() map[string]string {
	alts, _ := json.Marshal(r.Alternatives)
	m := map[string]string{
		"won_by":            r.WonBy,
		"conflict":          strconv.FormatBool(r.Conflict),
		"confidence_margin": strconv.FormatFloat(r.ConfidenceMargin, 'f', 4, 64),
		"alternatives":      string(alts),
	}
	if r.RunnerUp != "" {
		m["runner_up"] = r.RunnerUp
	}
	if r.Dropped != "" {
		m["dropped"] = r.Dropped
	}
	return m
}
