package adapters

import (
	"context"
	"time"
)

// Side is the direction of an order or signal.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order statuses reported by the broker.
const (
	OrderStatusNew             = "new"
	OrderStatusAccepted        = "accepted"
	OrderStatusPendingNew      = "pending_new"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusRejected        = "rejected"
)

// Position is an open broker position. Negative Qty is a short.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
}

// Order is the broker's view of a submitted order.
type Order struct {
	ID             string            `json:"id"`
	ClientOrderID  string            `json:"client_order_id"`
	Symbol         string            `json:"symbol"`
	Side           Side              `json:"side"`
	Qty            float64           `json:"qty"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	FilledQty      float64           `json:"filled_qty"`
	FilledAvgPrice float64           `json:"filled_avg_price"`
	StrategyID     string            `json:"strategy_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IsPending reports whether the order can still fill.
func (o Order) IsPending() bool {
	switch o.Status {
	case OrderStatusNew, OrderStatusAccepted, OrderStatusPendingNew, OrderStatusPartiallyFilled, "":
		return true
	}
	return false
}

// OrderRequest is a market order submission.
type OrderRequest struct {
	Symbol        string            `json:"symbol"`
	Side          Side              `json:"side"`
	Qty           float64           `json:"qty"`
	Type          string            `json:"type"`
	TimeInForce   string            `json:"time_in_force"`
	ClientOrderID string            `json:"client_order_id"`
	StrategyID    string            `json:"strategy_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Account is the brokerage account snapshot.
type Account struct {
	Cash        float64 `json:"cash"`
	Equity      float64 `json:"equity"`
	MarketValue float64 `json:"market_value"`
	BuyingPower float64 `json:"buying_power"`
}

// ScanResult is one ranked entry of a discovery/scanner list.
type ScanResult struct {
	Symbol    string  `json:"symbol"`
	Score     float64 `json:"score"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
	Headline  string  `json:"headline,omitempty"`
	Sentiment float64 `json:"sentiment,omitempty"`
}

// Scanner list names.
const (
	ListDiamonds        = "diamonds"
	ListBigMovers       = "big_movers"
	ListDynamic         = "dynamic"
	ListPennyMovers     = "penny_movers"
	ListLiquidSmallCaps = "liquid_small_caps"
	ListVolumeMovers    = "volume_movers"
)

// ScoreRequest is what the scorer is given for one (candidate, strategy) pair.
type ScoreRequest struct {
	Symbol           string            `json:"symbol"`
	StrategyID       string            `json:"strategy_id"`
	HasPosition      bool              `json:"has_position"`
	Source           string            `json:"source"`
	Confidence       float64           `json:"confidence"`
	Price            float64           `json:"price"`
	Bid              float64           `json:"bid"`
	Ask              float64           `json:"ask"`
	Volume           int64             `json:"volume"`
	SpreadBps        float64           `json:"spread_bps"`
	ChangePct        float64           `json:"change_pct"`
	IsDiamond        bool              `json:"is_diamond"`
	SentimentNudge   float64           `json:"sentiment_nudge"`
	PerformanceBoost float64           `json:"performance_boost"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// ScoreDecision is a directional decision returned by the scorer.
type ScoreDecision struct {
	Side       Side    `json:"side"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// StrategyPerformance is trailing performance for one strategy.
type StrategyPerformance struct {
	StrategyID string  `json:"strategy_id"`
	WinRate24h float64 `json:"win_rate_24h"`
	Fitness    float64 `json:"fitness"`
	Trades24h  int     `json:"trades_24h"`
	Enabled    bool    `json:"enabled"`
}

// HealthStatus values.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthFailed   = "failed"
)

// HealthStatus is the system health as seen by the loop.
type HealthStatus struct {
	Status  string            `json:"status"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Healthy reports whether trading may proceed. Degraded still trades.
func (h HealthStatus) Healthy() bool {
	return h.Status != HealthFailed
}

// Broker submits and cancels orders and reports account state.
type Broker interface {
	Positions(ctx context.Context) ([]Position, error)
	OpenOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, id string) error
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	Account(ctx context.Context) (Account, error)
}

// QuotesAdapter provides market data quotes.
type QuotesAdapter interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error)
}

// Scanner returns named candidate lists.
type Scanner interface {
	Scan(ctx context.Context, list string) ([]ScanResult, error)
}

// Scorer is the external decision model. A nil decision with a nil error
// (or ErrNoDecision) means the scorer has no opinion.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreDecision, error)
}

// PerformanceSource reports strategy and portfolio performance.
type PerformanceSource interface {
	StrategyPerformance(ctx context.Context) ([]StrategyPerformance, error)
	PortfolioPnLPct(ctx context.Context) (float64, error)
}

// HealthChecker reports overall system health.
type HealthChecker interface {
	Health(ctx context.Context) (HealthStatus, error)
}
