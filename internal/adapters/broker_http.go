package adapters

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPBroker talks to a REST brokerage that encodes numerics as strings.
type HTTPBroker struct {
	rc *restClient
}

func NewHTTPBroker(cfg HTTPConfig) *HTTPBroker {
	return &HTTPBroker{rc: newRestClient("broker", cfg)}
}

type wirePosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	Side          string          `json:"side"`
}

type wireOrder struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	CreatedAt      time.Time       `json:"created_at"`
}

type wireOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
}

type wireAccount struct {
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	MarketValue decimal.Decimal `json:"long_market_value"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

type wireClock struct {
	IsOpen bool `json:"is_open"`
}

func (w wireOrder) toOrder() Order {
	return Order{
		ID:             w.ID,
		ClientOrderID:  w.ClientOrderID,
		Symbol:         NormalizeSymbol(w.Symbol),
		Side:           Side(w.Side),
		Qty:            w.Qty.InexactFloat64(),
		Type:           w.Type,
		Status:         w.Status,
		FilledQty:      w.FilledQty.InexactFloat64(),
		FilledAvgPrice: w.FilledAvgPrice.InexactFloat64(),
		CreatedAt:      w.CreatedAt,
	}
}

func (b *HTTPBroker) Positions(ctx context.Context) ([]Position, error) {
	var raw []wirePosition
	if _, err := b.rc.do(ctx, "positions", http.MethodGet, "/v2/positions", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		qty := p.Qty
		if p.Side == "short" && qty.IsPositive() {
			qty = qty.Neg()
		}
		out = append(out, Position{
			Symbol:        NormalizeSymbol(p.Symbol),
			Qty:           qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice:  p.CurrentPrice.InexactFloat64(),
			MarketValue:   p.MarketValue.Abs().InexactFloat64(),
		})
	}
	return out, nil
}

func (b *HTTPBroker) OpenOrders(ctx context.Context) ([]Order, error) {
	var raw []wireOrder
	if _, err := b.rc.do(ctx, "open_orders", http.MethodGet, "/v2/orders?status=open", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toOrder())
	}
	return out, nil
}

func (b *HTTPBroker) CancelOrder(ctx context.Context, id string) error {
	_, err := b.rc.do(ctx, "cancel_order", http.MethodDelete, "/v2/orders/"+id, nil, nil)
	return err
}

func (b *HTTPBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.Type == "" {
		req.Type = "market"
	}
	if req.TimeInForce == "" {
		req.TimeInForce = "day"
	}
	body := wireOrderRequest{
		Symbol:        NormalizeSymbol(req.Symbol),
		Side:          string(req.Side),
		Qty:           decimal.NewFromFloat(req.Qty).String(),
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}
	var raw wireOrder
	if _, err := b.rc.do(ctx, "submit_order", http.MethodPost, "/v2/orders", body, &raw); err != nil {
		return nil, err
	}
	o := raw.toOrder()
	o.StrategyID = req.StrategyID
	o.Metadata = req.Metadata
	return &o, nil
}

func (b *HTTPBroker) Account(ctx context.Context) (Account, error) {
	var raw wireAccount
	if _, err := b.rc.do(ctx, "account", http.MethodGet, "/v2/account", nil, &raw); err != nil {
		return Account{}, err
	}
	return Account{
		Cash:        raw.Cash.InexactFloat64(),
		Equity:      raw.Equity.InexactFloat64(),
		MarketValue: raw.MarketValue.InexactFloat64(),
		BuyingPower: raw.BuyingPower.InexactFloat64(),
	}, nil
}

// Health reports failed when the brokerage clock endpoint is unreachable
// and degraded when the market is closed.
func (b *HTTPBroker) Health(ctx context.Context) (HealthStatus, error) {
	var clock wireClock
	if _, err := b.rc.do(ctx, "clock", http.MethodGet, "/v2/clock", nil, &clock); err != nil {
		return HealthStatus{Status: HealthFailed, Reason: "broker_unreachable"}, nil
	}
	if !clock.IsOpen {
		return HealthStatus{Status: HealthDegraded, Reason: "market_closed"}, nil
	}
	return HealthStatus{Status: HealthHealthy}, nil
}
