package adapters

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// PaperBroker is an in-memory broker that fills market orders immediately
// against the quotes adapter. It backs paper mode and the loop tests.
type PaperBroker struct {
	mu          sync.Mutex
	quotes      QuotesAdapter
	cash        float64
	positions   map[string]*Position
	open        map[string]Order
	submitted   []Order
	canceled    []string
	seq         int
	slippageBps float64
	failNext    int
	failStatus  int
	now         func() time.Time
}

// NewPaperBroker starts with the given cash and no positions.
func NewPaperBroker(quotes QuotesAdapter, cash, slippageBps float64) *PaperBroker {
	return &PaperBroker{
		quotes:      quotes,
		cash:        cash,
		positions:   map[string]*Position{},
		open:        map[string]Order{},
		slippageBps: slippageBps,
		now:         time.Now,
	}
}

// SetClock overrides the time source used for order timestamps.
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// FailNext makes the next n submissions fail with the given HTTP status.
func (p *PaperBroker) FailNext(n, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
	p.failStatus = status
}

// SetPosition seeds or replaces a position. Qty 0 removes it.
func (p *PaperBroker) SetPosition(symbol string, qty, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = NormalizeSymbol(symbol)
	if qty == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = &Position{Symbol: symbol, Qty: qty, AvgEntryPrice: avgPrice, CurrentPrice: avgPrice}
}

// AddOpenOrder registers a resting order that has not filled.
func (p *PaperBroker) AddOpenOrder(o Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.ID == "" {
		p.seq++
		o.ID = fmt.Sprintf("paper-%d", p.seq)
	}
	if o.Status == "" {
		o.Status = OrderStatusNew
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = p.now()
	}
	o.Symbol = NormalizeSymbol(o.Symbol)
	p.open[o.ID] = o
}

// Submitted returns every accepted submission in order.
func (p *PaperBroker) Submitted() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Order(nil), p.submitted...)
}

// Canceled returns the ids of canceled orders.
func (p *PaperBroker) Canceled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.canceled...)
}

func (p *PaperBroker) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	syms := make([]string, 0, len(p.positions))
	for s := range p.positions {
		syms = append(syms, s)
	}
	p.mu.Unlock()
	sort.Strings(syms)

	marks := p.marks(ctx, syms)

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(syms))
	for _, s := range syms {
		pos, ok := p.positions[s]
		if !ok {
			continue
		}
		if px, ok := marks[s]; ok {
			pos.CurrentPrice = px
		}
		pos.MarketValue = math.Abs(pos.Qty * pos.CurrentPrice)
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperBroker) OpenOrders(ctx context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, 0, len(p.open))
	for _, o := range p.open {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *PaperBroker) CancelOrder(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[id]; !ok {
		return &BrokerError{Op: "cancel_order", StatusCode: 404, Body: "order not found: " + id}
	}
	delete(p.open, id)
	p.canceled = append(p.canceled, id)
	return nil
}

func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	if p.failNext > 0 {
		p.failNext--
		status := p.failStatus
		p.mu.Unlock()
		return nil, &BrokerError{Op: "submit_order", StatusCode: status, Body: "simulated rejection"}
	}
	p.mu.Unlock()

	if req.Qty <= 0 {
		return nil, &BrokerError{Op: "submit_order", StatusCode: 422, Body: "qty must be positive"}
	}
	symbol := NormalizeSymbol(req.Symbol)
	quote, err := p.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return nil, &BrokerError{Op: "submit_order", StatusCode: 422, Body: "no quote for " + symbol, Cause: err}
	}

	price := fillPrice(quote, req.Side, p.slippageBps)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	order := Order{
		ID:             fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		Type:           "market",
		Status:         OrderStatusFilled,
		FilledQty:      req.Qty,
		FilledAvgPrice: price,
		StrategyID:     req.StrategyID,
		CreatedAt:      p.now(),
		Metadata:       req.Metadata,
	}
	p.apply(symbol, req.Side, req.Qty, price)
	p.submitted = append(p.submitted, order)
	return &order, nil
}

// apply books a fill. Signed quantity keeps longs and shorts symmetric.
func (p *PaperBroker) apply(symbol string, side Side, qty, price float64) {
	signed := qty
	if side == SideSell {
		signed = -qty
	}
	p.cash -= signed * price

	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &Position{Symbol: symbol, Qty: signed, AvgEntryPrice: price, CurrentPrice: price}
		return
	}
	newQty := pos.Qty + signed
	switch {
	case newQty == 0:
		delete(p.positions, symbol)
		return
	case pos.Qty*signed > 0:
		// adding to the same direction
		pos.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(pos.Qty) + price*qty) / math.Abs(newQty)
	case pos.Qty*newQty < 0:
		// flipped through flat
		pos.AvgEntryPrice = price
	}
	pos.Qty = newQty
	pos.CurrentPrice = price
}

func (p *PaperBroker) Account(ctx context.Context) (Account, error) {
	positions, err := p.Positions(ctx)
	if err != nil {
		return Account{}, err
	}
	p.mu.Lock()
	cash := p.cash
	p.mu.Unlock()

	var mv, net float64
	for _, pos := range positions {
		mv += pos.MarketValue
		net += pos.Qty * pos.CurrentPrice
	}
	return Account{Cash: cash, Equity: cash + net, MarketValue: mv, BuyingPower: cash}, nil
}

func (p *PaperBroker) marks(ctx context.Context, symbols []string) map[string]float64 {
	out := map[string]float64{}
	if len(symbols) == 0 {
		return out
	}
	quotes, err := p.quotes.GetQuotes(ctx, symbols)
	if err != nil {
		return out
	}
	for s, q := range quotes {
		out[NormalizeSymbol(s)] = q.Last
	}
	return out
}

// fillPrice takes the touch on the aggressive side, then applies slippage.
func fillPrice(q *Quote, side Side, slippageBps float64) float64 {
	price := q.Last
	if side == SideBuy && q.Ask > 0 {
		price = q.Ask
	} else if side == SideSell && q.Bid > 0 {
		price = q.Bid
	}
	mult := 1.0 + slippageBps/10000.0
	if side == SideBuy {
		price *= mult
	} else {
		price /= mult
	}
	return roundToTick(price, getTickSize(price))
}

// getTickSize returns appropriate tick size for price level
func getTickSize(price float64) float64 {
	if price >= 1.00 {
		return 0.01
	}
	return 0.0001
}

func roundToTick(price, tickSize float64) float64 {
	return math.Round(price/tickSize) * tickSize
}
