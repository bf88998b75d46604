package events

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// TradeExecuted is published once per successful order submission.
type TradeExecuted struct {
	Type          string            `json:"type"` // always "trade_executed"
	OrderID       string            `json:"order_id"`
	ClientOrderID string            `json:"client_order_id"`
	Symbol        string            `json:"symbol"`
	Side          string            `json:"side"`
	Qty           float64           `json:"qty"`
	Price         float64           `json:"price"`
	StrategyID    string            `json:"strategy_id,omitempty"`
	Confidence    float64           `json:"confidence,omitempty"`
	IsDiamond     bool              `json:"is_diamond,omitempty"`
	IsExit        bool              `json:"is_exit,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Coordination  map[string]string `json:"coordination,omitempty"`
}

const TypeTradeExecuted = "trade_executed"

// Publisher is what the executor needs from the bus.
type Publisher interface {
	Publish(ev TradeExecuted)
}

// Bus fans trade events out to subscribers. Delivery is at most once: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	clients map[int]chan TradeExecuted
}

func NewBus() *Bus {
	return &Bus{clients: make(map[int]chan TradeExecuted)}
}

// Subscribe registers a subscriber with the given buffer. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan TradeExecuted, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan TradeExecuted, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.clients[id] = ch
	n := len(b.clients)
	b.mu.Unlock()
	observ.SetGauge("trade_event_subscribers", float64(n), nil)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, id)
			n := len(b.clients)
			b.mu.Unlock()
			close(ch)
			observ.SetGauge("trade_event_subscribers", float64(n), nil)
		})
	}
}

// Publish never blocks.
func (b *Bus) Publish(ev TradeExecuted) {
	if ev.Type == "" {
		ev.Type = TypeTradeExecuted
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.clients {
		select {
		case ch <- ev:
			observ.IncCounter("trade_events_published_total", nil)
		default:
			observ.IncCounter("trade_events_dropped_total", nil)
			observ.Warn("trade_event_dropped", map[string]any{"subscriber": id, "symbol": ev.Symbol})
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
