package adapters

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPQuotes fetches batched quotes from a REST market data endpoint.
type HTTPQuotes struct {
	rc *restClient
}

func NewHTTPQuotes(cfg HTTPConfig) *HTTPQuotes {
	return &HTTPQuotes{rc: newRestClient("quotes", cfg)}
}

type wireQuote struct {
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    int64           `json:"volume"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Timestamp time.Time       `json:"timestamp"`
}

type wireQuotes struct {
	Quotes map[string]wireQuote `json:"quotes"`
}

func (q *HTTPQuotes) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = NormalizeSymbol(symbol)
	quotes, err := q.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	quote, ok := quotes[symbol]
	if !ok {
		return nil, NewBadSymbolError(symbol, "no quote returned")
	}
	return quote, nil
}

// GetQuotes returns valid quotes only; invalid entries are dropped.
func (q *HTTPQuotes) GetQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	if len(symbols) == 0 {
		return map[string]*Quote{}, nil
	}
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm = append(norm, NormalizeSymbol(s))
	}

	var raw wireQuotes
	path := "/v2/quotes?symbols=" + url.QueryEscape(strings.Join(norm, ","))
	if _, err := q.rc.do(ctx, "quotes", http.MethodGet, path, nil, &raw); err != nil {
		return nil, NewProviderError(strings.Join(norm, ","), "quote request failed", err)
	}

	out := make(map[string]*Quote, len(raw.Quotes))
	for sym, w := range raw.Quotes {
		quote := &Quote{
			Symbol:    sym,
			Bid:       w.Bid.InexactFloat64(),
			Ask:       w.Ask.InexactFloat64(),
			Last:      w.Last.InexactFloat64(),
			Volume:    w.Volume,
			ChangePct: w.ChangePct.InexactFloat64(),
			Timestamp: w.Timestamp,
			Source:    "http",
		}
		if err := ValidateQuote(quote); err != nil {
			continue
		}
		out[quote.Symbol] = quote
	}
	return out, nil
}
