package adapters

import (
	"context"
	"net/http"
	"net/url"
)

// HTTPGateway is the client for the internal service gateway that fronts
// the scanners, the scoring brain and the performance tracker.
type HTTPGateway struct {
	rc *restClient
}

func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	return &HTTPGateway{rc: newRestClient("gateway", cfg)}
}

type wireScan struct {
	Results []ScanResult `json:"results"`
}

func (g *HTTPGateway) Scan(ctx context.Context, list string) ([]ScanResult, error) {
	var raw wireScan
	if _, err := g.rc.do(ctx, "scan_"+list, http.MethodGet, "/scanner/"+url.PathEscape(list), nil, &raw); err != nil {
		return nil, err
	}
	for i := range raw.Results {
		raw.Results[i].Symbol = NormalizeSymbol(raw.Results[i].Symbol)
	}
	return raw.Results, nil
}

// Score returns (nil, nil) when the brain answers 204 or an empty side.
func (g *HTTPGateway) Score(ctx context.Context, req ScoreRequest) (*ScoreDecision, error) {
	var dec ScoreDecision
	resp, err := g.rc.do(ctx, "score", http.MethodPost, "/brain/score", req, &dec)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent || dec.Side == "" {
		return nil, nil
	}
	return &dec, nil
}

type wireStrategies struct {
	Strategies []StrategyPerformance `json:"strategies"`
}

type wirePortfolioPerf struct {
	PnLPct float64 `json:"pnl_pct"`
}

func (g *HTTPGateway) StrategyPerformance(ctx context.Context) ([]StrategyPerformance, error) {
	var raw wireStrategies
	if _, err := g.rc.do(ctx, "strategy_performance", http.MethodGet, "/strategies/performance", nil, &raw); err != nil {
		return nil, err
	}
	return raw.Strategies, nil
}

func (g *HTTPGateway) PortfolioPnLPct(ctx context.Context) (float64, error) {
	var raw wirePortfolioPerf
	if _, err := g.rc.do(ctx, "portfolio_performance", http.MethodGet, "/portfolio/performance", nil, &raw); err != nil {
		return 0, err
	}
	return raw.PnLPct, nil
}
