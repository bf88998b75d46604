package adapters

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// HTTPConfig configures a REST collaborator client.
type HTTPConfig struct {
	BaseURL     string `yaml:"base_url"`
	KeyID       string `yaml:"key_id"`
	Secret      string `yaml:"secret"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	RateLimitPS int    `yaml:"rate_limit_per_second"`
	Retries     int    `yaml:"retries"`
}

// DefaultHTTPConfig mirrors the conservative provider defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		TimeoutMs:   5000,
		RateLimitPS: 5,
		Retries:     2,
	}
}

// restClient wraps resty with a token bucket and BrokerError mapping.
type restClient struct {
	name    string
	client  *resty.Client
	limiter *rate.Limiter
}

func newRestClient(name string, cfg HTTPConfig) *restClient {
	def := DefaultHTTPConfig()
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = def.TimeoutMs
	}
	if cfg.RateLimitPS <= 0 {
		cfg.RateLimitPS = def.RateLimitPS
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	c := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "autotrader/"+observ.Version()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if s := resp.Header().Get("Retry-After"); s != "" {
					if secs, err := strconv.Atoi(s); err == nil {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			return 0, nil
		})

	if cfg.KeyID != "" {
		c.SetHeader("APCA-API-KEY-ID", cfg.KeyID)
	}
	if cfg.Secret != "" {
		c.SetHeader("APCA-API-SECRET-KEY", cfg.Secret)
	}

	// Burst of 1 keeps requests evenly spaced
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitPS), 1)

	return &restClient{name: name, client: c, limiter: limiter}
}

// do executes one request. out may be nil. A non-2xx response becomes a
// *BrokerError; transport failures are wrapped with the operation name.
func (c *restClient) do(ctx context.Context, op, method, path string, body any, out any) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrapf(err, "%s: rate limiter", op)
	}

	start := time.Now()
	req := c.client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}

	resp, err := req.Execute(method, path)
	labels := map[string]string{"client": c.name, "op": op}
	observ.RecordDuration("collaborator_request", time.Since(start), labels)
	if err != nil {
		observ.IncCounter("collaborator_errors_total", labels)
		return nil, &BrokerError{Op: op, Cause: errors.Wrapf(err, "%s %s", method, path)}
	}
	if resp.IsError() {
		observ.IncCounter("collaborator_errors_total", labels)
		return resp, &BrokerError{Op: op, StatusCode: resp.StatusCode(), Body: truncate(string(resp.Body()), 512)}
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("...(%d bytes)", len(s)-n)
}
