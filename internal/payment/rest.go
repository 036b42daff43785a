package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RESTGateway talks to a Razorpay-style orders API:
// POST {base}/v1/orders with basic auth, body {amount, currency, receipt},
// response {id}.
type RESTGateway struct {
	baseURL string
	keyID   string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
}

type RESTOption func(*RESTGateway)

func WithHTTPClient(c *http.Client) RESTOption {
	return func(g *RESTGateway) { g.client = c }
}

// WithRateLimit bounds outbound calls; rps <= 0 leaves them unbounded.
func WithRateLimit(rps float64, burst int) RESTOption {
	return func(g *RESTGateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewRESTGateway(baseURL, keyID, secret string, timeout time.Duration, opts ...RESTOption) *RESTGateway {
	g := &RESTGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		keyID:   keyID,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

func (g *RESTGateway) CreateIntent(ctx context.Context, amount int64, currency, receipt string) (*Intent, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for gateway rate limit: %w", err)
		}
	}

	body, err := json.Marshal(createOrderRequest{Amount: amount, Currency: currency, Receipt: receipt})
	if err != nil {
		return nil, fmt.Errorf("marshal intent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build intent request: %w", err)
	}
	req.SetBasicAuth(g.keyID, g.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("payment gateway returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out createOrderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("payment gateway returned no order id")
	}

	return &Intent{ExternalOrderID: out.ID, Amount: amount, Currency: currency, Receipt: receipt}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
