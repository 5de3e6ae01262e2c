package venue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"golang.org/x/time/rate"

	"github.com/atmx/reconciler/internal/metrics"
	"github.com/atmx/reconciler/internal/model"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultHistoryTimeout = 2 * time.Minute
	DefaultRateLimit      = 10 // requests per second

	maxBodyBytes = 32 << 20
)

// Venue proxy endpoints.
const (
	pathFills      = "/aster/history/trades"
	pathOrders     = "/aster/history/orders"
	pathPositions  = "/aster/positions"
	pathOpenOrders = "/aster/orders/open"
	pathBalance    = "/aster/portfolio/value"
)

// HTTPClient implements Client against the venue's REST proxy.
type HTTPClient struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	limiter        *rate.Limiter
	timeout        time.Duration
	historyTimeout time.Duration
}

// Option configures the client.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithRateLimit sets the request rate in requests per second.
func WithRateLimit(requestsPerSecond int) Option {
	return func(c *HTTPClient) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithTimeouts sets the per-call timeout for cheap calls and for the
// paginated history calls.
func WithTimeouts(call, history time.Duration) Option {
	return func(c *HTTPClient) {
		if call > 0 {
			c.timeout = call
		}
		if history > 0 {
			c.historyTimeout = history
		}
	}
}

// NewHTTPClient creates a client for the account behind creds.
func NewHTTPClient(creds model.Credentials, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:        strings.TrimRight(creds.BaseURL, "/"),
		apiKey:         creds.APIKey,
		httpClient:     &http.Client{},
		limiter:        rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		timeout:        DefaultTimeout,
		historyTimeout: DefaultHistoryTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetFills implements Client.
func (c *HTTPClient) GetFills(ctx context.Context, symbol string, fromID *int64, limit int) ([]model.Fill, error) {
	data, typ, err := c.get(ctx, "fills", pathFills, historyParams(symbol, fromID, limit), c.historyTimeout)
	if err != nil {
		return nil, err
	}
	return decodeFills(data, typ, symbol), nil
}

// GetOrderEvents implements Client.
func (c *HTTPClient) GetOrderEvents(ctx context.Context, symbol string, fromID *int64, limit int) ([]model.OrderEvent, error) {
	data, typ, err := c.get(ctx, "orders", pathOrders, historyParams(symbol, fromID, limit), c.historyTimeout)
	if err != nil {
		return nil, err
	}
	return decodeOrderEvents(data, typ, symbol), nil
}

// GetPositions implements Client.
func (c *HTTPClient) GetPositions(ctx context.Context, symbol string) ([]model.LivePosition, error) {
	data, typ, err := c.get(ctx, "positions", pathPositions, symbolParams(symbol), c.timeout)
	if err != nil {
		return nil, err
	}
	return decodePositions(data, typ), nil
}

// GetOpenOrders implements Client.
func (c *HTTPClient) GetOpenOrders(ctx context.Context, symbol string) ([]model.RestingOrder, error) {
	data, typ, err := c.get(ctx, "open_orders", pathOpenOrders, symbolParams(symbol), c.timeout)
	if err != nil {
		return nil, err
	}
	return decodeOpenOrders(data, typ), nil
}

// GetBalance implements Client.
func (c *HTTPClient) GetBalance(ctx context.Context) (model.Balance, error) {
	data, typ, err := c.get(ctx, "balance", pathBalance, nil, c.timeout)
	if err != nil {
		return model.Balance{}, err
	}
	return decodeBalance(data, typ), nil
}

// get performs one rate-limited GET bounded by timeout and returns the
// envelope's data member. Every failure is wrapped in ErrUnavailable.
func (c *HTTPClient) get(ctx context.Context, endpoint, path string, params url.Values, timeout time.Duration) ([]byte, jsonparser.ValueType, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := "ok"
	defer func() {
		metrics.VenueRequestDuration.WithLabelValues(endpoint, result).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		result = "error"
		return nil, jsonparser.NotExist, fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		result = "error"
		return nil, jsonparser.NotExist, fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	slog.Debug("venue request", "endpoint", endpoint, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result = "error"
		return nil, jsonparser.NotExist, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		result = "error"
		return nil, jsonparser.NotExist, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result = "error"
		return nil, jsonparser.NotExist, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   path,
		}
	}

	data, typ, err := unwrapEnvelope(body, path)
	if err != nil {
		result = "error"
		return nil, jsonparser.NotExist, err
	}
	return data, typ, nil
}

func historyParams(symbol string, fromID *int64, limit int) url.Values {
	params := url.Values{}
	params.Set("symbol", symbol)
	if fromID != nil {
		params.Set("fromId", strconv.FormatInt(*fromID, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return params
}

func symbolParams(symbol string) url.Values {
	if symbol == "" {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	return params
}
