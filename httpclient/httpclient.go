// Package httpclient is the pooled, circuit-broken HTTP client shared by
// the execution worker and the load-run orchestrator for outbound webhook
// calls, built around clients.CircuitBreaker and a single-purpose
// Request/Response pair.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"oss.nandlabs.io/hookforge/clients"
	"oss.nandlabs.io/hookforge/model"
	"oss.nandlabs.io/hookforge/pool"
)

// Request is one outbound webhook call.
type Request struct {
	Method      model.HTTPMethod
	URL         string
	Headers     map[string]string
	QueryParams map[string]string
	Body        string
	ContentType string
}

// Response is the observed result of a Request.
type Response struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Client executes webhook Requests over a pooled *http.Client, guarded by
// a shared circuit breaker.
type Client struct {
	pool    pool.Pool[*http.Client]
	breaker *clients.CircuitBreaker
}

// Config configures a Client.
type Config struct {
	PoolMin, PoolMax int
	PoolMaxWaitSecs  int
	Breaker          *clients.BreakerInfo
}

// DefaultConfig returns sane pool and circuit-breaker defaults.
func DefaultConfig() Config {
	return Config{PoolMin: 0, PoolMax: 16, PoolMaxWaitSecs: 5}
}

// New constructs a Client backed by a pool of *http.Client instances.
func New(cfg Config) (*Client, error) {
	p, err := pool.NewPool[*http.Client](
		func() (*http.Client, error) {
			return &http.Client{}, nil
		},
		func(*http.Client) error { return nil },
		cfg.PoolMin, cfg.PoolMax, cfg.PoolMaxWaitSecs,
	)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	return &Client{
		pool:    p,
		breaker: clients.NewCircuitBreaker(cfg.Breaker),
	}, nil
}

// Close releases pooled connections.
func (c *Client) Close() error {
	return c.pool.Close()
}

// Execute performs one webhook call, honoring the circuit breaker. The
// client sets no timeout of its own; the call is bounded only by ctx's
// deadline, which the caller supplies. It does not retry internally; the
// execution worker owns retry scheduling (spec.md §4.F) because a retry
// there is a new, separately persisted JobExecution row.
func (c *Client) Execute(ctx context.Context, req Request) (Response, error) {
	if err := c.breaker.CanExecute(); err != nil {
		return Response{}, err
	}

	httpClient, err := c.pool.Checkout()
	if err != nil {
		c.breaker.OnExecution(false)
		return Response{}, err
	}
	defer c.pool.Checkin(httpClient)

	httpReq, err := buildRequest(ctx, req)
	if err != nil {
		c.breaker.OnExecution(false)
		return Response{}, err
	}

	start := time.Now()
	resp, err := httpClient.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		c.breaker.OnExecution(false)
		return Response{Duration: duration}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, model.MaxTruncatedBodyBytes))
	success := model.IsSuccessStatus(resp.StatusCode)
	c.breaker.OnExecution(success)

	return Response{
		StatusCode: resp.StatusCode,
		Body:       model.Truncate(string(body), model.MaxTruncatedBodyBytes),
		Duration:   duration,
	}, nil
}

func buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if len(req.QueryParams) > 0 {
		q := target.Query()
		for k, v := range req.QueryParams {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	method := string(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewBufferString(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.Body != "" {
		httpReq.Header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}
	return httpReq, nil
}
