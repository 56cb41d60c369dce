// Package extract implements the data extraction stage: calling a source's
// API per its connection profile (auth, pagination, optional two-step
// detail fetch) and recording every raw payload before transformation.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
)

// ClientOptions configures the source API client.
type ClientOptions struct {
	UserAgent string
	Timeout   time.Duration
	// DefaultRPS applies to sources that set no rate limit of their own.
	DefaultRPS float64
}

// Client issues single calls against source APIs. It applies the source's
// auth strategy, static headers/params, and a per-source rate limiter.
// Retry and circuit breaking live above it in the Agent.
type Client struct {
	http *http.Client
	opts ClientOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a source API client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "harvest-cli/1.0"
	}
	if opts.DefaultRPS <= 0 {
		opts.DefaultRPS = 5
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiterFor(src *model.Source) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[src.ID]; ok {
		return lim
	}
	rps := src.RateLimitRPS
	if rps <= 0 {
		rps = c.opts.DefaultRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	c.limiters[src.ID] = lim
	return lim
}

// CallResult is one raw API response plus request bookkeeping for the raw
// response cache.
type CallResult struct {
	Payload        any
	StatusCode     int
	Endpoint       string
	RequestDetails map[string]any
	Duration       time.Duration
}

// Call issues one request against the source. The endpoint defaults to the
// source's configured endpoint; extraParams are merged over the source's
// static query params (pagination and detail-id params come in this way).
// Non-2xx statuses return a typed *resilience.StatusError so classification
// never has to parse the message.
func (c *Client) Call(ctx context.Context, src *model.Source, endpoint string, extraParams map[string]string) (*CallResult, error) {
	if endpoint == "" {
		endpoint = src.APIEndpoint
	}
	if endpoint == "" {
		return nil, resilience.NewConfiguration("source has no endpoint configured", nil).
			WithContext("source", src.Slug)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, resilience.NewConfiguration("source endpoint is not a valid URL", err).
			WithContext("endpoint", endpoint)
	}

	q := u.Query()
	for k, v := range src.QueryParams {
		q.Set(k, v)
	}
	for k, v := range extraParams {
		q.Set(k, v)
	}
	if src.AuthType == model.AuthAPIKey && src.Auth.InQuery && src.Auth.KeyName != "" {
		q.Set(src.Auth.KeyName, src.Auth.KeyValue)
	}
	u.RawQuery = q.Encode()

	method := strings.ToUpper(src.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(src.RequestBody) > 0 && method != http.MethodGet {
		raw, merr := json.Marshal(src.RequestBody)
		if merr != nil {
			return nil, resilience.NewConfiguration("source request body is not serializable", merr)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, eris.Wrap(err, "extract: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	if err := applyAuth(req, src); err != nil {
		return nil, err
	}

	if err := c.limiterFor(src).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "extract: rate limiter wait")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: %s %s", method, u.Host)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &resilience.StatusError{
			Method:     method,
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Snippet:    string(snippet),
		}
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, eris.Wrapf(err, "extract: decode response from %s", u.Host)
	}

	return &CallResult{
		Payload:    payload,
		StatusCode: resp.StatusCode,
		Endpoint:   endpoint,
		RequestDetails: map[string]any{
			"method": method,
			"url":    u.String(),
			"params": extraParams,
		},
		Duration: time.Since(start),
	}, nil
}

func applyAuth(req *http.Request, src *model.Source) error {
	switch src.AuthType {
	case "", model.AuthNone:
		return nil
	case model.AuthBasic:
		if src.Auth.Username == "" {
			return resilience.NewConfiguration("basic auth configured without a username", nil).
				WithContext("source", src.Slug)
		}
		req.SetBasicAuth(src.Auth.Username, src.Auth.Password)
		return nil
	case model.AuthBearer:
		if src.Auth.Token == "" {
			return resilience.NewConfiguration("bearer auth configured without a token", nil).
				WithContext("source", src.Slug)
		}
		req.Header.Set("Authorization", "Bearer "+src.Auth.Token)
		return nil
	case model.AuthAPIKey:
		if src.Auth.KeyName == "" {
			return resilience.NewConfiguration("api_key auth configured without a key name", nil).
				WithContext("source", src.Slug)
		}
		if !src.Auth.InQuery {
			req.Header.Set(src.Auth.KeyName, src.Auth.KeyValue)
		}
		return nil
	default:
		return resilience.NewConfiguration("unknown auth type", nil).
			WithContext("auth_type", string(src.AuthType))
	}
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
// The HTTP-date form is rare on rate limiters and falls back to zero,
// which means the retry policy's own backoff applies.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
