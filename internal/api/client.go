// Package api is the authenticated request executor: it attaches the bearer
// token, serves and fills the response cache for reads, and renews the
// session once on a 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dashsync/internal/auth"
	"github.com/p-blackswan/dashsync/internal/cache"
	perrors "github.com/p-blackswan/dashsync/internal/errors"
	"github.com/p-blackswan/dashsync/internal/metrics"
	"github.com/p-blackswan/dashsync/internal/requestid"
	"github.com/p-blackswan/dashsync/internal/retry"
	"github.com/p-blackswan/dashsync/pkg/tokenstore"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResponseCache is the subset of the response cache used by the client.
type ResponseCache interface {
	Get(key string) (json.RawMessage, bool)
	Set(key string, value json.RawMessage, ttl time.Duration)
	Clear()
}

// Refresher renews the access token and ends the session when it cannot.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
	Expire(ctx context.Context)
}

// Options wires a Client to its collaborators.
type Options struct {
	BaseURL     string
	HTTPClient  HTTPClient
	Store       tokenstore.Store
	Cache       ResponseCache
	Refresher   Refresher
	Retry       retry.Config
	RefreshSkew time.Duration
	Metrics     *metrics.Metrics
}

// Client performs backend calls on behalf of the signed-in user.
type Client struct {
	baseURL     string
	httpClient  HTTPClient
	store       tokenstore.Store
	cache       ResponseCache
	refresher   Refresher
	retry       retry.Config
	refreshSkew time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// NewClient creates a new backend client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	c := &Client{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient:  opts.HTTPClient,
		store:       opts.Store,
		cache:       opts.Cache,
		refresher:   opts.Refresher,
		retry:       opts.Retry,
		refreshSkew: opts.RefreshSkew,
		metrics:     opts.Metrics,
		logger:      logger.With().Str("component", "api").Logger(),
		now:         time.Now,
	}
	c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying read")
	}
	return c
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestOptions describes a single backend call.
type RequestOptions struct {
	Method string
	Body   any
	Header http.Header
}

type getConfig struct {
	useCache bool
	ttl      time.Duration
}

// GetOption tunes a cached read.
type GetOption func(*getConfig)

// WithoutCache skips the cache lookup. A successful response still refreshes
// the cached entry.
func WithoutCache() GetOption {
	return func(g *getConfig) { g.useCache = false }
}

// WithTTL overrides the cache TTL for the stored response.
func WithTTL(ttl time.Duration) GetOption {
	return func(g *getConfig) { g.ttl = ttl }
}

// Get reads endpoint, serving it from the cache when a live entry exists.
func (c *Client) Get(ctx context.Context, endpoint string, opts ...GetOption) (json.RawMessage, error) {
	cfg := getConfig{useCache: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	key := cache.Key(endpoint)
	if cfg.useCache && c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
	}

	var env *Envelope
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		var err error
		env, err = c.Request(ctx, endpoint, RequestOptions{Method: http.MethodGet}, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Set(key, env.Data, cfg.ttl)
	}
	return env.Data, nil
}

// GetInto is Get followed by decoding the payload into out.
func (c *Client) GetInto(ctx context.Context, endpoint string, out any, opts ...GetOption) error {
	data, err := c.Get(ctx, endpoint, opts...)
	if err != nil {
		return err
	}
	return (&Envelope{Data: data}).Decode(out)
}

// Post, Put, Patch and Delete always hit the network and never touch the
// cache. Invalidating the reads a mutation affects is the caller's job.

func (c *Client) Post(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	return c.mutate(ctx, http.MethodPost, endpoint, body)
}

func (c *Client) Put(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	return c.mutate(ctx, http.MethodPut, endpoint, body)
}

func (c *Client) Patch(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	return c.mutate(ctx, http.MethodPatch, endpoint, body)
}

func (c *Client) Delete(ctx context.Context, endpoint string) (json.RawMessage, error) {
	return c.mutate(ctx, http.MethodDelete, endpoint, nil)
}

func (c *Client) mutate(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	env, err := c.Request(ctx, endpoint, RequestOptions{Method: method, Body: body}, true)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Request performs one backend call. On a 401 with retryOn401 set (and outside
// the refresh endpoint itself) it renews the access token through the
// Refresher and repeats the identical request exactly once.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions, retryOn401 bool) (*Envelope, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	ctx = requestid.WithRequestID(ctx, requestid.FromContext(ctx))

	var body []byte
	if opts.Body != nil {
		var err error
		if body, err = json.Marshal(opts.Body); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	pair, err := c.store.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	token := pair.AccessToken
	renewable := retryOn401 && !isRefreshEndpoint(endpoint) && c.refresher != nil

	if renewable && pair.RefreshToken != "" && auth.ExpiresWithin(token, c.refreshSkew, c.now()) {
		if token, err = c.refresher.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	status, raw, err := c.send(ctx, opts, endpoint, body, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && renewable {
		retryToken, err := c.renew(ctx, token)
		if err != nil {
			return nil, err
		}
		c.logger.Debug().Str("endpoint", endpoint).Msg("retrying request with renewed token")
		if status, raw, err = c.send(ctx, opts, endpoint, body, retryToken); err != nil {
			return nil, err
		}
	}

	return c.decode(endpoint, status, raw)
}

// renew returns the token to retry a 401 with. If another caller already
// replaced the token this request was sent with, that token is reused
// instead of starting a second refresh.
func (c *Client) renew(ctx context.Context, sent string) (string, error) {
	pair, err := c.store.Tokens(ctx)
	if err != nil {
		return "", fmt.Errorf("reading credentials: %w", err)
	}
	if pair.AccessToken != "" && pair.AccessToken != sent {
		return pair.AccessToken, nil
	}
	if pair.RefreshToken == "" {
		c.refresher.Expire(ctx)
		return "", perrors.ErrSessionExpired
	}
	return c.refresher.Refresh(ctx)
}

func (c *Client) send(ctx context.Context, opts RequestOptions, endpoint string, body []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	reqID := requestid.Apply(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRequest(opts.Method, "error", time.Since(start).Seconds())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, perrors.Unreachable(c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	c.metrics.RecordRequest(opts.Method, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		return 0, nil, perrors.Unreachable(c.baseURL, err)
	}

	c.logger.Trace().
		Str("method", opts.Method).
		Str("endpoint", endpoint).
		Str("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend request")
	return resp.StatusCode, raw, nil
}

func (c *Client) decode(endpoint string, status int, raw []byte) (*Envelope, error) {
	ok := status >= 200 && status < 300

	if len(bytes.TrimSpace(raw)) == 0 {
		if ok {
			return &Envelope{Success: true}, nil
		}
		return nil, (&Envelope{}).applicationError(status)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		malformed := perrors.Malformed(c.baseURL+endpoint, err)
		if ok {
			return nil, malformed
		}
		apiErr := (&Envelope{}).applicationError(status)
		apiErr.Err = malformed
		return nil, apiErr
	}

	if !ok || !env.Success {
		return nil, env.applicationError(status)
	}
	return &env, nil
}

func isRefreshEndpoint(endpoint string) bool {
	return cache.PathOf(endpoint) == auth.RefreshEndpoint
}

// IsSessionExpired reports whether err ended the session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, perrors.ErrSessionExpired)
}
