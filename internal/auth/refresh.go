// Package auth renews expired access tokens and tears the session down when
// renewal is impossible.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	perrors "github.com/p-blackswan/dashsync/internal/errors"
	"github.com/p-blackswan/dashsync/internal/metrics"
	"github.com/p-blackswan/dashsync/pkg/tokenstore"
)

// RefreshEndpoint is the backend path that exchanges a refresh token for a
// new access token.
const RefreshEndpoint = "/auth/refresh-token"

const flightKey = "refresh"

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Navigator moves the UI to another view. A nil Navigator means there is no
// interactive surface to redirect.
type Navigator interface {
	CurrentPath() string
	Navigate(path string)
}

// CacheClearer is the part of the response cache the coordinator needs.
type CacheClearer interface {
	Clear()
}

// Config wires a Coordinator to its collaborators.
type Config struct {
	BaseURL    string
	LoginPath  string
	HTTPClient HTTPClient
	Store      tokenstore.Store
	Cache      CacheClearer
	Navigator  Navigator
	Metrics    *metrics.Metrics
}

// Coordinator performs single-flight access token renewal. However many
// callers ask for a refresh at once, one request reaches the backend and every
// caller receives its result.
type Coordinator struct {
	baseURL    string
	loginPath  string
	httpClient HTTPClient
	store      tokenstore.Store
	cache      CacheClearer
	nav        Navigator
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	group      singleflight.Group
	refreshing atomic.Bool
	calls      atomic.Int64
}

// NewCoordinator creates a refresh coordinator.
func NewCoordinator(cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	return &Coordinator{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		loginPath:  cfg.LoginPath,
		httpClient: cfg.HTTPClient,
		store:      cfg.Store,
		cache:      cfg.Cache,
		nav:        cfg.Navigator,
		metrics:    cfg.Metrics,
		logger:     logger.With().Str("component", "auth").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Coordinator) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// IsRefreshing reports whether a refresh is in flight.
func (c *Coordinator) IsRefreshing() bool {
	return c.refreshing.Load()
}

// Calls returns how many refresh requests were sent to the backend.
func (c *Coordinator) Calls() int64 {
	return c.calls.Load()
}

// Refresh returns a renewed access token. Concurrent callers share one
// in-flight renewal; each returns only after the new token is persisted.
//
// On failure the session is torn down (credentials and cache cleared, login
// view requested) exactly once per flight, and the returned error wraps
// ErrSessionExpired. Cancelling ctx abandons the wait but not the renewal.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		c.refreshing.Store(true)
		defer c.refreshing.Store(false)
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	pair, err := c.store.Tokens(ctx)
	if err != nil {
		return "", c.fail(ctx, fmt.Errorf("reading refresh token: %w", err))
	}
	if pair.RefreshToken == "" {
		return "", c.fail(ctx, errors.New("no refresh token"))
	}

	c.calls.Add(1)
	data, err := c.exchange(ctx, pair.RefreshToken)
	if err != nil {
		return "", c.fail(ctx, err)
	}

	if data.RefreshToken != "" {
		err = c.store.SetTokens(ctx, tokenstore.TokenPair{AccessToken: data.AccessToken, RefreshToken: data.RefreshToken})
	} else {
		err = c.store.SetAccessToken(ctx, data.AccessToken)
	}
	if err != nil {
		return "", c.fail(ctx, fmt.Errorf("persisting renewed token: %w", err))
	}

	c.metrics.RecordRefresh("success")
	c.logger.Debug().Bool("rotated", data.RefreshToken != "").Msg("access token renewed")
	return data.AccessToken, nil
}

type refreshData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type refreshEnvelope struct {
	Success bool         `json:"success"`
	Data    *refreshData `json:"data"`
	Message string       `json:"message"`
}

func (c *Coordinator) exchange(ctx context.Context, refreshToken string) (*refreshData, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encoding refresh body: %w", err)
	}

	url := c.baseURL + RefreshEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, perrors.Unreachable(c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, perrors.Unreachable(c.baseURL, err)
	}

	var env refreshEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, perrors.NewAPIError("auth", resp.StatusCode, "")
		}
		return nil, perrors.Malformed(url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		return nil, perrors.NewAPIError("auth", resp.StatusCode, env.Message)
	}
	if env.Data == nil || env.Data.AccessToken == "" {
		return nil, perrors.Malformed(url, errors.New("missing data.accessToken"))
	}
	return env.Data, nil
}

func (c *Coordinator) fail(ctx context.Context, cause error) error {
	c.metrics.RecordRefresh("failure")
	c.logger.Warn().Err(cause).Msg("token refresh failed, ending session")
	c.Expire(ctx)
	return fmt.Errorf("%w: %w", perrors.ErrSessionExpired, cause)
}

// Expire clears credentials and cached responses together, then requests the
// login view unless it is already showing.
func (c *Coordinator) Expire(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to clear credentials")
	}
	if c.cache != nil {
		c.cache.Clear()
	}
	if c.nav != nil && c.nav.CurrentPath() != c.loginPath {
		c.nav.Navigate(c.loginPath)
	}
}
