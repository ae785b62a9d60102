package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	perrors "github.com/p-blackswan/dashsync/internal/errors"
	"github.com/p-blackswan/dashsync/pkg/tokenstore"
)

// Session endpoints.
const (
	LoginEndpoint    = "/auth/login"
	RegisterEndpoint = "/auth/register"
	LogoutEndpoint   = "/auth/logout"
)

// RegisterRequest is the sign-up payload.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Company   string `json:"company,omitempty"`
}

type sessionData struct {
	User         *tokenstore.UserProfile `json:"user"`
	AccessToken  string                  `json:"accessToken"`
	RefreshToken string                  `json:"refreshToken"`
}

// Login authenticates with email and password and stores the new session.
func (c *Client) Login(ctx context.Context, email, password string) (*tokenstore.UserProfile, error) {
	return c.startSession(ctx, LoginEndpoint, map[string]string{"email": email, "password": password})
}

// Register creates an account and stores the new session.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*tokenstore.UserProfile, error) {
	return c.startSession(ctx, RegisterEndpoint, req)
}

func (c *Client) startSession(ctx context.Context, endpoint string, body any) (*tokenstore.UserProfile, error) {
	env, err := c.Request(ctx, endpoint, RequestOptions{Method: http.MethodPost, Body: body}, false)
	if err != nil {
		return nil, err
	}

	var data sessionData
	if err := env.Decode(&data); err != nil {
		return nil, err
	}
	if data.AccessToken == "" || data.RefreshToken == "" {
		return nil, fmt.Errorf("%w: session response without tokens", perrors.ErrMalformedResponse)
	}

	// Cached reads belong to whoever was signed in before.
	if c.cache != nil {
		c.cache.Clear()
	}
	pair := tokenstore.TokenPair{AccessToken: data.AccessToken, RefreshToken: data.RefreshToken}
	if err := c.store.SetSession(ctx, pair, data.User); err != nil {
		return nil, err
	}

	if data.User != nil {
		c.logger.Info().Str("user_id", data.User.ID).Str("endpoint", endpoint).Msg("session started")
	}
	return data.User, nil
}

// Logout tells the backend to revoke the refresh token, then clears the
// credentials and the response cache together whatever the backend said.
func (c *Client) Logout(ctx context.Context) error {
	pair, err := c.store.Tokens(ctx)
	if err == nil && pair.RefreshToken != "" {
		_, err := c.Request(ctx, LogoutEndpoint, RequestOptions{
			Method: http.MethodPost,
			Body:   map[string]string{"refreshToken": pair.RefreshToken},
		}, false)
		if err != nil {
			c.logger.Debug().Err(err).Msg("backend logout failed, clearing local session anyway")
		}
	}

	if c.cache != nil {
		c.cache.Clear()
	}
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info().Msg("session ended")
	return nil
}

// CurrentUser returns the persisted profile, or nil when signed out. It never
// touches the network.
func (c *Client) CurrentUser(ctx context.Context) (*tokenstore.UserProfile, error) {
	u, err := c.store.User(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil, nil
	}
	return u, err
}

// IsAuthenticated reports whether an access token is stored.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	pair, err := c.store.Tokens(ctx)
	return err == nil && pair.AccessToken != ""
}
