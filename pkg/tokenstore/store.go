// Package tokenstore persists the bearer token pair and the cached user profile.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("credential not found")

// Durable storage keys.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

var allKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser}

// TokenPair is the bearer credential pair. The access token is short-lived,
// the refresh token long-lived.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// UserProfile is the signed-in user, kept next to the tokens so a UI can
// rehydrate before any network round-trip completes.
type UserProfile struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Role       string `json:"role"`
	IsVerified bool   `json:"isVerified"`
	Phone      string `json:"phone,omitempty"`
	Company    string `json:"company,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Language   string `json:"language,omitempty"`
}

// KV is the durable key/value backend behind a Credentials store.
type KV interface {
	// Get returns ErrNotFound for absent keys.
	Get(ctx context.Context, key string) (string, error)
	// SetMany writes all pairs atomically.
	SetMany(ctx context.Context, values map[string]string) error
	// Delete removes keys atomically. Absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// Store defines the credential operations used by the session layer.
type Store interface {
	Tokens(ctx context.Context) (TokenPair, error)
	SetTokens(ctx context.Context, pair TokenPair) error
	SetAccessToken(ctx context.Context, token string) error
	User(ctx context.Context) (*UserProfile, error)
	SetUser(ctx context.Context, user *UserProfile) error
	SetSession(ctx context.Context, pair TokenPair, user *UserProfile) error
	Clear(ctx context.Context) error
}

// Credentials implements Store on top of a KV backend.
type Credentials struct {
	kv KV
}

// New creates a credential store backed by kv.
func New(kv KV) *Credentials {
	return &Credentials{kv: kv}
}

// NewInMemory is New(NewMemoryStore()).
func NewInMemory() *Credentials {
	return New(NewMemoryStore())
}

// Tokens returns the stored pair. Absent tokens come back as empty strings.
func (c *Credentials) Tokens(ctx context.Context) (TokenPair, error) {
	access, err := c.optional(ctx, KeyAccessToken)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := c.optional(ctx, KeyRefreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// SetTokens persists both tokens together.
func (c *Credentials) SetTokens(ctx context.Context, pair TokenPair) error {
	if err := c.kv.SetMany(ctx, map[string]string{
		KeyAccessToken:  pair.AccessToken,
		KeyRefreshToken: pair.RefreshToken,
	}); err != nil {
		return fmt.Errorf("saving tokens: %w", err)
	}
	return nil
}

// SetAccessToken swaps the access token in place after a silent renewal.
func (c *Credentials) SetAccessToken(ctx context.Context, token string) error {
	if err := c.kv.SetMany(ctx, map[string]string{KeyAccessToken: token}); err != nil {
		return fmt.Errorf("saving access token: %w", err)
	}
	return nil
}

// User returns the cached profile or ErrNotFound.
func (c *Credentials) User(ctx context.Context) (*UserProfile, error) {
	raw, err := c.kv.Get(ctx, KeyUser)
	if err != nil {
		return nil, err
	}
	var u UserProfile
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decoding stored user: %w", err)
	}
	return &u, nil
}

// SetUser caches the profile as JSON.
func (c *Credentials) SetUser(ctx context.Context, user *UserProfile) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	if err := c.kv.SetMany(ctx, map[string]string{KeyUser: string(raw)}); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

// SetSession replaces whatever session was stored with a fresh login: both
// tokens and the profile. A nil user leaves no profile behind.
func (c *Credentials) SetSession(ctx context.Context, pair TokenPair, user *UserProfile) error {
	if err := c.kv.Delete(ctx, allKeys...); err != nil {
		return fmt.Errorf("clearing previous session: %w", err)
	}
	values := map[string]string{
		KeyAccessToken:  pair.AccessToken,
		KeyRefreshToken: pair.RefreshToken,
	}
	if user != nil {
		raw, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("encoding user: %w", err)
		}
		values[KeyUser] = string(raw)
	}
	if err := c.kv.SetMany(ctx, values); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Clear removes tokens and profile together.
func (c *Credentials) Clear(ctx context.Context) error {
	if err := c.kv.Delete(ctx, allKeys...); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	return nil
}

func (c *Credentials) optional(ctx context.Context, key string) (string, error) {
	v, err := c.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return v, nil
}
