// Package identity is a client for the authoritative identity service. It
// revalidates bearer tokens, performs password sign-in and keeps this
// origin's session in the shared store.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/shared"
)

// ErrInvalidCredentials is returned by SignIn when the service rejects the
// email and password.
var ErrInvalidCredentials = errors.New("invalid credentials")

const maxResponseBodySize = 1 << 20

// storedSession is what the client keeps under kv.IdentitySessionKey.
type storedSession struct {
	User    domain.User    `json:"user"`
	Session domain.Session `json:"session"`
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	User         domain.User `json:"user"`
}

// Client talks to the identity service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	store   kv.Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates an identity client. An empty baseURL leaves every remote
// call failing with shared.ErrRemoteUnavailable.
func NewClient(baseURL string, store kv.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// ValidateToken resolves the user owning token. It returns
// shared.ErrTokenInvalid when the service rejects the token.
func (c *Client) ValidateToken(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, shared.ErrTokenInvalid
	}
	resp, err := c.do(ctx, http.MethodGet, "/auth/v1/user", token, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, shared.ErrTokenInvalid
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("%w: identity service returned %d", shared.ErrRemoteUnavailable, resp.StatusCode)
	}

	var user domain.User
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return nil, shared.ErrTokenInvalid
	}
	return &user, nil
}

// CurrentSession returns the stored session after revalidating its token.
// It returns nil, nil when nobody is signed in on this origin.
func (c *Client) CurrentSession(ctx context.Context) (*domain.User, *domain.Session, error) {
	var stored storedSession
	ok, err := kv.GetJSON(c.store, kv.IdentitySessionKey, &stored)
	if err != nil {
		c.logger.Warn("discarding unreadable identity session", "error", err)
		c.forget()
		return nil, nil, nil
	}
	if !ok {
		return nil, nil, nil
	}
	if !stored.Session.ExpiresAt.IsZero() && !c.now().Before(stored.Session.ExpiresAt) {
		c.logger.Info("identity session expired", "user_id", stored.User.ID)
		c.forget()
		return nil, nil, nil
	}

	user, err := c.ValidateToken(ctx, stored.Session.AccessToken)
	if errors.Is(err, shared.ErrTokenInvalid) {
		c.logger.Info("identity session rejected", "user_id", stored.User.ID, "error", err)
		c.forget()
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	session := stored.Session
	return user, &session, nil
}

// SignIn exchanges email and password for a session and stores it.
func (c *Client) SignIn(ctx context.Context, email, password string) (*domain.User, *domain.Session, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, nil, fmt.Errorf("encode credentials: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body)
	if err != nil {
		return nil, nil, err
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, nil, ErrInvalidCredentials
	case resp.StatusCode/100 != 2:
		return nil, nil, fmt.Errorf("%w: identity service returned %d", shared.ErrRemoteUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&tok); err != nil {
		return nil, nil, fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" || tok.User.ID == "" {
		return nil, nil, fmt.Errorf("%w: incomplete token response", shared.ErrRemoteUnavailable)
	}

	session := domain.Session{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if tok.ExpiresIn > 0 {
		session.ExpiresAt = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if err := kv.SetJSON(c.store, kv.IdentitySessionKey, storedSession{User: tok.User, Session: session}); err != nil {
		return nil, nil, fmt.Errorf("store session: %w", err)
	}
	c.logger.Info("signed in", "user_id", tok.User.ID)

	user := tok.User
	return &user, &session, nil
}

// SignOut revokes the stored session remotely and always forgets it locally.
func (c *Client) SignOut(ctx context.Context) error {
	var stored storedSession
	ok, _ := kv.GetJSON(c.store, kv.IdentitySessionKey, &stored)
	c.forget()
	if !ok || stored.Session.AccessToken == "" {
		return nil
	}

	resp, err := c.do(ctx, http.MethodPost, "/auth/v1/logout", stored.Session.AccessToken, nil)
	if err != nil {
		c.logger.Warn("remote sign-out failed", "user_id", stored.User.ID, "error", err)
		return nil
	}
	drain(resp.Body)
	return nil
}

func (c *Client) forget() {
	if err := c.store.Delete(kv.IdentitySessionKey); err != nil {
		c.logger.Warn("failed to clear identity session", "error", err)
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, body []byte) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: identity service not configured", shared.ErrRemoteUnavailable)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrRemoteUnavailable, err)
	}
	return resp, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseBodySize))
	_ = body.Close()
}
