// Package client implements the companion request pipeline for the tasklane
// auth API: it attaches the cached access token to every outbound call,
// detects authorization failures, coordinates a single in-flight refresh
// across concurrent callers and retries each failed call exactly once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoSession indicates no signed-in session is cached on the device.
	ErrNoSession = errors.New("client: no active session")
	// ErrSessionExpired indicates the refresh token was rejected; the session
	// has been torn down and the user must sign in again.
	ErrSessionExpired = errors.New("client: session expired, sign in required")
)

// Config configures a Client.
type Config struct {
	// BaseURL of the tasklane API, e.g. "https://api.tasklane.dev".
	BaseURL string
	// HTTPClient is optional; http.DefaultClient semantics with a sane
	// timeout are used when nil.
	HTTPClient *http.Client
	// Cache holds the persisted session. Required.
	Cache Cache
}

// Client issues authenticated requests against the tasklane API. The refresh
// coordinator is owned by the Client instance: at most one refresh call is in
// flight per session regardless of how many concurrent requests observe a 401.
type Client struct {
	baseURL string
	http    *http.Client
	cache   Cache

	refreshGroup singleflight.Group
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("session cache is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: base,
		http:    httpClient,
		cache:   cfg.Cache,
	}, nil
}

// User is the profile payload returned by login and /v1/auth/me.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type loginPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// Login authenticates and stores the issued session in the cache.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("login failed: %s", errorMessage(resp))
	}
	var payload loginPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Session{}, fmt.Errorf("decode login response: %w", err)
	}
	sess := Session{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IdentityID:   payload.User.ID,
	}
	if err := c.cache.Save(sess); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Logout revokes the cached refresh token server-side and clears the local
// session. The local session is cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	sess, ok, err := c.cache.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() { _ = c.cache.Clear() }()

	body, err := json.Marshal(map[string]string{"refresh_token": sess.RefreshToken})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/logout", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearerPrefix+sess.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// Me fetches the authenticated profile through the resilient pipeline.
func (c *Client) Me(ctx context.Context) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/auth/me", nil)
	if err != nil {
		return User{}, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return User{}, err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return User{}, fmt.Errorf("me failed: %s", errorMessage(resp))
	}
	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return User{}, fmt.Errorf("decode profile: %w", err)
	}
	return u, nil
}

const bearerPrefix = "Bearer "

// Do issues the request with the cached access token attached. A 401 response
// triggers ensureRefreshed and exactly one retry with the new token; a second
// 401 is returned as-is so a misbehaving server can never cause a retry loop.
// When the refresh itself fails the session is torn down and the error is
// propagated.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	sess, ok, err := c.cache.Load()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}

	// Buffer the body so the single retry can replay it.
	if req.Body != nil && req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
	}

	resp, err := c.attempt(req, sess.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drainAndClose(resp.Body)

	token, err := c.ensureRefreshed(req.Context(), sess.AccessToken)
	if err != nil {
		_ = c.cache.Clear()
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return c.attempt(req, token)
}

func (c *Client) attempt(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	clone.Header.Set("Authorization", bearerPrefix+token)
	return c.http.Do(clone)
}

// ensureRefreshed coordinates a single refresh for all concurrent callers.
// The singleflight slot is checked synchronously: the first caller populates
// it with the refresh network call, every other caller awaits the same
// result, and the slot is cleared on settlement regardless of outcome. The
// stale token of the caller is compared against the cache first so a 401 that
// raced an already-completed refresh does not trigger a second network call.
func (c *Client) ensureRefreshed(ctx context.Context, staleAccess string) (string, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		sess, ok, err := c.cache.Load()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNoSession
		}
		if sess.AccessToken != "" && sess.AccessToken != staleAccess {
			// Another caller already swapped the token.
			return sess.AccessToken, nil
		}
		token, err := c.refresh(ctx, sess)
		if err != nil {
			return nil, err
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) refresh(ctx context.Context, sess Session) (string, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": sess.RefreshToken})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh rejected: %s", errorMessage(resp))
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("refresh response missing access token")
	}
	sess.AccessToken = payload.AccessToken
	if err := c.cache.Save(sess); err != nil {
		return "", fmt.Errorf("save refreshed session: %w", err)
	}
	return payload.AccessToken, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}

func errorMessage(resp *http.Response) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Sprintf("%s (%d)", payload.Error, resp.StatusCode)
	}
	return resp.Status
}
