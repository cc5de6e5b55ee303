package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// HTTPClient talks to the hosted identity backend over JSON.
type HTTPClient struct {
	base string
	http *http.Client
	now  func() time.Time
}

// HTTPOption configures the client.
type HTTPOption func(*HTTPClient)

// WithHTTPDoer overrides the underlying http.Client (useful for tests).
func WithHTTPDoer(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) HTTPOption {
	return func(h *HTTPClient) {
		if fn != nil {
			h.now = fn
		}
	}
}

// NewHTTPClient builds a client for the identity backend at base.
func NewHTTPClient(base string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: defaultTimeout},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sessionPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (c *HTTPClient) GetSession(ctx context.Context) (*Session, error) {
	return c.sessionCall(ctx, http.MethodGet, "/v1/session", nil)
}

func (c *HTTPClient) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, ErrNoSession
	}
	body := map[string]string{"refresh_token": refreshToken}
	return c.sessionCall(ctx, http.MethodPost, "/v1/session/refresh", body)
}

func (c *HTTPClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	return c.sessionCall(ctx, http.MethodPost, "/v1/session/signin", body)
}

func (c *HTTPClient) SignOut(ctx context.Context, accessToken string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/session/signout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sign out: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) sessionCall(ctx context.Context, method, path string, body any) (*Session, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity call %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoSession
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("identity call %s: unexpected status %d", path, resp.StatusCode)
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return c.toSession(payload)
}

func (c *HTTPClient) toSession(p sessionPayload) (*Session, error) {
	if p.AccessToken == "" {
		return nil, ErrNoSession
	}
	s := &Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		SubjectID:    p.User.ID,
	}
	if p.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, p.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parse session expiry: %w", err)
		}
		s.ExpiresAt = ts
	}
	// Fill gaps from the token itself when the response omits them.
	if s.SubjectID == "" || s.ExpiresAt.IsZero() {
		claims, err := ParseToken(p.AccessToken)
		if err != nil {
			return nil, err
		}
		if s.SubjectID == "" {
			s.SubjectID = claims.SubjectID
		}
		if s.ExpiresAt.IsZero() {
			s.ExpiresAt = claims.ExpiresAt
		}
	}
	if !s.Valid(c.now()) {
		return nil, ErrNoSession
	}
	return s, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

var _ Client = (*HTTPClient)(nil)

// IsNoSession reports whether err means "signed out" rather than a transport
// failure.
func IsNoSession(err error) bool {
	return errors.Is(err, ErrNoSession)
}
