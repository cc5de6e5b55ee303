package role

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// TokenSource supplies the bearer credential for the lookup call.
type TokenSource func() string

// HTTPLookup fetches the caller's role row from the hosted backend. The
// subject travels implicitly via the credential; the backend answers for
// whoever the token belongs to.
type HTTPLookup struct {
	base  string
	http  *http.Client
	token TokenSource
}

// NewHTTPLookup builds a lookup client rooted at base.
func NewHTTPLookup(base string, token TokenSource) *HTTPLookup {
	return &HTTPLookup{
		base:  strings.TrimRight(base, "/"),
		http:  &http.Client{Timeout: defaultTimeout},
		token: token,
	}
}

// WithHTTPDoer overrides the underlying http.Client.
func (l *HTTPLookup) WithHTTPDoer(c *http.Client) *HTTPLookup {
	if c != nil {
		l.http = c
	}
	return l
}

func (l *HTTPLookup) Lookup(ctx context.Context, subjectID string) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.base+"/v1/roles/me", nil)
	if err != nil {
		return Record{}, err
	}
	token := l.token()
	if token == "" {
		return Record{}, ErrUnresolved
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.http.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("role lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Record{}, ErrNotFound
	case resp.StatusCode >= 300:
		return Record{}, fmt.Errorf("role lookup: unexpected status %d", resp.StatusCode)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode role row: %w", err)
	}
	if rec.Role == "" {
		rec.Role = RoleCustomer
	}
	return rec, nil
}

var _ Lookup = (*HTTPLookup)(nil)
