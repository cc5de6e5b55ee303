package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"tickethub.org/internal/ids"
)

var (
	// ErrValidation marks a malformed create/modify payload. The message is
	// user-visible; handlers surface it inline rather than as a hard failure.
	ErrValidation = errors.New("ticket: validation failed")

	// ErrUnauthorized indicates the bearer credential was missing or rejected.
	ErrUnauthorized = errors.New("ticket: unauthorized")

	// ErrNotFound indicates the backend has no such ticket.
	ErrNotFound = errors.New("ticket: not found")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateInput is the payload for opening a ticket.
type CreateInput struct {
	Title       string   `json:"title" validate:"required,min=3,max=200"`
	Description string   `json:"description" validate:"required,max=10000"`
	Priority    Priority `json:"priority" validate:"required,oneof=low medium high urgent"`
}

// RatingInput rates a resolved ticket.
type RatingInput struct {
	Rating int `json:"rating" validate:"required,min=1,max=5"`
}

// TokenSource supplies the bearer credential derived from the current
// session; an empty string means signed out.
type TokenSource func() string

const defaultTimeout = 15 * time.Second

// Client talks to the hosted ticket backend. All calls require a bearer
// credential from the session store.
type Client struct {
	base  string
	http  *http.Client
	token TokenSource
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPDoer overrides the underlying http.Client.
func WithHTTPDoer(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// NewClient builds a ticket backend client rooted at base.
func NewClient(base string, token TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		base:  strings.TrimRight(base, "/"),
		http:  &http.Client{Timeout: defaultTimeout},
		token: token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List fetches the most recent tickets for the tenant, newest first, with
// joined customer, assigned employee, and tags.
func (c *Client) List(ctx context.Context, orgID string, limit int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 200
	}
	path := fmt.Sprintf("/v1/orgs/%s/tickets?limit=%s", url.PathEscape(orgID), strconv.Itoa(limit))
	var out []Ticket
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create opens a new ticket for the tenant. Input validation failures come
// back as ErrValidation with a user-visible message.
func (c *Client) Create(ctx context.Context, orgID string, in CreateInput) (*Ticket, error) {
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	path := fmt.Sprintf("/v1/orgs/%s/tickets", url.PathEscape(orgID))
	headers := map[string]string{"Idempotency-Key": ids.NewIdempotencyKey()}
	var out Ticket
	if err := c.call(ctx, http.MethodPost, path, headers, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStatus moves a ticket to a new workflow state.
func (c *Client) UpdateStatus(ctx context.Context, ticketID string, status Status) (*Ticket, error) {
	if !status.Known() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	path := fmt.Sprintf("/v1/tickets/%s/status", url.PathEscape(ticketID))
	var out Ticket
	if err := c.call(ctx, http.MethodPost, path, nil, map[string]Status{"status": status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rate records a satisfaction rating on a resolved ticket.
func (c *Client) Rate(ctx context.Context, ticketID string, in RatingInput) error {
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	path := fmt.Sprintf("/v1/tickets/%s/rating", url.PathEscape(ticketID))
	return c.call(ctx, http.MethodPost, path, nil, in, nil)
}

func (c *Client) call(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	token := c.token()
	if token == "" {
		return ErrUnauthorized
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ticket backend %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = "invalid request"
		}
		return fmt.Errorf("%w: %s", ErrValidation, payload.Error)
	case resp.StatusCode >= 300:
		return fmt.Errorf("ticket backend %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// validationError flattens validator output into one user-visible message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
}
