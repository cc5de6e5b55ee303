package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession indicates the identity backend holds no session for the caller.
var ErrNoSession = errors.New("identity: no session")

// Session is the authenticated state issued by the hosted identity backend.
// It is owned by the session store; nothing else mutates it.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	SubjectID    string    `json:"subject_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the session carries a usable, unexpired credential.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" || s.SubjectID == "" {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Client is the boundary to the hosted identity backend. The backend owns
// credential storage and verification; this service only consumes it.
type Client interface {
	// GetSession returns the backend's current session for the stored
	// credential, or ErrNoSession.
	GetSession(ctx context.Context) (*Session, error)
	// RefreshSession exchanges a refresh token for a new session.
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	// SignIn establishes a new session from primary credentials.
	SignIn(ctx context.Context, email, password string) (*Session, error)
	// SignOut revokes the session identified by the access token.
	SignOut(ctx context.Context, accessToken string) error
}

// TokenClaims is the subset of JWT claims this service reads from access
// tokens minted by the identity backend.
type TokenClaims struct {
	SubjectID string
	ExpiresAt time.Time
}

// ParseToken extracts subject and expiry from an access token without
// verifying the signature. The identity backend is the issuer and verifier;
// this gateway only needs the routing facts inside the token.
func ParseToken(token string) (TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenClaims{}, ErrNoSession
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("parse access token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return TokenClaims{}, errors.New("access token has no subject")
	}
	out := TokenClaims{SubjectID: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
