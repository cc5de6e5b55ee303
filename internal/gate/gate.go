// Package gate is the request-time authorization decision point in front of
// protected routes. It only reads session and role state; it never mutates
// either.
package gate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"tickethub.org/internal/audit"
	"tickethub.org/internal/identity"
	"tickethub.org/internal/obs"
	"tickethub.org/internal/role"
)

// state is the gate's view of the caller, evaluated once per request.
type state int

const (
	unauthenticated state = iota
	authenticatedNoRole
	authenticatedWithRole
)

// SessionSource yields the current session, nil when signed out. Must not
// block when a valid cached session exists.
type SessionSource interface {
	Session(ctx context.Context) *identity.Session
}

// RoleSource resolves the derived role for a subject.
type RoleSource interface {
	Resolve(ctx context.Context, subjectID string) (role.Record, error)
}

// Config carries the route surface the gate guards.
type Config struct {
	// ProtectedPrefixes are path prefixes requiring an admin or root-admin
	// caller. Everything else passes untouched.
	ProtectedPrefixes []string
	// SignInPath receives unauthenticated callers.
	SignInPath string
	// DefaultPath receives authenticated callers lacking the required role.
	DefaultPath string
	// NotFoundPath receives callers whose tenant lookup misses.
	NotFoundPath string
}

// Gate decides allow/deny/redirect for each incoming request.
type Gate struct {
	cfg      Config
	sessions SessionSource
	roles    RoleSource
}

// New builds a gate over the given session and role sources.
func New(cfg Config, sessions SessionSource, roles RoleSource) *Gate {
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/signin"
	}
	if cfg.DefaultPath == "" {
		cfg.DefaultPath = "/"
	}
	if cfg.NotFoundPath == "" {
		cfg.NotFoundPath = "/not-found"
	}
	return &Gate{cfg: cfg, sessions: sessions, roles: roles}
}

// Protected reports whether the path falls under a guarded prefix.
func (g *Gate) Protected(path string) bool {
	for _, prefix := range g.cfg.ProtectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
		// "/admin/" also guards "/admin" itself.
		if trimmed := strings.TrimSuffix(prefix, "/"); trimmed != "" && path == trimmed {
			return true
		}
	}
	return false
}

// Middleware wraps next with the gate decision. Failures resolve to
// redirects, never to errors visible to the caller.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Protected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sess := g.sessions.Session(r.Context())
		if sess == nil {
			obs.GateDecision("redirect_signin")
			audit.LogEvent(r.Context(), "gate.denied", map[string]any{
				"path": r.URL.Path, "state": "unauthenticated",
			})
			http.Redirect(w, r, g.cfg.SignInPath, http.StatusSeeOther)
			return
		}

		rec, err := g.roles.Resolve(r.Context(), sess.SubjectID)
		if err != nil {
			if errors.Is(err, role.ErrNotFound) {
				obs.GateDecision("redirect_notfound")
				http.Redirect(w, r, g.cfg.NotFoundPath, http.StatusSeeOther)
				return
			}
			// No cached role and no way to compute one: fail closed.
			obs.GateDecision("redirect_default")
			audit.LogEvent(r.Context(), "gate.denied", map[string]any{
				"path": r.URL.Path, "state": "no_role", "subject": sess.SubjectID,
			})
			http.Redirect(w, r, g.cfg.DefaultPath, http.StatusSeeOther)
			return
		}

		if !rec.Admin() {
			obs.GateDecision("redirect_default")
			audit.LogEvent(r.Context(), "gate.denied", map[string]any{
				"path": r.URL.Path, "state": "insufficient_role",
				"subject": sess.SubjectID, "role": string(rec.Role),
			})
			http.Redirect(w, r, g.cfg.DefaultPath, http.StatusSeeOther)
			return
		}

		obs.GateDecision("allow")
		next.ServeHTTP(w, r)
	})
}
