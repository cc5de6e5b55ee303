package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tickethub.org/internal/identity"
	"tickethub.org/internal/role"
)

type fakeSessions struct {
	sess *identity.Session
}

func (f *fakeSessions) Session(ctx context.Context) *identity.Session {
	return f.sess
}

type fakeRoles struct {
	rec role.Record
	err error
}

func (f *fakeRoles) Resolve(ctx context.Context, subjectID string) (role.Record, error) {
	if f.err != nil {
		return role.Record{}, f.err
	}
	return f.rec, nil
}

func testGate(sess *identity.Session, rec role.Record, roleErr error) *Gate {
	return New(Config{
		ProtectedPrefixes: []string{"/admin/"},
		SignInPath:        "/signin",
		DefaultPath:       "/v1/tickets",
		NotFoundPath:      "/not-found",
	}, &fakeSessions{sess: sess}, &fakeRoles{rec: rec, err: roleErr})
}

func signedIn(sub string) *identity.Session {
	return &identity.Session{
		AccessToken: "tok",
		SubjectID:   sub,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func serve(t *testing.T, g *Gate, path string) *httptest.ResponseRecorder {
	t.Helper()
	passed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rr := httptest.NewRecorder()
	g.Middleware(passed).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestUnprotectedPathsAlwaysPass(t *testing.T) {
	// No session at all; everything outside the protected prefix passes.
	g := testGate(nil, role.Record{}, errors.New("never called"))
	for _, path := range []string{"/", "/v1/tickets", "/signin", "/administrivia"} {
		if rr := serve(t, g, path); rr.Code != http.StatusOK {
			t.Fatalf("path %s: expected pass-through, got %d", path, rr.Code)
		}
	}
}

func TestUnauthenticatedRedirectsToSignIn(t *testing.T) {
	g := testGate(nil, role.Record{}, nil)
	rr := serve(t, g, "/admin/overview")
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}
	if got := rr.Header().Get("Location"); got != "/signin" {
		t.Fatalf("expected redirect to /signin, got %q", got)
	}
}

func TestNonAdminRedirectsToDefault(t *testing.T) {
	g := testGate(signedIn("u1"), role.Record{Role: role.RoleEmployee}, nil)
	rr := serve(t, g, "/admin/overview")
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}
	if got := rr.Header().Get("Location"); got != "/v1/tickets" {
		t.Fatalf("expected redirect to default path, got %q", got)
	}
}

func TestAdminPassesThrough(t *testing.T) {
	g := testGate(signedIn("u1"), role.Record{Role: role.RoleAdmin}, nil)
	if rr := serve(t, g, "/admin/overview"); rr.Code != http.StatusOK {
		t.Fatalf("expected pass-through for admin, got %d", rr.Code)
	}
}

func TestRootAdminOverridesRole(t *testing.T) {
	g := testGate(signedIn("u1"), role.Record{Role: role.RoleCustomer, RootAdmin: true}, nil)
	if rr := serve(t, g, "/admin/overview"); rr.Code != http.StatusOK {
		t.Fatalf("expected root admin pass-through, got %d", rr.Code)
	}
}

func TestTenantLookupMissRedirectsToNotFound(t *testing.T) {
	g := testGate(signedIn("u1"), role.Record{}, role.ErrNotFound)
	rr := serve(t, g, "/admin/overview")
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}
	if got := rr.Header().Get("Location"); got != "/not-found" {
		t.Fatalf("expected redirect to /not-found, got %q", got)
	}
}

func TestUnresolvedRoleFailsClosed(t *testing.T) {
	g := testGate(signedIn("u1"), role.Record{}, role.ErrUnresolved)
	rr := serve(t, g, "/admin/overview")
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}
	if got := rr.Header().Get("Location"); got != "/v1/tickets" {
		t.Fatalf("expected fail-closed redirect to default, got %q", got)
	}
}

func TestPrefixGuardsBarePath(t *testing.T) {
	g := testGate(nil, role.Record{}, nil)
	if rr := serve(t, g, "/admin"); rr.Code != http.StatusSeeOther {
		t.Fatalf("expected /admin itself guarded, got %d", rr.Code)
	}
}
