package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"tickethub.org/internal/gate"
	"tickethub.org/internal/obs"
	"tickethub.org/internal/projection"
	"tickethub.org/internal/realtime"
	"tickethub.org/internal/role"
	"tickethub.org/internal/session"
	"tickethub.org/internal/ticket"
	"tickethub.org/internal/ticketsync"
)

// Pinger checks a dependency for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports whether dependencies are reachable.
type ReadyProbe struct {
	Pinger Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Pinger == nil {
		return nil
	}
	return rp.Pinger.Ping(ctx)
}

// Options carries everything the HTTP layer depends on.
type Options struct {
	Sessions   *session.Store
	Roles      *role.Resolver
	Gate       *gate.Gate
	Tickets    *ticket.Client
	Projection *projection.Projection
	Syncer     *ticketsync.Syncer
	Source     realtime.Source
	ReadyProbe ReadyProbe
	Version    string

	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

// API is the HTTP layer. It also owns the session-driven lifecycle: sign-in
// starts the tenant subscription and the role watch; sign-out tears both down
// and discards the projection.
type API struct {
	mux  *http.ServeMux
	opts Options

	mu          sync.Mutex
	sub         *ticketsync.Subscription
	watchCancel context.CancelFunc
	orgID       string
}

// New wires the routes and attaches the lifecycle hooks.
func New(opts Options) *API {
	a := &API{
		mux:  http.NewServeMux(),
		opts: opts,
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("GET /signin", a.SignInPage)
	a.mux.HandleFunc("POST /signin", a.SignIn)
	a.mux.HandleFunc("POST /signout", a.SignOut)
	a.mux.HandleFunc("GET /v1/session", a.SessionInfo)

	// tickets: projection reads, backend writes
	a.mux.HandleFunc("GET /v1/tickets", a.ListTickets)
	a.mux.HandleFunc("POST /v1/tickets", a.CreateTicket)
	a.mux.HandleFunc("POST /v1/tickets/{id}/status", a.UpdateTicketStatus)
	a.mux.HandleFunc("POST /v1/tickets/{id}/rating", a.RateTicket)
	a.mux.HandleFunc("GET /v1/stream", a.Stream)

	// admin area, guarded by the gate
	a.mux.HandleFunc("GET /admin/overview", a.AdminOverview)

	a.mux.HandleFunc("GET /not-found", a.NotFoundPage)
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	if a.opts.Sessions != nil {
		a.opts.Sessions.Subscribe(a.onSessionEvent)
	}
	if a.opts.Roles != nil {
		a.opts.Roles.OnChange(a.onRoleChange)
	}

	return a
}

// Handler composes the middleware chain around the mux. The gate sits
// innermost so every other middleware runs for redirected requests too.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.opts.Gate != nil {
		h = a.opts.Gate.Middleware(h)
	}
	h = obs.Instrument(h)
	if a.opts.RateBurst > 0 && a.opts.RatePerSecond > 0 {
		h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	}
	if a.opts.MaxBodyBytes > 0 {
		h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

// --- lifecycle --------------------------------------------------------------

func (a *API) onSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSignedIn:
		a.startTenant(context.Background(), ev.Session.SubjectID)
	case session.EventSignedOut:
		a.stopTenant()
		if a.opts.Roles != nil {
			a.opts.Roles.Reset()
		}
	}
}

// onRoleChange re-derives the tenant subscription after a role invalidation:
// if the subject moved to another organization the old projection is
// discarded and a new subscription is established.
func (a *API) onRoleChange(subjectID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rec, err := a.opts.Roles.Resolve(ctx, subjectID)
		if err != nil {
			obs.LogError("httpapi", "role_recheck_failed", err, map[string]any{"subject": subjectID})
			return
		}
		a.mu.Lock()
		changed := rec.OrganizationID != a.orgID
		a.mu.Unlock()
		if changed {
			obs.LogEvent("httpapi", "tenant_changed", map[string]any{
				"subject": subjectID, "org": rec.OrganizationID,
			})
			a.stopTenant()
			a.startTenant(ctx, subjectID)
		}
	}()
}

// startTenant resolves the subject's tenant and brings up the realtime
// subscription plus the resolver's employee watch.
func (a *API) startTenant(ctx context.Context, subjectID string) {
	if a.opts.Syncer == nil || a.opts.Roles == nil {
		return
	}
	rec, err := a.opts.Roles.Resolve(ctx, subjectID)
	if err != nil {
		obs.LogError("httpapi", "tenant_resolve_failed", err, map[string]any{"subject": subjectID})
		return
	}
	if rec.OrganizationID == "" {
		obs.LogEvent("httpapi", "no_tenant", map[string]any{"subject": subjectID})
		return
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	sub, err := a.opts.Syncer.Subscribe(watchCtx, rec.OrganizationID)
	if err != nil {
		cancel()
		obs.LogError("httpapi", "subscribe_failed", err, map[string]any{"org": rec.OrganizationID})
		return
	}
	if a.opts.Source != nil {
		if err := a.opts.Roles.Watch(watchCtx, a.opts.Source, subjectID); err != nil {
			obs.LogError("httpapi", "role_watch_failed", err, map[string]any{"subject": subjectID})
		}
	}

	a.mu.Lock()
	old := a.sub
	oldCancel := a.watchCancel
	a.sub = sub
	a.watchCancel = cancel
	a.orgID = rec.OrganizationID
	a.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if oldCancel != nil {
		oldCancel()
	}
}

// stopTenant tears down the subscription and discards the projection.
func (a *API) stopTenant() {
	a.mu.Lock()
	sub := a.sub
	cancel := a.watchCancel
	a.sub = nil
	a.watchCancel = nil
	a.orgID = ""
	a.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if cancel != nil {
		cancel()
	}
	if a.opts.Projection != nil {
		a.opts.Projection.Clear()
	}
}

// CurrentOrg returns the tenant of the active subscription, "" when idle.
func (a *API) CurrentOrg() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orgID
}

// Shutdown releases the tenant subscription; called on process stop.
func (a *API) Shutdown() {
	a.stopTenant()
}

// --- helpers ----------------------------------------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": requestIDFromContext(r.Context()),
	})
}
