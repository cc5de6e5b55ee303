package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tickethub.org/internal/identity"
	"tickethub.org/internal/realtime"
	"tickethub.org/internal/ticket"
)

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.opts.ReadyProbe.Check(ctx); err != nil {
		respondError(w, r, http.StatusServiceUnavailable, "dependency unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tickethub-api",
		"version": a.opts.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// --- session ----------------------------------------------------------------

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInPage is the landing target for gate redirects; API consumers POST
// credentials to the same path.
func (a *API) SignInPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "sign in required",
		"method":  "POST /signin",
	})
}

func (a *API) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	sess, err := a.opts.Sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if identity.IsNoSession(err) {
			respondError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		respondError(w, r, http.StatusBadGateway, "identity provider unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (a *API) SignOut(w http.ResponseWriter, r *http.Request) {
	a.opts.Sessions.SignOut(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (a *API) SessionInfo(w http.ResponseWriter, r *http.Request) {
	sess := a.opts.Sessions.Session(r.Context())
	if sess == nil {
		respondError(w, r, http.StatusUnauthorized, "no active session")
		return
	}
	view := sessionView(sess)
	if a.opts.Roles != nil {
		if rec, err := a.opts.Roles.Resolve(r.Context(), sess.SubjectID); err == nil {
			view["role"] = rec.Role
			view["organization_id"] = rec.OrganizationID
			view["admin"] = rec.Admin()
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func sessionView(sess *identity.Session) map[string]any {
	return map[string]any{
		"subject_id": sess.SubjectID,
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// --- tickets ----------------------------------------------------------------

// ListTickets serves the in-memory projection, never the backend. The
// subscription keeps the window current; an empty snapshot on a fresh
// session is legitimate until the seed completes.
func (a *API) ListTickets(w http.ResponseWriter, r *http.Request) {
	if a.opts.Sessions.Session(r.Context()) == nil {
		respondError(w, r, http.StatusUnauthorized, "sign in required")
		return
	}
	items := a.opts.Projection.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": items,
		"count":   len(items),
	})
}

func (a *API) CreateTicket(w http.ResponseWriter, r *http.Request) {
	if a.opts.Sessions.Session(r.Context()) == nil {
		respondError(w, r, http.StatusUnauthorized, "sign in required")
		return
	}
	org := a.CurrentOrg()
	if org == "" {
		respondError(w, r, http.StatusConflict, "no active organization")
		return
	}
	var in ticket.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := a.opts.Tickets.Create(r.Context(), org, in)
	if err != nil {
		a.ticketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) UpdateTicketStatus(w http.ResponseWriter, r *http.Request) {
	if a.opts.Sessions.Session(r.Context()) == nil {
		respondError(w, r, http.StatusUnauthorized, "sign in required")
		return
	}
	id := r.PathValue("id")
	var req struct {
		Status ticket.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Status.Known() {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}
	updated, err := a.opts.Tickets.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		a.ticketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) RateTicket(w http.ResponseWriter, r *http.Request) {
	if a.opts.Sessions.Session(r.Context()) == nil {
		respondError(w, r, http.StatusUnauthorized, "sign in required")
		return
	}
	id := r.PathValue("id")
	var in ticket.RatingInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.opts.Tickets.Rate(r.Context(), id, in); err != nil {
		a.ticketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rated"})
}

func (a *API) ticketError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ticket.ErrValidation):
		respondError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ticket.ErrUnauthorized):
		respondError(w, r, http.StatusUnauthorized, "not authorized")
	case errors.Is(err, ticket.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "ticket not found")
	default:
		respondError(w, r, http.StatusBadGateway, "ticket backend unavailable")
	}
}

// --- stream -----------------------------------------------------------------

// Stream relays the tenant's change feed as server-sent events. The handler
// subscribes directly to the source so browser reconnects get a fresh
// cursorless feed; the projection stays the source of truth for reads.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.opts.Sessions.Session(r.Context()) == nil {
		respondError(w, r, http.StatusUnauthorized, "sign in required")
		return
	}
	org := a.CurrentOrg()
	if org == "" {
		respondError(w, r, http.StatusConflict, "no active organization")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, err := a.opts.Source.Subscribe(r.Context(), realtime.OrgChannel(org))
	if err != nil {
		respondError(w, r, http.StatusServiceUnavailable, "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: change\ndata: %s\n\n", evt.ID, payload)
			flusher.Flush()
		}
	}
}

// --- admin ------------------------------------------------------------------

// AdminOverview sits behind the gate; reaching it means the caller holds an
// admin role in the active organization.
func (a *API) AdminOverview(w http.ResponseWriter, r *http.Request) {
	sess := a.opts.Sessions.Session(r.Context())
	view := map[string]any{
		"organization_id": a.CurrentOrg(),
		"tickets_cached":  a.opts.Projection.Len(),
	}
	if sess != nil && a.opts.Roles != nil {
		if rec, err := a.opts.Roles.Resolve(r.Context(), sess.SubjectID); err == nil {
			view["role"] = rec.Role
			view["root_admin"] = rec.RootAdmin
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) NotFoundPage(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, http.StatusNotFound, "no workspace is associated with this account")
}
