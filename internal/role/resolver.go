// Package role derives an authorization role from the current identity. The
// role record is a cache over the hosted backend's role lookup, with defined
// invalidation triggers: a new sign-in, and an employee-row change event for
// the current subject.
package role

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tickethub.org/internal/obs"
	"tickethub.org/internal/realtime"
)

// Role classifies a subject.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleEmployee Role = "employee"
	RoleAdmin    Role = "admin"
)

// Record is the derived authorization fact for one subject. It is never
// authoritative: always recomputable from the session via the lookup.
type Record struct {
	Role           Role   `json:"role"`
	RootAdmin      bool   `json:"is_root_admin"`
	OrganizationID string `json:"organization_id"`
}

// Admin reports whether the record grants access to admin-only areas. Root
// admin implies full access regardless of role.
func (r Record) Admin() bool {
	return r.RootAdmin || r.Role == RoleAdmin
}

var (
	// ErrNotFound indicates the backend has no role row for the subject
	// (tenant lookup miss).
	ErrNotFound = errors.New("role: not found")

	// ErrUnresolved indicates resolution failed and no cached record exists
	// to fall back on.
	ErrUnresolved = errors.New("role: unresolved")
)

// Lookup fetches the role row for a subject from the hosted backend. The
// credential travels implicitly via the client's token source.
type Lookup interface {
	Lookup(ctx context.Context, subjectID string) (Record, error)
}

// Resolver memoizes role records per subject id.
type Resolver struct {
	lookup Lookup

	mu       sync.Mutex
	cache    map[string]Record
	onError  []func(error)
	onChange []func(subjectID string)
}

// NewResolver builds a resolver over the given lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{
		lookup: lookup,
		cache:  make(map[string]Record),
	}
}

// Resolve returns the role record for the subject, from cache when possible.
// On a lookup failure with a cached record the stale record is served and the
// error reported to observers; with no cached record resolution fails closed.
func (r *Resolver) Resolve(ctx context.Context, subjectID string) (Record, error) {
	if subjectID == "" {
		return Record{}, ErrUnresolved
	}

	r.mu.Lock()
	cached, ok := r.cache[subjectID]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	rec, err := r.lookup.Lookup(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		r.reportError(err)
		return Record{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	r.mu.Lock()
	r.cache[subjectID] = rec
	r.mu.Unlock()
	return rec, nil
}

// Refresh forces a recompute for the subject. On failure the previous record
// keeps being served: a transient backend error must not degrade an open
// session to "no role".
func (r *Resolver) Refresh(ctx context.Context, subjectID string) (Record, error) {
	rec, err := r.lookup.Lookup(ctx, subjectID)
	if err != nil {
		r.reportError(err)
		r.mu.Lock()
		cached, ok := r.cache[subjectID]
		r.mu.Unlock()
		if ok {
			return cached, nil
		}
		return Record{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	r.mu.Lock()
	r.cache[subjectID] = rec
	r.mu.Unlock()
	return rec, nil
}

// Invalidate drops the cached record for the subject so the next Resolve
// recomputes it, and notifies change observers so dependents (the tenant
// subscription in particular) re-derive what they built on the old record.
func (r *Resolver) Invalidate(subjectID string) {
	r.mu.Lock()
	_, had := r.cache[subjectID]
	delete(r.cache, subjectID)
	fns := make([]func(string), len(r.onChange))
	copy(fns, r.onChange)
	r.mu.Unlock()
	if !had {
		return
	}
	obs.RoleInvalidation()
	for _, fn := range fns {
		fn(subjectID)
	}
}

// OnChange registers an observer invoked after a cached record is
// invalidated.
func (r *Resolver) OnChange(fn func(subjectID string)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// Reset drops every cached record; called on sign-out.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[string]Record)
	r.mu.Unlock()
}

// OnError registers an observer for resolution failures. Errors are surfaced,
// never silently promoted to admin or converted to a blanket deny.
func (r *Resolver) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = append(r.onError, fn)
	r.mu.Unlock()
}

func (r *Resolver) reportError(err error) {
	obs.LogError("role", "resolution_failed", err, nil)
	r.mu.Lock()
	fns := make([]func(error), len(r.onError))
	copy(fns, r.onError)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// employeeRow is the slice of an employees-table change payload the resolver
// cares about.
type employeeRow struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

// Watch subscribes the resolver to employee-row change events for the subject
// and invalidates the cached record whenever one matches. This subscription is
// independent of the ticket sync; it runs until ctx ends.
func (r *Resolver) Watch(ctx context.Context, source realtime.Source, subjectID string) error {
	ch, err := source.Subscribe(ctx, realtime.EmployeeChannel(subjectID))
	if err != nil {
		return fmt.Errorf("watch employee changes: %w", err)
	}
	go func() {
		for evt := range ch {
			if evt.Table != realtime.TableEmployees {
				continue
			}
			if !employeeEventMatches(evt.New, subjectID) {
				continue
			}
			obs.LogEvent("role", "employee_change", map[string]any{"subject": subjectID})
			r.Invalidate(subjectID)
		}
	}()
	return nil
}

func employeeEventMatches(payload json.RawMessage, subjectID string) bool {
	if len(payload) == 0 {
		return false
	}
	var row employeeRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return false
	}
	return row.ID == subjectID || row.UserID == subjectID
}
