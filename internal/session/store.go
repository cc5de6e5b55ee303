package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tickethub.org/internal/identity"
	"tickethub.org/internal/obs"
)

// EventKind classifies session lifecycle notifications.
type EventKind string

const (
	EventSignedIn  EventKind = "signed_in"
	EventSignedOut EventKind = "signed_out"
	EventRefreshed EventKind = "token_refreshed"
)

// Event is delivered to subscribers on session transitions. Session is nil for
// signed-out events.
type Event struct {
	Kind    EventKind
	Session *identity.Session
}

// Store owns the current authentication session. It is the single writer;
// every other component reads through it. Refresh failures surface as a nil
// session, never as an error, so "signed out" and "no session" look the same
// to dependents.
type Store struct {
	client identity.Client
	cache  TokenCache
	now    func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	cur     *identity.Session
	subs    map[int]func(Event)
	nextSub int
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New constructs a store over the identity backend and a token cache.
func New(client identity.Client, cache TokenCache, opts ...Option) *Store {
	s := &Store{
		client: client,
		cache:  cache,
		now:    time.Now,
		subs:   make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init restores a persisted session: cached-and-valid wins, an expired cached
// session gets exactly one refresh attempt. With no cached session the
// identity backend is asked once whether it still holds one for the stored
// credential; a miss there leaves the session nil.
func (s *Store) Init(ctx context.Context) {
	cached, err := s.cache.Load(ctx)
	if err != nil {
		obs.LogError("session", "cache_load_failed", err, nil)
		return
	}
	if cached == nil {
		s.recover(ctx)
		return
	}
	if cached.Valid(s.now()) {
		s.mu.Lock()
		s.cur = cached
		s.mu.Unlock()
		return
	}
	if cached.RefreshToken != "" {
		s.mu.Lock()
		s.cur = cached // holds the refresh token for the attempt below
		s.mu.Unlock()
		s.Refresh(ctx)
	}
}

// recover asks the identity backend for an existing session when the local
// cache is empty. A miss is the normal signed-out state, not an error.
func (s *Store) recover(ctx context.Context) {
	fresh, err := s.client.GetSession(ctx)
	if err != nil {
		if !identity.IsNoSession(err) {
			obs.LogError("session", "session_recover_failed", err, nil)
		}
		return
	}
	if !fresh.Valid(s.now()) {
		return
	}
	if err := s.cache.Save(ctx, fresh); err != nil {
		obs.LogError("session", "cache_save_failed", err, nil)
	}
	s.mu.Lock()
	s.cur = fresh
	s.mu.Unlock()
	s.notify(Event{Kind: EventSignedIn, Session: fresh})
}

// Session returns the current session, refreshing it once if the cached one
// has expired. It never blocks when a valid cached session exists, and it
// never returns an error: a failed refresh yields nil.
func (s *Store) Session(ctx context.Context) *identity.Session {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()

	if cur.Valid(s.now()) {
		cp := *cur
		return &cp
	}
	if cur == nil || cur.RefreshToken == "" {
		return nil
	}
	return s.Refresh(ctx)
}

// Current returns the cached session without any round trip, valid or not.
func (s *Store) Current() *identity.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	cp := *s.cur
	return &cp
}

// Refresh forces a round trip to the identity backend. Concurrent callers
// share one in-flight refresh. On failure the session is destroyed and nil is
// returned.
func (s *Store) Refresh(ctx context.Context) *identity.Session {
	v, _, _ := s.group.Do("refresh", func() (any, error) {
		s.mu.Lock()
		var token string
		if s.cur != nil {
			token = s.cur.RefreshToken
		}
		s.mu.Unlock()
		if token == "" {
			return (*identity.Session)(nil), nil
		}

		fresh, err := s.client.RefreshSession(ctx, token)
		if err != nil {
			obs.LogError("session", "refresh_failed", err, nil)
			s.destroy(ctx)
			return (*identity.Session)(nil), nil
		}
		if err := s.cache.Save(ctx, fresh); err != nil {
			obs.LogError("session", "cache_save_failed", err, nil)
		}
		s.mu.Lock()
		s.cur = fresh
		s.mu.Unlock()
		s.notify(Event{Kind: EventRefreshed, Session: fresh})
		return fresh, nil
	})
	sess, _ := v.(*identity.Session)
	if sess == nil {
		return nil
	}
	cp := *sess
	return &cp
}

// SignIn establishes a new session from primary credentials.
func (s *Store) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	fresh, err := s.client.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Save(ctx, fresh); err != nil {
		obs.LogError("session", "cache_save_failed", err, nil)
	}
	s.mu.Lock()
	s.cur = fresh
	s.mu.Unlock()
	s.notify(Event{Kind: EventSignedIn, Session: fresh})
	cp := *fresh
	return &cp, nil
}

// SignOut clears all local token material, notifies subscribers, then revokes
// the session at the backend. Clearing happens before notification so no
// subscriber can observe stale credentials.
func (s *Store) SignOut(ctx context.Context) {
	s.mu.Lock()
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()

	if err := s.cache.Clear(ctx); err != nil {
		obs.LogError("session", "cache_clear_failed", err, nil)
	}
	s.notify(Event{Kind: EventSignedOut})

	if cur != nil && cur.AccessToken != "" {
		if err := s.client.SignOut(ctx, cur.AccessToken); err != nil {
			obs.LogError("session", "backend_signout_failed", err, nil)
		}
	}
}

// Subscribe registers a callback for session transitions. The returned
// function removes the subscription and is safe to call more than once.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// AccessToken returns the current bearer credential, or "" when signed out.
// Intended as a token source for backend clients.
func (s *Store) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.AccessToken
}

// destroy drops the session after an expiry-driven refresh failure. The local
// cache is cleared before subscribers hear the sign-out, same as SignOut.
func (s *Store) destroy(ctx context.Context) {
	s.mu.Lock()
	had := s.cur != nil
	s.cur = nil
	s.mu.Unlock()
	if !had {
		return
	}
	if err := s.cache.Clear(ctx); err != nil {
		obs.LogError("session", "cache_clear_failed", err, nil)
	}
	s.notify(Event{Kind: EventSignedOut})
}

func (s *Store) notify(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
