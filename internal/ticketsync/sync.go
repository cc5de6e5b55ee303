// Package ticketsync keeps a tenant's ticket projection consistent with the
// change-event stream: one bulk seed, then incremental merges applied one
// event at a time, in delivery order.
package ticketsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tickethub.org/internal/obs"
	"tickethub.org/internal/projection"
	"tickethub.org/internal/realtime"
	"tickethub.org/internal/ticket"
)

// Lister performs the bulk fetch that seeds and re-seeds the projection.
type Lister interface {
	List(ctx context.Context, orgID string, limit int) ([]ticket.Ticket, error)
}

// Config tunes the sync loop.
type Config struct {
	// FetchLimit is the bulk-fetch window; it matches the projection cap.
	FetchLimit int
	// ReconnectMinWait and ReconnectMaxWait bound the exponential backoff
	// applied between stream reattach attempts.
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchLimit <= 0 {
		c.FetchLimit = 200
	}
	if c.ReconnectMinWait <= 0 {
		c.ReconnectMinWait = 500 * time.Millisecond
	}
	if c.ReconnectMaxWait < c.ReconnectMinWait {
		c.ReconnectMaxWait = 30 * time.Second
	}
	return c
}

// Syncer builds tenant-scoped subscriptions over a change-event source.
type Syncer struct {
	source realtime.Source
	lister Lister
	proj   *projection.Projection
	cfg    Config
}

// New wires a syncer to its event source, bulk lister, and projection.
func New(source realtime.Source, lister Lister, proj *projection.Projection, cfg Config) *Syncer {
	return &Syncer{
		source: source,
		lister: lister,
		proj:   proj,
		cfg:    cfg.withDefaults(),
	}
}

// Subscription is an exclusively-owned handle on one tenant stream.
type Subscription struct {
	orgID  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// OrgID returns the tenant this subscription is scoped to.
func (s *Subscription) OrgID() string {
	return s.orgID
}

// Close cancels the stream and waits for the apply loop to stop. Safe to call
// more than once and on an already-torn-down handle. Already-applied merges
// stay applied.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe seeds the projection with the most recent tickets for the tenant,
// attaches to its change-event channel, and starts the apply loop. The seed
// failure is returned to the caller; stream failures after that are handled
// by reconnecting with backoff.
func (s *Syncer) Subscribe(ctx context.Context, orgID string) (*Subscription, error) {
	if orgID == "" {
		return nil, fmt.Errorf("ticketsync: organization id is required")
	}

	seed, err := s.lister.List(ctx, orgID, s.cfg.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("seed tickets for %s: %w", orgID, err)
	}
	s.proj.ReplaceAll(seed)

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := s.source.Subscribe(subCtx, realtime.OrgChannel(orgID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach stream for %s: %w", orgID, err)
	}

	sub := &Subscription{orgID: orgID, cancel: cancel, done: make(chan struct{})}
	go s.run(subCtx, orgID, ch, sub.done)

	obs.LogEvent("ticketsync", "subscribed", map[string]any{
		"org": orgID, "seeded": len(seed),
	})
	return sub, nil
}

// run drains the mailbox one event at a time and reconnects when the stream
// drops. Each merge is a critical section inside the projection, so a reader
// can never observe a half-applied event.
func (s *Syncer) run(ctx context.Context, orgID string, ch <-chan realtime.ChangeEvent, done chan<- struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectMinWait
	bo.MaxInterval = s.cfg.ReconnectMaxWait
	bo.MaxElapsedTime = 0 // retry for as long as the subscription is open

	for {
		for evt := range ch {
			s.apply(ctx, orgID, evt)
		}
		if ctx.Err() != nil {
			return
		}

		// Stream dropped while the subscription is still wanted: reattach
		// with backoff, then re-seed to cover whatever was missed.
		bo.Reset()
		for {
			obs.StreamReconnect()
			wait := bo.NextBackOff()
			obs.LogError("ticketsync", "stream_dropped", nil, map[string]any{
				"org": orgID, "retry_in": wait.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			next, err := s.source.Subscribe(ctx, realtime.OrgChannel(orgID))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			ch = next
			s.refetch(ctx, orgID)
			break
		}
	}
}

// apply merges one change event into the projection.
func (s *Syncer) apply(ctx context.Context, orgID string, evt realtime.ChangeEvent) {
	switch evt.Table {
	case realtime.TableTickets:
		s.applyTicket(ctx, orgID, evt)
	case realtime.TableTicketMessages:
		if evt.Op == realtime.OpInsert {
			// A new message changes conversation state that is not visible on
			// the ticket row itself: re-fetch the whole window.
			s.refetch(ctx, orgID)
			obs.SyncEvent(string(evt.Table), string(evt.Op), "refetch")
			return
		}
		obs.SyncEvent(string(evt.Table), string(evt.Op), "ignored")
	case realtime.TableEmployees:
		// The role resolver holds its own subscription for these.
		obs.SyncEvent(string(evt.Table), string(evt.Op), "ignored")
	default:
		obs.SyncEvent(string(evt.Table), string(evt.Op), "ignored")
	}
}

func (s *Syncer) applyTicket(ctx context.Context, orgID string, evt realtime.ChangeEvent) {
	switch evt.Op {
	case realtime.OpInsert:
		var t ticket.Ticket
		if err := json.Unmarshal(evt.New, &t); err != nil || t.ID == "" {
			obs.LogError("ticketsync", "invalid_insert_payload", err, map[string]any{"org": orgID})
			obs.SyncEvent("tickets", "insert", "invalid")
			return
		}
		if t.OrganizationID != "" && t.OrganizationID != orgID {
			obs.SyncEvent("tickets", "insert", "foreign")
			return
		}
		if s.proj.Insert(t) {
			obs.SyncEvent("tickets", "insert", "applied")
		} else {
			obs.SyncEvent("tickets", "insert", "duplicate")
		}
	case realtime.OpUpdate:
		patch, err := ticket.ParsePatch(evt.New)
		if err != nil {
			obs.LogError("ticketsync", "invalid_update_payload", err, map[string]any{"org": orgID})
			obs.SyncEvent("tickets", "update", "invalid")
			return
		}
		applied, err := s.proj.Merge(patch)
		switch {
		case err != nil:
			obs.LogError("ticketsync", "merge_failed", err, map[string]any{"org": orgID, "ticket": patch.ID})
			obs.SyncEvent("tickets", "update", "invalid")
		case applied:
			obs.SyncEvent("tickets", "update", "applied")
		default:
			// Unknown id: dropped. The record arrives via a later insert or
			// the next bulk re-fetch.
			obs.SyncEvent("tickets", "update", "dropped")
		}
	default:
		obs.SyncEvent("tickets", string(evt.Op), "ignored")
	}
}

// refetch replaces the window from a fresh bulk fetch. On failure the current
// projection is kept; the error is logged, not surfaced.
func (s *Syncer) refetch(ctx context.Context, orgID string) {
	fresh, err := s.lister.List(ctx, orgID, s.cfg.FetchLimit)
	if err != nil {
		obs.LogError("ticketsync", "refetch_failed", err, map[string]any{"org": orgID})
		return
	}
	s.proj.ReplaceAll(fresh)
}
