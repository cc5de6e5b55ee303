// Package projection holds the client-side materialized view of a tenant's
// tickets: a bulk load plus a stream of incremental merges. Only the realtime
// sync loop mutates it; everything else reads snapshots.
package projection

import (
	"sync"

	"tickethub.org/internal/obs"
	"tickethub.org/internal/ticket"
)

// Projection is a bounded, newest-first sequence of tickets with exactly one
// record per ticket id. All mutators run under one lock so a renderer can
// never observe a half-applied merge.
type Projection struct {
	mu    sync.RWMutex
	cap   int
	items []ticket.Ticket
	index map[string]int
}

// New creates an empty projection capped at window items.
func New(window int) *Projection {
	if window <= 0 {
		window = 200
	}
	return &Projection{
		cap:   window,
		index: make(map[string]int),
	}
}

// ReplaceAll seeds the projection from a bulk fetch, truncating to the cap.
// The input is assumed newest-first, as delivered by the backend.
func (p *Projection) ReplaceAll(tickets []ticket.Ticket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(tickets) > p.cap {
		tickets = tickets[:p.cap]
	}
	p.items = make([]ticket.Ticket, 0, len(tickets))
	p.index = make(map[string]int, len(tickets))
	for _, t := range tickets {
		if _, dup := p.index[t.ID]; dup {
			continue
		}
		p.index[t.ID] = len(p.items)
		p.items = append(p.items, t)
	}
	obs.ProjectionSize(len(p.items))
}

// Insert places a new ticket at the front. Duplicate ids are ignored so
// re-delivered insert events are no-ops. The cap is enforced on every insert:
// the oldest record is evicted once the window is full.
func (p *Projection) Insert(t ticket.Ticket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.index[t.ID]; exists {
		return false
	}
	p.items = append([]ticket.Ticket{t}, p.items...)
	if len(p.items) > p.cap {
		evicted := p.items[len(p.items)-1]
		p.items = p.items[:len(p.items)-1]
		delete(p.index, evicted.ID)
	}
	p.reindex()
	obs.ProjectionSize(len(p.items))
	return true
}

// Merge applies a field-level patch to the record with the patch's id.
// Unknown ids are dropped: the record will arrive via a later insert or bulk
// refresh. Returns false when dropped.
func (p *Projection) Merge(patch ticket.Patch) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[patch.ID]
	if !ok {
		return false, nil
	}
	if err := patch.Apply(&p.items[i]); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns a copy of the current window, newest first. Relations are
// replaced wholesale on merge, never mutated in place, so the shallow copy is
// safe to hand to renderers.
func (p *Projection) Snapshot() []ticket.Ticket {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ticket.Ticket, len(p.items))
	copy(out, p.items)
	return out
}

// Get returns the record with the given id, if present.
func (p *Projection) Get(id string) (ticket.Ticket, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.index[id]
	if !ok {
		return ticket.Ticket{}, false
	}
	return p.items[i], true
}

// Len returns the number of records currently held.
func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Clear discards the window; called on sign-out and tenant change.
func (p *Projection) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = nil
	p.index = make(map[string]int)
	obs.ProjectionSize(0)
}

func (p *Projection) reindex() {
	for i := range p.items {
		p.index[p.items[i].ID] = i
	}
}
