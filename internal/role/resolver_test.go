package role

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tickethub.org/internal/realtime"
)

type fakeLookup struct {
	calls atomic.Int32
	rec   Record
	err   error
}

func (f *fakeLookup) Lookup(ctx context.Context, subjectID string) (Record, error) {
	f.calls.Add(1)
	if f.err != nil {
		return Record{}, f.err
	}
	return f.rec, nil
}

func TestResolveMemoizesPerSubject(t *testing.T) {
	lk := &fakeLookup{rec: Record{Role: RoleEmployee, OrganizationID: "org1"}}
	r := NewResolver(lk)

	for i := 0; i < 3; i++ {
		rec, err := r.Resolve(context.Background(), "u1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if rec.Role != RoleEmployee || rec.OrganizationID != "org1" {
			t.Fatalf("unexpected record %+v", rec)
		}
	}
	if got := lk.calls.Load(); got != 1 {
		t.Fatalf("expected one lookup, got %d", got)
	}
}

func TestInvalidateForcesRecompute(t *testing.T) {
	lk := &fakeLookup{rec: Record{Role: RoleEmployee, OrganizationID: "org1"}}
	r := NewResolver(lk)

	if _, err := r.Resolve(context.Background(), "u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	lk.rec = Record{Role: RoleAdmin, OrganizationID: "org1"}
	r.Invalidate("u1")

	rec, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if rec.Role != RoleAdmin {
		t.Fatalf("expected recomputed admin role, got %+v", rec)
	}
	if got := lk.calls.Load(); got != 2 {
		t.Fatalf("expected two lookups, got %d", got)
	}
}

func TestRefreshServesStaleOnTransientFailure(t *testing.T) {
	lk := &fakeLookup{rec: Record{Role: RoleEmployee, OrganizationID: "org1"}}
	r := NewResolver(lk)

	if _, err := r.Resolve(context.Background(), "u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var observed error
	r.OnError(func(err error) { observed = err })

	lk.err = errors.New("backend down")
	rec, err := r.Refresh(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected stale record, got error %v", err)
	}
	if rec.Role != RoleEmployee {
		t.Fatalf("expected stale employee role, got %+v", rec)
	}
	if observed == nil {
		t.Fatal("expected error surfaced to observers")
	}
}

func TestResolveFailsClosedWithoutCache(t *testing.T) {
	lk := &fakeLookup{err: errors.New("backend down")}
	r := NewResolver(lk)

	if _, err := r.Resolve(context.Background(), "u1"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}

func TestResolvePropagatesNotFound(t *testing.T) {
	lk := &fakeLookup{err: ErrNotFound}
	r := NewResolver(lk)

	if _, err := r.Resolve(context.Background(), "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWatchInvalidatesOnMatchingEmployeeEvent(t *testing.T) {
	lk := &fakeLookup{rec: Record{Role: RoleEmployee, OrganizationID: "org1"}}
	r := NewResolver(lk)

	if _, err := r.Resolve(context.Background(), "u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	broker := realtime.NewBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx, broker, "u1"); err != nil {
		t.Fatalf("watch: %v", err)
	}

	lk.rec = Record{Role: RoleAdmin, OrganizationID: "org1"}
	broker.Publish(realtime.EmployeeChannel("u1"), realtime.ChangeEvent{
		Table: realtime.TableEmployees,
		Op:    realtime.OpUpdate,
		New:   json.RawMessage(`{"id":"u1","role":"admin"}`),
	})

	deadline := time.After(time.Second)
	for {
		rec, err := r.Resolve(context.Background(), "u1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if rec.Role == RoleAdmin {
			break
		}
		select {
		case <-deadline:
			t.Fatal("cache not invalidated by employee change event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatchIgnoresForeignSubject(t *testing.T) {
	lk := &fakeLookup{rec: Record{Role: RoleEmployee, OrganizationID: "org1"}}
	r := NewResolver(lk)

	if _, err := r.Resolve(context.Background(), "u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	broker := realtime.NewBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx, broker, "u1"); err != nil {
		t.Fatalf("watch: %v", err)
	}

	broker.Publish(realtime.EmployeeChannel("u1"), realtime.ChangeEvent{
		Table: realtime.TableEmployees,
		Op:    realtime.OpUpdate,
		New:   json.RawMessage(`{"id":"someone-else"}`),
	})
	time.Sleep(50 * time.Millisecond)

	if _, err := r.Resolve(context.Background(), "u1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := lk.calls.Load(); got != 1 {
		t.Fatalf("cache dropped by foreign event: %d lookups", got)
	}
}
