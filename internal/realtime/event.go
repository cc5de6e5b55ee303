package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// Table identifies the backing-store table a change event describes.
type Table string

const (
	TableTickets        Table = "tickets"
	TableTicketMessages Table = "ticket_messages"
	TableEmployees      Table = "employees"
)

// Op is the row-level operation carried by a change event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// ErrClosed indicates the source rejected a subscription because it was shut
// down.
var ErrClosed = errors.New("realtime: source closed")

// ChangeEvent is one incremental row-level notification from the backing
// store. Events are transient: consumed once, in delivery order, and may
// arrive duplicated or out of order relative to the row's history.
type ChangeEvent struct {
	ID    string          `json:"id,omitempty"`
	Table Table           `json:"table"`
	Op    Op              `json:"op"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// Source delivers tenant-scoped change events. The returned channel is closed
// when ctx ends or the underlying stream fails; callers distinguish the two by
// checking ctx.
type Source interface {
	Subscribe(ctx context.Context, channel string) (<-chan ChangeEvent, error)
}

// OrgChannel names the stream scoped to one tenant. The backend filters events
// server-side by organization id.
func OrgChannel(orgID string) string {
	return "org:" + orgID + ":changes"
}

// EmployeeChannel names the stream of employee-row changes filtered by subject
// id. The role resolver subscribes to this one on its own.
func EmployeeChannel(subjectID string) string {
	return "employee:" + subjectID + ":changes"
}
