package ticket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the ticket workflow state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Known reports whether s is one of the workflow states.
func (s Status) Known() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Priority is the ticket urgency classification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Known reports whether p is one of the defined priorities.
func (p Priority) Known() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Customer is the requester relation joined onto a ticket.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Employee is the assignee relation joined onto a ticket.
type Employee struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Tag labels a ticket.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Ticket is one support request with its joined relations. OrganizationID is
// immutable once set; merges never touch it.
type Ticket struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Status           Status    `json:"status"`
	Priority         Priority  `json:"priority"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	OrganizationID   string    `json:"organization_id"`
	Customer         *Customer `json:"customer"`
	AssignedEmployee *Employee `json:"assigned_employee"`
	Tags             []Tag     `json:"tags"`
}

// wireTicket buffers the relation fields so they can be normalized: the
// backend encodes a joined relation as a single object or a one-element array
// depending on join cardinality.
type wireTicket struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Status           Status          `json:"status"`
	Priority         Priority        `json:"priority"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	OrganizationID   string          `json:"organization_id"`
	Customer         json.RawMessage `json:"customer"`
	AssignedEmployee json.RawMessage `json:"assigned_employee"`
	Tags             json.RawMessage `json:"tags"`
}

// UnmarshalJSON decodes a ticket row, normalizing shape-polymorphic relations
// at the boundary before anything downstream sees them.
func (t *Ticket) UnmarshalJSON(data []byte) error {
	var w wireTicket
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	customer, err := decodeRelation[Customer](w.Customer)
	if err != nil {
		return fmt.Errorf("ticket %s: customer: %w", w.ID, err)
	}
	employee, err := decodeRelation[Employee](w.AssignedEmployee)
	if err != nil {
		return fmt.Errorf("ticket %s: assigned_employee: %w", w.ID, err)
	}
	tags, err := decodeTags(w.Tags)
	if err != nil {
		return fmt.Errorf("ticket %s: tags: %w", w.ID, err)
	}
	*t = Ticket{
		ID:               w.ID,
		Title:            w.Title,
		Description:      w.Description,
		Status:           w.Status,
		Priority:         w.Priority,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
		OrganizationID:   w.OrganizationID,
		Customer:         customer,
		AssignedEmployee: employee,
		Tags:             tags,
	}
	return nil
}

// decodeRelation accepts an object, a one-element array, null, or an empty
// array, and returns one tagged shape.
func decodeRelation[T any](raw json.RawMessage) (*T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []T
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, nil
		}
		if len(list) > 1 {
			return nil, fmt.Errorf("expected at most one joined row, got %d", len(list))
		}
		return &list[0], nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return &one, nil
}

// decodeTags accepts an array of tags or a single tag object.
func decodeTags(raw json.RawMessage) ([]Tag, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '{' {
		var one Tag
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		return []Tag{one}, nil
	}
	var list []Tag
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Patch is a partial ticket update decoded from a change event. Nil pointer
// fields were absent from the payload and leave the existing value alone.
// Update payloads carry only changed scalar columns, never re-joined
// relations, so absent relations are the normal case.
type Patch struct {
	ID          string
	Title       *string
	Description *string
	Status      *Status
	Priority    *Priority
	UpdatedAt   *time.Time

	customer         json.RawMessage
	assignedEmployee json.RawMessage
	tags             json.RawMessage
}

type wirePatch struct {
	ID               string          `json:"id"`
	Title            *string         `json:"title"`
	Description      *string         `json:"description"`
	Status           *Status         `json:"status"`
	Priority         *Priority       `json:"priority"`
	UpdatedAt        *time.Time      `json:"updated_at"`
	Customer         json.RawMessage `json:"customer"`
	AssignedEmployee json.RawMessage `json:"assigned_employee"`
	Tags             json.RawMessage `json:"tags"`
}

// ParsePatch decodes an update payload. The row id is required; everything
// else is optional.
func ParsePatch(raw json.RawMessage) (Patch, error) {
	var w wirePatch
	if err := json.Unmarshal(raw, &w); err != nil {
		return Patch{}, fmt.Errorf("decode update payload: %w", err)
	}
	if w.ID == "" {
		return Patch{}, errors.New("update payload has no id")
	}
	if w.Status != nil && !w.Status.Known() {
		return Patch{}, fmt.Errorf("unknown status %q", *w.Status)
	}
	if w.Priority != nil && !w.Priority.Known() {
		return Patch{}, fmt.Errorf("unknown priority %q", *w.Priority)
	}
	return Patch{
		ID:               w.ID,
		Title:            w.Title,
		Description:      w.Description,
		Status:           w.Status,
		Priority:         w.Priority,
		UpdatedAt:        w.UpdatedAt,
		customer:         w.Customer,
		assignedEmployee: w.AssignedEmployee,
		tags:             w.Tags,
	}, nil
}

// Apply merges the patch into t: present fields overwrite, absent fields are
// preserved. Relations replace wholesale (never mutated in place) so snapshots
// taken before the merge stay consistent. The organization id is immutable and
// never merged.
// An error leaves t untouched: every relation payload is decoded before the
// first field is written, so a malformed patch is rejected whole.
func (p Patch) Apply(t *Ticket) error {
	var (
		customer *Customer
		employee *Employee
		tags     []Tag
		err      error
	)
	if present(p.customer) {
		if customer, err = decodeRelation[Customer](p.customer); err != nil {
			return fmt.Errorf("merge customer: %w", err)
		}
	}
	if present(p.assignedEmployee) {
		if employee, err = decodeRelation[Employee](p.assignedEmployee); err != nil {
			return fmt.Errorf("merge assigned_employee: %w", err)
		}
	}
	if present(p.tags) {
		if tags, err = decodeTags(p.tags); err != nil {
			return fmt.Errorf("merge tags: %w", err)
		}
	}

	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.UpdatedAt != nil {
		t.UpdatedAt = *p.UpdatedAt
	}
	if present(p.customer) {
		t.Customer = customer
	}
	if present(p.assignedEmployee) {
		t.AssignedEmployee = employee
	}
	if present(p.tags) {
		t.Tags = tags
	}
	return nil
}

// present distinguishes "field absent" (nil raw) from "field explicitly null"
// (raw == "null", which clears the relation).
func present(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) > 0
}
