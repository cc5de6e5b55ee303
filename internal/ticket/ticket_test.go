package ticket

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestUnmarshalNormalizesRelationShapes(t *testing.T) {
	// Customer arrives as a one-element array, assignee as an object, tags as
	// a single object: all three shapes appear depending on join cardinality.
	raw := `{
		"id": "t1",
		"title": "Printer on fire",
		"status": "open",
		"priority": "urgent",
		"organization_id": "org1",
		"customer": [{"id": "c1", "name": "Ada", "email": "ada@example.com"}],
		"assigned_employee": {"id": "e1", "first_name": "Grace", "last_name": "Hopper"},
		"tags": {"id": "g1", "name": "hardware", "color": "#f00"}
	}`

	var tk Ticket
	if err := json.Unmarshal([]byte(raw), &tk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tk.Customer == nil || tk.Customer.ID != "c1" {
		t.Fatalf("customer not normalized: %+v", tk.Customer)
	}
	if tk.AssignedEmployee == nil || tk.AssignedEmployee.FirstName != "Grace" {
		t.Fatalf("assignee not normalized: %+v", tk.AssignedEmployee)
	}
	if len(tk.Tags) != 1 || tk.Tags[0].Name != "hardware" {
		t.Fatalf("tags not normalized: %+v", tk.Tags)
	}
}

func TestUnmarshalEmptyAndNullRelations(t *testing.T) {
	raw := `{"id":"t2","title":"x","customer":[],"assigned_employee":null}`
	var tk Ticket
	if err := json.Unmarshal([]byte(raw), &tk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tk.Customer != nil {
		t.Fatalf("expected nil customer, got %+v", tk.Customer)
	}
	if tk.AssignedEmployee != nil {
		t.Fatalf("expected nil assignee, got %+v", tk.AssignedEmployee)
	}
}

func TestUnmarshalRejectsMultiElementRelation(t *testing.T) {
	raw := `{"id":"t3","customer":[{"id":"c1"},{"id":"c2"}]}`
	var tk Ticket
	if err := json.Unmarshal([]byte(raw), &tk); err == nil {
		t.Fatal("expected error for two-element joined relation")
	}
}

func baseTicket() Ticket {
	return Ticket{
		ID:             "t1",
		Title:          "Printer on fire",
		Description:    "It is actually on fire.",
		Status:         StatusOpen,
		Priority:       PriorityHigh,
		OrganizationID: "org1",
		UpdatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Customer:       &Customer{ID: "c1", Name: "Ada", Email: "ada@example.com"},
		AssignedEmployee: &Employee{
			ID: "e1", FirstName: "Grace", LastName: "Hopper",
		},
		Tags: []Tag{{ID: "g1", Name: "hardware", Color: "#f00"}},
	}
}

func TestPatchPreservesAbsentFields(t *testing.T) {
	// An update payload carrying only the changed scalar column must leave
	// every joined relation untouched.
	patch, err := ParsePatch(json.RawMessage(`{"id":"t1","status":"closed"}`))
	if err != nil {
		t.Fatalf("parse patch: %v", err)
	}

	tk := baseTicket()
	if err := patch.Apply(&tk); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tk.Status != StatusClosed {
		t.Fatalf("status not applied: %s", tk.Status)
	}
	if tk.Customer == nil || tk.Customer.ID != "c1" {
		t.Fatalf("customer lost in merge: %+v", tk.Customer)
	}
	if tk.AssignedEmployee == nil || tk.AssignedEmployee.ID != "e1" {
		t.Fatalf("assignee lost in merge: %+v", tk.AssignedEmployee)
	}
	if len(tk.Tags) != 1 || tk.Tags[0].ID != "g1" {
		t.Fatalf("tags lost in merge: %+v", tk.Tags)
	}
	if tk.Title != "Printer on fire" {
		t.Fatalf("title lost in merge: %q", tk.Title)
	}
}

func TestPatchErrorAppliesNothing(t *testing.T) {
	patch, err := ParsePatch(json.RawMessage(`{"id":"t1","status":"closed","title":"new","tags":"oops"}`))
	if err != nil {
		t.Fatalf("parse patch: %v", err)
	}

	tk := baseTicket()
	before := tk
	if err := patch.Apply(&tk); err == nil {
		t.Fatal("apply with malformed relation reported no error")
	}
	if tk.Status != before.Status || tk.Title != before.Title {
		t.Fatalf("scalars applied on error branch: %+v", tk)
	}
	if !reflect.DeepEqual(tk, before) {
		t.Fatalf("ticket changed on error branch: %+v", tk)
	}
}

func TestPatchExplicitNullClearsRelation(t *testing.T) {
	patch, err := ParsePatch(json.RawMessage(`{"id":"t1","assigned_employee":null}`))
	if err != nil {
		t.Fatalf("parse patch: %v", err)
	}
	tk := baseTicket()
	if err := patch.Apply(&tk); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tk.AssignedEmployee != nil {
		t.Fatalf("expected assignee cleared, got %+v", tk.AssignedEmployee)
	}
	if tk.Customer == nil {
		t.Fatal("customer must survive an unrelated null")
	}
}

func TestPatchNeverTouchesOrganizationID(t *testing.T) {
	patch, err := ParsePatch(json.RawMessage(`{"id":"t1","organization_id":"org2","title":"new"}`))
	if err != nil {
		t.Fatalf("parse patch: %v", err)
	}
	tk := baseTicket()
	if err := patch.Apply(&tk); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tk.OrganizationID != "org1" {
		t.Fatalf("organization id mutated to %q", tk.OrganizationID)
	}
	if tk.Title != "new" {
		t.Fatalf("title not applied: %q", tk.Title)
	}
}

func TestPatchOrderIndependentForDisjointFields(t *testing.T) {
	p1, err := ParsePatch(json.RawMessage(`{"id":"t1","status":"resolved"}`))
	if err != nil {
		t.Fatalf("parse p1: %v", err)
	}
	p2, err := ParsePatch(json.RawMessage(`{"id":"t1","priority":"low"}`))
	if err != nil {
		t.Fatalf("parse p2: %v", err)
	}

	a := baseTicket()
	b := baseTicket()
	if err := p1.Apply(&a); err != nil {
		t.Fatal(err)
	}
	if err := p2.Apply(&a); err != nil {
		t.Fatal(err)
	}
	if err := p2.Apply(&b); err != nil {
		t.Fatal(err)
	}
	if err := p1.Apply(&b); err != nil {
		t.Fatal(err)
	}

	if a.Status != b.Status || a.Priority != b.Priority {
		t.Fatalf("delivery order changed the outcome: %+v vs %+v", a, b)
	}
}

func TestParsePatchRejectsMissingID(t *testing.T) {
	if _, err := ParsePatch(json.RawMessage(`{"status":"closed"}`)); err == nil {
		t.Fatal("expected error for payload without id")
	}
}

func TestParsePatchRejectsUnknownStatus(t *testing.T) {
	if _, err := ParsePatch(json.RawMessage(`{"id":"t1","status":"zombie"}`)); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
