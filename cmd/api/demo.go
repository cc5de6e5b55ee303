package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"tickethub.org/internal/ids"
	"tickethub.org/internal/realtime"
	"tickethub.org/internal/ticket"
)

var demoTitles = []string{
	"Printer on floor 3 jams every second page",
	"Cannot reset password from mobile app",
	"Invoice PDF shows wrong currency",
	"Export to CSV times out for large reports",
	"Two-factor codes arrive with a delay",
	"Knowledge base search returns stale articles",
}

var demoStatuses = []ticket.Status{
	ticket.StatusInProgress,
	ticket.StatusResolved,
	ticket.StatusClosed,
}

// startDemo feeds artificial change events into the broker for one demo
// organization until the returned stop function is called. Roughly every
// third event is a status update against a previously inserted ticket.
func startDemo(broker *realtime.Broker, orgID string, interval time.Duration) func() {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var known []string
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if len(known) > 0 && rnd.Intn(3) == 0 {
					broker.Publish(realtime.OrgChannel(orgID), demoUpdate(rnd, orgID, known))
					continue
				}
				evt, id := demoInsert(rnd, orgID)
				known = append(known, id)
				if len(known) > 50 {
					known = known[1:]
				}
				broker.Publish(realtime.OrgChannel(orgID), evt)
			}
		}
	}()

	return func() { close(done) }
}

func demoInsert(rnd *rand.Rand, orgID string) (realtime.ChangeEvent, string) {
	id := ids.New()
	t := ticket.Ticket{
		ID:             id,
		Title:          demoTitles[rnd.Intn(len(demoTitles))],
		Description:    "synthetic demo ticket",
		Status:         ticket.StatusOpen,
		Priority:       ticket.PriorityMedium,
		OrganizationID: orgID,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	payload, _ := json.Marshal(t)
	return realtime.ChangeEvent{
		Table: realtime.TableTickets,
		Op:    realtime.OpInsert,
		New:   payload,
	}, id
}

func demoUpdate(rnd *rand.Rand, orgID string, known []string) realtime.ChangeEvent {
	id := known[rnd.Intn(len(known))]
	status := demoStatuses[rnd.Intn(len(demoStatuses))]
	payload := fmt.Sprintf(`{"id":%q,"status":%q,"updated_at":%q}`,
		id, status, time.Now().UTC().Format(time.RFC3339))
	return realtime.ChangeEvent{
		Table: realtime.TableTickets,
		Op:    realtime.OpUpdate,
		New:   json.RawMessage(payload),
	}
}
