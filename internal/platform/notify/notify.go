// Package notify delivers "summary updated" events to downstream consumers.
// Every notifier implements summary.Notifier; delivery is best effort and the
// caller never rolls back a committed summary because a notification failed.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const EventSummaryUpdated = "summary.updated"

// Event is the payload every channel carries.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	PatientID  uuid.UUID `json:"patientId"`
	Version    int       `json:"version"`
	OccurredAt time.Time `json:"occurredAt"`
}

func newEvent(patientID uuid.UUID, version int) Event {
	return Event{
		ID:         uuid.New(),
		Type:       EventSummaryUpdated,
		PatientID:  patientID,
		Version:    version,
		OccurredAt: time.Now().UTC(),
	}
}

// Notifier matches summary.Notifier.
type Notifier interface {
	Notify(ctx context.Context, patientID uuid.UUID, version int) error
}

// Noop discards every notification.
type Noop struct{}

func (Noop) Notify(context.Context, uuid.UUID, int) error { return nil }

// Multi fans a notification out to every channel and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, patientID uuid.UUID, version int) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, patientID, version); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
