// Package events carries the engine's outbound signals (artifact links,
// stage transitions, order readiness) to external collaborators.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ArtifactLinked    Type = "artifact.linked"
	StageTransitioned Type = "stage.transitioned"
	OrderReportReady  Type = "order.report_ready"
	OrderReady        Type = "order.ready"
)

// Event is one outbound message. Payload is JSON.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event with a fresh id and the JSON encoding of payload.
func New(t Type, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Event{ID: uuid.New(), Type: t, OccurredAt: time.Now().UTC(), Payload: raw}, nil
}

func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Publisher delivers events. Delivery is fire-and-forget from the engine's
// point of view: failures are logged, never rolled back into a transition.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ArtifactLink is the payload of artifact.linked.
type ArtifactLink struct {
	ArtifactID string    `json:"artifact_id"`
	PatientID  uuid.UUID `json:"patient_id"`
	Tag        string    `json:"tag"`
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
}

// StageTransition is the payload of stage.transitioned.
type StageTransition struct {
	StageID   uuid.UUID `json:"stage_id"`
	ItemID    uuid.UUID `json:"item_id"`
	SectionID uuid.UUID `json:"section_id"`
	Order     int       `json:"order"`
	Attempt   int       `json:"attempt"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Actor     string    `json:"actor"`
}

// OrderSignal is the payload of order.report_ready and order.ready.
type OrderSignal struct {
	OrderID          uuid.UUID  `json:"order_id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	ReferrerID       *uuid.UUID `json:"referrer_id,omitempty"`
	Status           string     `json:"status"`
	NotifyPatient    bool       `json:"notify_patient"`
	NotifyReferrer   bool       `json:"notify_referrer"`
	EstimatedReadyAt *time.Time `json:"estimated_ready_at,omitempty"`
}
