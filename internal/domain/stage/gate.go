package stage

import (
	"context"

	"github.com/google/uuid"
)

// AuthorizationGate decides whether user may perform action in a section.
// Actions are CapabilityEnter, CapabilityUpdate, CapabilityFinished and
// CapabilityRejected.
type AuthorizationGate interface {
	Can(ctx context.Context, user, action string, sectionID uuid.UUID) bool
}

// GateFunc adapts a function to AuthorizationGate.
type GateFunc func(ctx context.Context, user, action string, sectionID uuid.UUID) bool

func (f GateFunc) Can(ctx context.Context, user, action string, sectionID uuid.UUID) bool {
	return f(ctx, user, action, sectionID)
}
