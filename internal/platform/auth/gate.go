package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CapabilityGate authorizes stage actions from the capabilities bound to the
// request context. Admins pass every check.
type CapabilityGate struct {
	log zerolog.Logger
}

func NewCapabilityGate(log zerolog.Logger) *CapabilityGate {
	return &CapabilityGate{log: log}
}

func (g *CapabilityGate) Can(ctx context.Context, user, action string, sectionID uuid.UUID) bool {
	if HasAnyRole(RolesFromContext(ctx)) {
		return true
	}
	section := sectionID.String()
	for _, granted := range CapabilitiesFromContext(ctx) {
		if matchCapability(granted, action, section) {
			return true
		}
	}
	g.log.Warn().
		Str("user", user).
		Str("action", action).
		Str("section_id", section).
		Msg("stage action denied")
	return false
}
