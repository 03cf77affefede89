package stage

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/lims/lims/internal/platform/apperr"
)

const (
	triggerEnter  = "enter"
	triggerUpdate = "update"
	triggerFinish = "finish"
	triggerReject = "reject"
)

var actionTriggers = map[Action]string{
	ActionContinue: triggerUpdate,
	ActionFinish:   triggerFinish,
	ActionReject:   triggerReject,
}

// newMachine configures the stage lifecycle starting at from. FINISHED and
// REJECTED accept no triggers; PROCESSING is the only state mutable in place.
func newMachine(from Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(StatusWaiting).
		Permit(triggerEnter, StatusProcessing)
	sm.Configure(StatusProcessing).
		PermitReentry(triggerUpdate).
		Permit(triggerFinish, StatusFinished).
		Permit(triggerReject, StatusRejected)
	sm.Configure(StatusFinished)
	sm.Configure(StatusRejected)
	return sm
}

// nextStatus fires trigger on a machine at from and returns the resulting
// status, or an IllegalTransition error naming the current status.
func nextStatus(ctx context.Context, from Status, trigger string) (Status, error) {
	sm := newMachine(from)
	ok, err := sm.CanFire(trigger)
	if err != nil || !ok {
		return "", apperr.Conflict(CodeIllegalTransition, "cannot %s a stage that is %s", trigger, from)
	}
	if err := sm.FireCtx(ctx, trigger); err != nil {
		return "", apperr.Conflict(CodeIllegalTransition, "cannot %s a stage that is %s: %v", trigger, from, err)
	}
	return sm.MustState().(Status), nil
}
