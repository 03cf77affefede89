package stage

import (
	"sort"

	"github.com/lims/lims/internal/domain/workflow"
)

// History is every stage instance of one item, sorted by (Order, Attempt).
type History []StageState

func NewHistory(states []StageState) History {
	h := make(History, len(states))
	copy(h, states)
	sort.Slice(h, func(i, j int) bool {
		if h[i].Order != h[j].Order {
			return h[i].Order < h[j].Order
		}
		return h[i].Attempt < h[j].Attempt
	})
	return h
}

// Open returns the item's single WAITING or PROCESSING instance.
func (h History) Open() (StageState, bool) {
	for _, s := range h {
		if s.Open() {
			return s, true
		}
	}
	return StageState{}, false
}

// Latest returns the highest attempt at order.
func (h History) Latest(order int) (StageState, bool) {
	var out StageState
	found := false
	for _, s := range h {
		if s.Order == order && (!found || s.Attempt > out.Attempt) {
			out, found = s, true
		}
	}
	return out, found
}

func (h History) NextAttempt(order int) int {
	if s, ok := h.Latest(order); ok {
		return s.Attempt + 1
	}
	return 1
}

// PredecessorsFinished reports whether the latest attempt of every template
// step below order is FINISHED.
func (h History) PredecessorsFinished(order int, steps workflow.Steps) bool {
	for _, st := range steps {
		if st.Order >= order {
			break
		}
		latest, ok := h.Latest(st.Order)
		if !ok || latest.Status != StatusFinished {
			return false
		}
	}
	return true
}

// Complete reports whether the last template step's latest attempt is
// FINISHED and nothing is open.
func (h History) Complete(steps workflow.Steps) bool {
	last, ok := steps.Last()
	if !ok {
		return true
	}
	if _, open := h.Open(); open {
		return false
	}
	latest, ok := h.Latest(last.Order)
	return ok && latest.Status == StatusFinished
}

// Frontier returns the first template step whose latest attempt is not
// FINISHED.
func (h History) Frontier(steps workflow.Steps) (workflow.Step, bool) {
	for _, st := range steps {
		latest, ok := h.Latest(st.Order)
		if !ok || latest.Status != StatusFinished {
			return st, true
		}
	}
	return workflow.Step{}, false
}
