package stage

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Status is the state of one stage instance.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusProcessing Status = "PROCESSING"
	StatusFinished   Status = "FINISHED"
	StatusRejected   Status = "REJECTED"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusWaiting, StatusProcessing, StatusFinished, StatusRejected}

var validStatuses = map[Status]bool{
	StatusWaiting:    true,
	StatusProcessing: true,
	StatusFinished:   true,
	StatusRejected:   true,
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("invalid status: %s", s)
	}
	return st, nil
}

// Error codes surfaced to operators.
const (
	CodeStageNotFound            = "StageNotFound"
	CodeSampleNotWaiting         = "SampleNotWaiting"
	CodeIllegalTransition        = "IllegalTransition"
	CodeInvalidRejectionTarget   = "InvalidRejectionTarget"
	CodeIncompleteParameters     = "IncompleteParameters"
	CodeRejectionDetailsRequired = "RejectionDetailsRequired"
	CodeStaleStage               = "StaleStage"
)

// ErrOpenStageExists is returned by Repository.Create when the item already
// has a WAITING or PROCESSING stage.
var ErrOpenStageExists = errors.New("item already has an open stage")

// Parameters are the captured key/value results of a stage.
type Parameters map[string]interface{}

// Merge returns a new map with update applied over p.
func (p Parameters) Merge(update Parameters) Parameters {
	out := make(Parameters, len(p)+len(update))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

func (p Parameters) Equal(other Parameters) bool {
	if len(p) != len(other) {
		return false
	}
	return reflect.DeepEqual(map[string]interface{}(p), map[string]interface{}(other))
}

// StageState is one instance of a workflow step for an item. Instances are
// keyed by (ItemID, Order, Attempt); a rework creates Attempt+1 and leaves
// earlier attempts untouched.
type StageState struct {
	ID                   uuid.UUID  `json:"id"`
	ItemID               uuid.UUID  `json:"item_id"`
	StepID               uuid.UUID  `json:"step_id"`
	SectionID            uuid.UUID  `json:"section_id"`
	Order                int        `json:"order"`
	Attempt              int        `json:"attempt"`
	IsFirstStage         bool       `json:"is_first_stage"`
	Status               Status     `json:"status"`
	Parameters           Parameters `json:"parameters"`
	Details              string     `json:"details,omitempty"`
	AssignedTechnicianID *string    `json:"assigned_technician_id,omitempty"`
	StartedBy            *string    `json:"started_by,omitempty"`
	FinishedBy           *string    `json:"finished_by,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	BoundSampleID        *uuid.UUID `json:"bound_sample_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Open reports whether the stage still occupies the item's frontier.
func (s StageState) Open() bool {
	return s.Status == StatusWaiting || s.Status == StatusProcessing
}

// Snapshot returns a copy that shares no mutable state with s.
func (s StageState) Snapshot() StageState {
	if s.Parameters != nil {
		s.Parameters = Parameters{}.Merge(s.Parameters)
	}
	return s
}

// Transition describes the write applied by a compare-and-set status change.
type Transition struct {
	To       Status
	Actor    string
	At       time.Time
	SampleID *uuid.UUID
	Details  *string
	// Parameters replaces the stored parameters when non-nil.
	Parameters Parameters
}

// Action is the tagged variant of an operator's stage action.
type Action int

const (
	ActionContinue Action = iota + 1
	ActionFinish
	ActionReject
)

// Capability names used by the authorization gate.
const (
	CapabilityEnter    = "Enter"
	CapabilityUpdate   = "Update"
	CapabilityFinished = "finished"
	CapabilityRejected = "rejected"
)

var actionTypes = map[string]Action{
	CapabilityUpdate:   ActionContinue,
	CapabilityFinished: ActionFinish,
	CapabilityRejected: ActionReject,
}

// ParseActionType maps the request-surface action_type onto an Action.
func ParseActionType(s string) (Action, error) {
	a, ok := actionTypes[s]
	if !ok {
		return 0, fmt.Errorf("invalid action_type: %q (want Update, finished or rejected)", s)
	}
	return a, nil
}

// Capability is the gate action checked before the action runs.
func (a Action) Capability() string {
	switch a {
	case ActionContinue:
		return CapabilityUpdate
	case ActionFinish:
		return CapabilityFinished
	case ActionReject:
		return CapabilityRejected
	}
	return ""
}

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "CONTINUE"
	case ActionFinish:
		return "FINISH"
	case ActionReject:
		return "REJECT"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}
