package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// FieldType is the value type a stage parameter captures.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldSelect  FieldType = "select"
	// FieldFile values are artifact ids of uploaded documents.
	FieldFile FieldType = "file"
)

var validFieldTypes = map[FieldType]bool{
	FieldString:  true,
	FieldNumber:  true,
	FieldBoolean: true,
	FieldSelect:  true,
	FieldFile:    true,
}

// ParameterField is one named, typed input of a stage.
type ParameterField struct {
	Name     string    `json:"name" toml:"name"`
	Label    string    `json:"label,omitempty" toml:"label"`
	Type     FieldType `json:"type" toml:"type"`
	Required bool      `json:"required" toml:"required"`
	Options  []string  `json:"options,omitempty" toml:"options"`
}

// Section is a lab unit that performs one kind of processing stage.
type Section struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Method is a test-performing method. It owns at most one Workflow.
type Method struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Workflow maps to the workflow table.
type Workflow struct {
	ID        uuid.UUID `db:"id" json:"id"`
	MethodID  uuid.UUID `db:"method_id" json:"method_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Step is a WorkflowStepTemplate: one ordered stage of a workflow.
type Step struct {
	ID         uuid.UUID        `db:"id" json:"id"`
	WorkflowID uuid.UUID        `db:"workflow_id" json:"workflow_id"`
	SectionID  uuid.UUID        `db:"section_id" json:"section_id"`
	Order      int              `db:"step_order" json:"order"`
	Schema     []ParameterField `db:"parameter_schema" json:"parameter_schema"`
}

// MissingRequired returns the names of required fields that are absent or
// empty in params.
func (s Step) MissingRequired(params map[string]interface{}) []string {
	var missing []string
	for _, f := range s.Schema {
		if !f.Required {
			continue
		}
		if isEmpty(params[f.Name]) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	}
	return false
}

// FileFields returns the names of file-typed fields.
func (s Step) FileFields() []string {
	var out []string
	for _, f := range s.Schema {
		if f.Type == FieldFile {
			out = append(out, f.Name)
		}
	}
	return out
}

// Steps is a workflow's stage list sorted by Order.
type Steps []Step

func NewSteps(steps []Step) Steps {
	out := make(Steps, len(steps))
	copy(out, steps)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func (s Steps) First() (Step, bool) {
	if len(s) == 0 {
		return Step{}, false
	}
	return s[0], true
}

func (s Steps) Last() (Step, bool) {
	if len(s) == 0 {
		return Step{}, false
	}
	return s[len(s)-1], true
}

// At returns the step with the given order.
func (s Steps) At(order int) (Step, bool) {
	for _, st := range s {
		if st.Order == order {
			return st, true
		}
	}
	return Step{}, false
}

// Next returns the step that follows order.
func (s Steps) Next(order int) (Step, bool) {
	for _, st := range s {
		if st.Order > order {
			return st, true
		}
	}
	return Step{}, false
}

// Upto returns the steps with Order <= order. These are the legal
// rejection targets for a stage at that order.
func (s Steps) Upto(order int) Steps {
	var out Steps
	for _, st := range s {
		if st.Order <= order {
			out = append(out, st)
		}
	}
	return out
}

// Validate checks that orders are dense from 1 and every field is well formed.
func (s Steps) Validate() error {
	for i, st := range s {
		if st.Order != i+1 {
			return fmt.Errorf("step orders must be dense from 1: position %d has order %d", i+1, st.Order)
		}
		if st.SectionID == uuid.Nil {
			return fmt.Errorf("step %d: section is required", st.Order)
		}
		seen := map[string]bool{}
		for _, f := range st.Schema {
			if f.Name == "" {
				return fmt.Errorf("step %d: field name is required", st.Order)
			}
			if seen[f.Name] {
				return fmt.Errorf("step %d: duplicate field %q", st.Order, f.Name)
			}
			seen[f.Name] = true
			if !validFieldTypes[f.Type] {
				return fmt.Errorf("step %d: field %q has invalid type %q", st.Order, f.Name, f.Type)
			}
			if f.Type == FieldSelect && len(f.Options) == 0 {
				return fmt.Errorf("step %d: select field %q needs options", st.Order, f.Name)
			}
		}
	}
	return nil
}
