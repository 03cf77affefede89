package stage

import (
	"context"
	"testing"

	"github.com/lims/lims/internal/platform/apperr"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from    Status
		trigger string
		want    Status
		ok      bool
	}{
		{StatusWaiting, triggerEnter, StatusProcessing, true},
		{StatusWaiting, triggerUpdate, "", false},
		{StatusWaiting, triggerFinish, "", false},
		{StatusWaiting, triggerReject, "", false},
		{StatusProcessing, triggerEnter, "", false},
		{StatusProcessing, triggerUpdate, StatusProcessing, true},
		{StatusProcessing, triggerFinish, StatusFinished, true},
		{StatusProcessing, triggerReject, StatusRejected, true},
		{StatusFinished, triggerUpdate, "", false},
		{StatusFinished, triggerReject, "", false},
		{StatusRejected, triggerEnter, "", false},
		{StatusRejected, triggerFinish, "", false},
	}
	for _, tt := range tests {
		got, err := nextStatus(context.Background(), tt.from, tt.trigger)
		if tt.ok {
			if err != nil {
				t.Errorf("%s --%s--> unexpected error: %v", tt.from, tt.trigger, err)
			} else if got != tt.want {
				t.Errorf("%s --%s--> %s, want %s", tt.from, tt.trigger, got, tt.want)
			}
			continue
		}
		if !apperr.HasCode(err, CodeIllegalTransition) {
			t.Errorf("%s --%s--> expected IllegalTransition, got %v", tt.from, tt.trigger, err)
		}
	}
}

func TestParseActionType(t *testing.T) {
	for s, want := range map[string]Action{"Update": ActionContinue, "finished": ActionFinish, "rejected": ActionReject} {
		got, err := ParseActionType(s)
		if err != nil || got != want {
			t.Errorf("ParseActionType(%q) = %v, %v", s, got, err)
		}
		if got.Capability() != s {
			t.Errorf("capability of %v = %q, want %q", got, got.Capability(), s)
		}
	}
	for _, bad := range []string{"", "update", "FINISHED", "Enter"} {
		if _, err := ParseActionType(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParameters_Merge(t *testing.T) {
	base := Parameters{"a": "1", "b": 2.0}
	merged := base.Merge(Parameters{"b": 3.0, "c": true})
	if merged["a"] != "1" || merged["b"] != 3.0 || merged["c"] != true {
		t.Errorf("unexpected merge result %v", merged)
	}
	if base["b"] != 2.0 {
		t.Error("merge must not modify the receiver")
	}
	if !merged.Equal(Parameters{"a": "1", "b": 3.0, "c": true}) {
		t.Error("expected equal parameters")
	}
}
