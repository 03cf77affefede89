package notification

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/events"
)

// mockSender records messages and optionally fails.
type mockSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *mockSender) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *mockSender) messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func readyEvent(t *testing.T, sig events.OrderSignal) events.Event {
	t.Helper()
	evt, err := events.New(events.OrderReady, sig)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return evt
}

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.Register(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{"name": "Alice", "code": "1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	if _, _, err := NewTemplateEngine().Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestTemplateEngine_LeavesUnknownPlaceholders(t *testing.T) {
	_, body, err := NewTemplateEngine().Render(TemplatePatientReady, map[string]string{"order_id": "o-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "{{available}}") {
		t.Errorf("expected unfilled placeholder to remain, got %q", body)
	}
}

func TestDispatcher_NotifiesPatientAndReferrer(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(NewTemplateEngine(), sender, zerolog.Nop())

	ref := uuid.New()
	eta := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sig := events.OrderSignal{
		OrderID:          uuid.New(),
		PatientID:        uuid.New(),
		ReferrerID:       &ref,
		NotifyPatient:    true,
		NotifyReferrer:   true,
		EstimatedReadyAt: &eta,
	}
	if err := d.Publish(context.Background(), readyEvent(t, sig)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].TemplateID != TemplatePatientReady || msgs[0].Recipient != "patient:"+sig.PatientID.String() {
		t.Errorf("unexpected patient message %+v", msgs[0])
	}
	if msgs[1].TemplateID != TemplateReferrerReady || msgs[1].Recipient != "referrer:"+ref.String() {
		t.Errorf("unexpected referrer message %+v", msgs[1])
	}
	if !strings.Contains(msgs[0].Body, sig.OrderID.String()) || !strings.Contains(msgs[0].Body, "2026-03-01T09:00:00Z") {
		t.Errorf("body not rendered: %q", msgs[0].Body)
	}
}

func TestDispatcher_RespectsPreferences(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(NewTemplateEngine(), sender, zerolog.Nop())

	// referrer requested but unknown
	sig := events.OrderSignal{OrderID: uuid.New(), PatientID: uuid.New(), NotifyReferrer: true}
	if err := d.Publish(context.Background(), readyEvent(t, sig)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(sender.messages()); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
}

func TestDispatcher_IgnoresOtherEvents(t *testing.T) {
	sender := &mockSender{}
	d := NewDispatcher(NewTemplateEngine(), sender, zerolog.Nop())

	evt, _ := events.New(events.StageTransitioned, events.StageTransition{StageID: uuid.New()})
	if err := d.Publish(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(sender.messages()); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
}

func TestDispatcher_SenderFailure(t *testing.T) {
	sender := &mockSender{err: errors.New("smtp down")}
	d := NewDispatcher(NewTemplateEngine(), sender, zerolog.Nop())

	sig := events.OrderSignal{OrderID: uuid.New(), PatientID: uuid.New(), NotifyPatient: true}
	err := d.Publish(context.Background(), readyEvent(t, sig))
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Fatalf("expected sender error, got %v", err)
	}
}

func TestDispatcher_BadPayload(t *testing.T) {
	d := NewDispatcher(NewTemplateEngine(), &mockSender{}, zerolog.Nop())
	evt := events.Event{ID: uuid.New(), Type: events.OrderReady, Payload: []byte(`{"order_id":`)}
	if err := d.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLogSender_WritesEntry(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(zerolog.New(&buf))
	if err := s.Send(context.Background(), Message{OrderID: "o-1", Recipient: "patient:p", TemplateID: TemplatePatientReady}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"recipient":"patient:p"`) {
		t.Errorf("expected recipient in log, got %s", buf.String())
	}
}
