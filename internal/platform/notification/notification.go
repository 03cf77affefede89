// Package notification turns order.ready events into rendered patient and
// referrer messages. Channel delivery belongs to the Sender.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/events"
)

const (
	TemplatePatientReady  = "lab-result-ready"
	TemplateReferrerReady = "referrer-result-ready"
)

// Message is one rendered notification.
type Message struct {
	OrderID    string `json:"order_id"`
	Recipient  string `json:"recipient"`
	TemplateID string `json:"template_id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// Sender delivers a rendered message over some channel.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Template defines a reusable notification template. Placeholders are
// written {{key}}.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine holds notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine with the result-ready templates
// registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.Register(Template{
		ID:      TemplatePatientReady,
		Subject: "Your lab results are ready",
		Body:    "Your results for order {{order_id}} are ready{{available}}.",
	})
	e.Register(Template{
		ID:      TemplateReferrerReady,
		Subject: "Results ready for your patient",
		Body:    "Results for order {{order_id}} (patient {{patient_id}}) are ready{{available}}.",
	})
	return e
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render substitutes data into the template. Placeholders without a value
// are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Dispatcher is an events.Publisher that reacts to order.ready and ignores
// every other event type.
type Dispatcher struct {
	templates *TemplateEngine
	sender    Sender
	log       zerolog.Logger
}

func NewDispatcher(templates *TemplateEngine, sender Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{templates: templates, sender: sender, log: log}
}

func (d *Dispatcher) Publish(ctx context.Context, evt events.Event) error {
	if evt.Type != events.OrderReady {
		return nil
	}
	var sig events.OrderSignal
	if err := evt.Decode(&sig); err != nil {
		return fmt.Errorf("decode %s: %w", evt.Type, err)
	}

	data := map[string]string{
		"order_id":   sig.OrderID.String(),
		"patient_id": sig.PatientID.String(),
		"available":  "",
	}
	if sig.EstimatedReadyAt != nil {
		data["available"] = " from " + sig.EstimatedReadyAt.UTC().Format(time.RFC3339)
	}

	var errs []error
	if sig.NotifyPatient {
		errs = append(errs, d.send(ctx, TemplatePatientReady, "patient:"+sig.PatientID.String(), data))
	}
	if sig.NotifyReferrer && sig.ReferrerID != nil {
		errs = append(errs, d.send(ctx, TemplateReferrerReady, "referrer:"+sig.ReferrerID.String(), data))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, templateID, recipient string, data map[string]string) error {
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return err
	}
	m := Message{
		OrderID:    data["order_id"],
		Recipient:  recipient,
		TemplateID: templateID,
		Subject:    subject,
		Body:       body,
	}
	if err := d.sender.Send(ctx, m); err != nil {
		d.log.Error().Err(err).
			Str("order_id", m.OrderID).
			Str("recipient", recipient).
			Msg("notification send failed")
		return fmt.Errorf("send %s to %s: %w", templateID, recipient, err)
	}
	return nil
}

// LogSender writes messages to the structured log instead of a real
// channel.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, m Message) error {
	s.log.Info().
		Str("order_id", m.OrderID).
		Str("recipient", m.Recipient).
		Str("template", m.TemplateID).
		Str("subject", m.Subject).
		Msg("notification")
	return nil
}
