package order

import (
	"context"

	"github.com/lims/lims/internal/platform/events"
)

// EventNotifier is the NotificationService that turns the order-ready
// signal into an order.ready event. Delivery happens in the consumers.
type EventNotifier struct {
	pub events.Publisher
}

func NewEventNotifier(pub events.Publisher) *EventNotifier {
	return &EventNotifier{pub: pub}
}

func (n *EventNotifier) OrderReady(ctx context.Context, sig events.OrderSignal) error {
	evt, err := events.New(events.OrderReady, sig)
	if err != nil {
		return err
	}
	return events.Emit(ctx, n.pub, evt)
}
