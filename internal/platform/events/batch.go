package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type batchKey struct{}

// Batch holds events raised inside a transaction until it commits.
type Batch struct {
	mu     sync.Mutex
	events []Event
}

// WithBatch returns a context whose Emit calls are buffered in the returned Batch.
func WithBatch(ctx context.Context) (context.Context, *Batch) {
	b := &Batch{}
	return context.WithValue(ctx, batchKey{}, b), b
}

// BatchFromContext returns the Batch bound to ctx, or nil.
func BatchFromContext(ctx context.Context) *Batch {
	b, _ := ctx.Value(batchKey{}).(*Batch)
	return b
}

// Emit buffers evt when ctx carries a Batch and publishes it immediately
// otherwise.
func Emit(ctx context.Context, pub Publisher, evt Event) error {
	if b := BatchFromContext(ctx); b != nil {
		b.mu.Lock()
		b.events = append(b.events, evt)
		b.mu.Unlock()
		return nil
	}
	if pub == nil {
		return nil
	}
	return pub.Publish(ctx, evt)
}

// Events returns a copy of the buffered events.
func (b *Batch) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Flush publishes the buffered events in order and empties the batch.
// Publish failures are logged and do not stop the flush.
func (b *Batch) Flush(ctx context.Context, pub Publisher, log zerolog.Logger) {
	b.mu.Lock()
	pending := b.events
	b.events = nil
	b.mu.Unlock()

	if pub == nil {
		return
	}
	for _, evt := range pending {
		if err := pub.Publish(ctx, evt); err != nil {
			log.Error().Err(err).
				Str("event_id", evt.ID.String()).
				Str("event_type", string(evt.Type)).
				Msg("event publish failed")
		}
	}
}

// Discard drops buffered events after a rollback.
func (b *Batch) Discard() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

// Deferred runs fn with a context that buffers emitted events. When fn
// succeeds the buffer is flushed to pub; when it fails the buffer is
// dropped. If ctx already carries a Batch, fn joins it and the outer owner
// decides when to flush.
func Deferred(ctx context.Context, pub Publisher, log zerolog.Logger, fn func(ctx context.Context) error) error {
	if BatchFromContext(ctx) != nil {
		return fn(ctx)
	}
	bctx, batch := WithBatch(ctx)
	if err := fn(bctx); err != nil {
		batch.Discard()
		return err
	}
	batch.Flush(ctx, pub, log)
	return nil
}
