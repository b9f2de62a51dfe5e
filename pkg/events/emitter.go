package events

import (
	"context"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

// Emitter delivers structured messages to downstream systems. Delivery is
// at-least-once and fire-and-forget from the caller's perspective.
type Emitter interface {
	Emit(ctx context.Context, msg models.EventMessage) error
}

// EmitterFunc allows using plain functions as emitters.
type EmitterFunc func(ctx context.Context, msg models.EventMessage) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, msg models.EventMessage) error {
	return f(ctx, msg)
}

// Buffer collects messages produced during a transaction. Messages are handed
// to the emitter only after the transaction commits; a rollback discards the
// buffer so nothing is ever emitted speculatively.
type Buffer struct {
	pending []models.EventMessage
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add appends a message preserving insertion order.
func (b *Buffer) Add(msg models.EventMessage) {
	b.pending = append(b.pending, msg)
}

// Len reports the number of buffered messages.
func (b *Buffer) Len() int {
	return len(b.pending)
}

// Messages exposes the buffered messages in emission order.
func (b *Buffer) Messages() []models.EventMessage {
	return b.pending
}

// Flush emits every buffered message in order and clears the buffer. Emission
// errors do not unwind earlier messages; the first error is returned after
// the remaining messages are attempted.
func (b *Buffer) Flush(ctx context.Context, emitter Emitter) error {
	var firstErr error
	for _, msg := range b.pending {
		if err := emitter.Emit(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.pending = nil
	return firstErr
}

// Discard drops all buffered messages without emitting.
func (b *Buffer) Discard() {
	b.pending = nil
}
