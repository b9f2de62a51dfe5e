package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
)

func TestBufferFlushPreservesOrder(t *testing.T) {
	buffer := NewBuffer()
	buffer.Add(models.EventMessage{Topic: models.TopicPlanCreate, EntityID: "p-1"})
	buffer.Add(models.EventMessage{Topic: models.TopicEnrolmentUpdate, EntityID: "e-1"})
	buffer.Add(models.EventMessage{Topic: models.TopicEnrolmentUpdate, EntityID: "e-2"})

	var got []string
	emitter := EmitterFunc(func(ctx context.Context, msg models.EventMessage) error {
		got = append(got, msg.EntityID)
		return nil
	})
	require.NoError(t, buffer.Flush(context.Background(), emitter))
	assert.Equal(t, []string{"p-1", "e-1", "e-2"}, got)
	assert.Zero(t, buffer.Len())
}

func TestBufferFlushContinuesAfterError(t *testing.T) {
	buffer := NewBuffer()
	buffer.Add(models.EventMessage{EntityID: "a"})
	buffer.Add(models.EventMessage{EntityID: "b"})
	buffer.Add(models.EventMessage{EntityID: "c"})

	failOn := "b"
	var attempted []string
	emitter := EmitterFunc(func(ctx context.Context, msg models.EventMessage) error {
		attempted = append(attempted, msg.EntityID)
		if msg.EntityID == failOn {
			return errors.New("broker down")
		}
		return nil
	})
	err := buffer.Flush(context.Background(), emitter)
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, attempted)
	assert.Zero(t, buffer.Len())
}

func TestBufferDiscardEmitsNothing(t *testing.T) {
	buffer := NewBuffer()
	buffer.Add(models.EventMessage{EntityID: "a"})
	buffer.Discard()

	called := false
	emitter := EmitterFunc(func(ctx context.Context, msg models.EventMessage) error {
		called = true
		return nil
	})
	require.NoError(t, buffer.Flush(context.Background(), emitter))
	assert.False(t, called)
}
