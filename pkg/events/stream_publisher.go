package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
	"github.com/noah-isme/lms-enrolment-api/pkg/jobs"
)

// StreamPublisher emits messages onto a Redis stream through the background
// jobs queue so the request path never blocks on the broker.
type StreamPublisher struct {
	client *redis.Client
	stream string
	queue  *jobs.Queue
	logger *zap.Logger
}

// StreamPublisherConfig tunes the publisher.
type StreamPublisherConfig struct {
	Stream     string
	Workers    int
	BufferSize int
	MaxRetries int
	Logger     *zap.Logger
}

// NewStreamPublisher builds the publisher and its delivery queue. Call Start
// before emitting and Stop on shutdown.
func NewStreamPublisher(client *redis.Client, cfg StreamPublisherConfig) *StreamPublisher {
	if cfg.Stream == "" {
		cfg.Stream = "enrolment-events"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	p := &StreamPublisher{
		client: client,
		stream: cfg.Stream,
		logger: cfg.Logger,
	}
	p.queue = jobs.NewQueue("events", p.deliver, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		Logger:     cfg.Logger,
	})
	return p
}

// Start begins queue consumption.
func (p *StreamPublisher) Start(ctx context.Context) {
	p.queue.Start(ctx)
}

// Stop drains workers.
func (p *StreamPublisher) Stop() {
	p.queue.Stop()
}

// Emit serialises the message and enqueues it for stream delivery.
func (p *StreamPublisher) Emit(ctx context.Context, msg models.EventMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event message: %w", err)
	}
	return p.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    string(msg.Topic),
		Payload: payload,
	})
}

func (p *StreamPublisher) deliver(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.([]byte)
	if !ok {
		return fmt.Errorf("unexpected event payload type %T", job.Payload)
	}
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"topic":   job.Type,
			"message": payload,
		},
	}).Err(); err != nil {
		return fmt.Errorf("publish event to stream: %w", err)
	}
	p.logger.Debug("event published", zap.String("topic", job.Type), zap.String("job_id", job.ID))
	return nil
}
