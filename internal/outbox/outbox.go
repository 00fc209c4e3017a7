// Package outbox queues ad-hoc publications submitted through the HTTP API
// and drains them through whichever session is currently connected.
package outbox

import (
	"context"
	"errors"

	"mqtt-pulse/internal/broker"
	"mqtt-pulse/internal/logger"
	"mqtt-pulse/internal/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue when the buffer is at capacity.
	ErrQueueFull = errors.New("outbox: queue full")

	// ErrInvalidMessage is returned for an empty topic.
	ErrInvalidMessage = errors.New("outbox: topic is required")
)

const taskName = "outbox"

// Queue is a bounded FIFO of pending publications. Messages survive
// reconnects; a message taken by a failing session is dropped.
type Queue struct {
	ch      chan broker.Message
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewQueue(size int, log *logger.Logger, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Queue{
		ch:      make(chan broker.Message, size),
		logger:  log,
		metrics: m,
	}
}

// Enqueue adds a message without blocking.
func (q *Queue) Enqueue(topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidMessage
	}
	select {
	case q.ch <- broker.Message{Topic: topic, Payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of pending messages.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

func (q *Queue) Name() string { return taskName }

// Run drains the queue through pub until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, pub broker.Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			if err := pub.Publish(msg.Topic, msg.Payload); err != nil {
				q.logger.Error("failed to publish queued message",
					"topic", msg.Topic,
					"error", err)
				if q.metrics != nil {
					q.metrics.IncPublishErrors(taskName)
				}
				continue
			}
			q.logger.Debug("queued message published", "topic", msg.Topic)
		}
	}
}
