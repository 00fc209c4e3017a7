// Package schedule provides the periodic publishers of the server profile.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mqtt-pulse/internal/broker"
	"mqtt-pulse/internal/logger"
	"mqtt-pulse/internal/metrics"
)

const (
	HeartbeatName = "heartbeat"
	CommandName   = "command"

	// CommandText is the payload of every scheduled command.
	CommandText = "test command"
)

// Producer computes the payload for one tick.
type Producer func(now time.Time) []byte

// HeartbeatPayload formats now as "epoch_ms <milliseconds>".
func HeartbeatPayload(now time.Time) []byte {
	return []byte(fmt.Sprintf("epoch_ms %d", now.UnixMilli()))
}

// CommandPayload returns the fixed command text.
func CommandPayload(time.Time) []byte {
	return []byte(CommandText)
}

// Task publishes a produced payload on one topic at a fixed interval.
// The first publish happens as soon as Run starts.
type Task struct {
	name     string
	topic    string
	interval time.Duration
	produce  Producer
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	runs    uint64
}

func NewTask(name, topic string, interval time.Duration, produce Producer, log *logger.Logger, m *metrics.Metrics) *Task {
	if log == nil {
		log = logger.NewNop()
	}
	return &Task{
		name:     name,
		topic:    topic,
		interval: interval,
		produce:  produce,
		logger:   log,
		metrics:  m,
		now:      time.Now,
	}
}

// NewHeartbeat returns the heartbeat publisher.
func NewHeartbeat(topic string, interval time.Duration, log *logger.Logger, m *metrics.Metrics) *Task {
	return NewTask(HeartbeatName, topic, interval, HeartbeatPayload, log, m)
}

// NewCommand returns the command publisher.
func NewCommand(topic string, interval time.Duration, log *logger.Logger, m *metrics.Metrics) *Task {
	return NewTask(CommandName, topic, interval, CommandPayload, log, m)
}

func (t *Task) Name() string  { return t.name }
func (t *Task) Topic() string { return t.topic }

// LastRun returns the time of the most recent publish attempt.
func (t *Task) LastRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun
}

// Runs returns the number of publish attempts.
func (t *Task) Runs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// Run publishes until ctx is cancelled. A failed publish is logged and
// the cycle skipped; the next tick is unaffected.
func (t *Task) Run(ctx context.Context, pub broker.Publisher) {
	if ctx.Err() != nil {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick(pub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(pub)
		}
	}
}

func (t *Task) tick(pub broker.Publisher) {
	now := t.now()
	t.mu.Lock()
	t.lastRun = now
	t.runs++
	t.mu.Unlock()

	payload := t.produce(now)
	if err := pub.Publish(t.topic, payload); err != nil {
		t.logger.Error("scheduled publish failed",
			"task", t.name,
			"topic", t.topic,
			"error", err)
		if t.metrics != nil {
			t.metrics.IncPublishErrors(t.name)
		}
		return
	}
	t.logger.Debug("scheduled publish",
		"task", t.name,
		"topic", t.topic,
		"payload", string(payload))
}
