// Package supervisor keeps a session alive: every failed or ended session
// is torn down and replaced after a fixed delay, forever.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"mqtt-pulse/internal/logger"
	"mqtt-pulse/internal/metrics"
	"mqtt-pulse/internal/session"
	"mqtt-pulse/internal/stats"
)

// WaitFunc blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Supervisor runs sessions one at a time.
type Supervisor struct {
	opts    session.Options
	delay   time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector
	wait    WaitFunc
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithWait replaces the delay implementation.
func WithWait(w WaitFunc) Option {
	return func(s *Supervisor) { s.wait = w }
}

// New returns a supervisor that builds each session from opts.
func New(opts session.Options, delay time.Duration, options ...Option) (*Supervisor, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("supervisor: retry delay must be positive, got %v", delay)
	}
	// Reject options that could never produce a session.
	if _, err := session.New(opts); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	s := &Supervisor{
		opts:    opts,
		delay:   delay,
		logger:  log,
		metrics: opts.Metrics,
		stats:   opts.Stats,
		wait:    sleep,
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Run blocks until ctx is cancelled. It never gives up: there is no
// retry limit and no backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		err := s.runOnce(ctx, attempt)
		if ctx.Err() != nil {
			s.logger.Info("supervisor stopped", "attempts", attempt)
			return nil
		}

		if s.stats != nil {
			s.stats.SetLastError(err)
			s.stats.Reconnects.Add(1)
		}
		if s.metrics != nil {
			s.metrics.IncReconnects()
		}
		s.logger.Error("session ended, retrying",
			"attempt", attempt,
			"error", err,
			"delay", s.delay.String())

		if err := s.wait(ctx, s.delay); err != nil {
			return nil
		}
	}
}

// runOnce runs a single session to completion. The session is fully torn
// down before it returns.
func (s *Supervisor) runOnce(ctx context.Context, attempt int) (err error) {
	if s.stats != nil {
		s.stats.SessionAttempts.Add(1)
	}
	if s.metrics != nil {
		s.metrics.IncSessionAttempts()
	}

	sess, err := session.New(s.opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
	}()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	s.logger.Info("session established",
		"attempt", attempt,
		"subscriptions", sess.Subscriptions())

	if err := sess.Run(ctx); err != nil {
		return err
	}
	return fmt.Errorf("session stopped")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
