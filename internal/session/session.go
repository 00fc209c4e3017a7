// Package session owns one broker connection from handshake to teardown.
//
// A Session is single use: Connect performs the handshake and the
// on-connect protocol (subscribe, announce, start publishers), Run
// dispatches inbound messages until the connection ends, and Close tears
// everything down. Reconnecting means building a new Session; see the
// supervisor package.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mqtt-pulse/internal/broker"
	"mqtt-pulse/internal/logger"
	"mqtt-pulse/internal/metrics"
	"mqtt-pulse/internal/stats"
)

const inboundBuffer = 64

// Handler processes one inbound message. pub publishes through the
// session that received it.
type Handler interface {
	Handle(ctx context.Context, pub broker.Publisher, msg broker.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, pub broker.Publisher, msg broker.Message)

func (f HandlerFunc) Handle(ctx context.Context, pub broker.Publisher, msg broker.Message) {
	f(ctx, pub, msg)
}

// Task is a background publisher owned by the session. Run must return
// when ctx is cancelled.
type Task interface {
	Name() string
	Run(ctx context.Context, pub broker.Publisher)
}

// Announcement is published once after the subscriptions are in place.
type Announcement struct {
	Topic   string
	Payload func() []byte
}

// Options configures a Session.
type Options struct {
	Factory        broker.Factory
	Address        string
	ClientName     string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte

	Subscriptions []string
	Announcement  *Announcement
	Handler       Handler
	Tasks         []Task

	// OnTransition, if set, is called after every state change.
	OnTransition func(from, to State)

	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Stats   *stats.StatsCollector
}

// Session is one connection lifetime.
type Session struct {
	opts    Options
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	mu         sync.RWMutex
	state      State
	conn       broker.Conn
	subscribed []string

	// pubMu serializes publishes so payloads never interleave on the wire
	pubMu sync.Mutex

	inbound chan broker.Message
	lost    chan error

	stopCh   chan struct{}
	stopOnce sync.Once

	tasksCancel context.CancelFunc
	tasksWG     sync.WaitGroup

	closeOnce sync.Once
}

// New validates opts and returns an unconnected Session.
func New(opts Options) (*Session, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("session: broker factory is required")
	}
	if opts.Address == "" {
		return nil, fmt.Errorf("session: broker address is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("session: message handler is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	return &Session{
		opts:    opts,
		logger:  log,
		metrics: opts.Metrics,
		stats:   opts.Stats,
		state:   StateDisconnected,
		inbound: make(chan broker.Message, inboundBuffer),
		lost:    make(chan error, 1),
		stopCh:  make(chan struct{}),
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscriptions returns the topics subscribed during Connect, in order.
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.subscribed...)
}

// Connect performs the handshake and the on-connect protocol. Publishers
// start only after every subscription succeeded.
func (s *Session) Connect(ctx context.Context) error {
	if !s.transition(StateDisconnected, StateConnecting) {
		return fmt.Errorf("%w: session already used", ErrConnection)
	}

	clientID := fmt.Sprintf("%s-%s", s.opts.ClientName, uuid.NewString()[:8])
	s.logger.Info("connecting to broker",
		"address", s.opts.Address,
		"clientId", clientID)

	conn, err := s.opts.Factory(broker.Options{
		Address:        s.opts.Address,
		ClientID:       clientID,
		KeepAlive:      s.opts.KeepAlive,
		ConnectTimeout: s.opts.ConnectTimeout,
	}, broker.Events{
		OnMessage:        s.enqueue,
		OnConnectionLost: s.connectionLost,
	})
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		s.setState(StateFailed)
		conn.Disconnect()
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	s.setState(StateConnected)

	for _, topic := range s.opts.Subscriptions {
		if err := conn.Subscribe(topic, s.opts.QoS); err != nil {
			s.setState(StateFailed)
			conn.Disconnect()
			return fmt.Errorf("%w: %s: %w", ErrSubscription, topic, err)
		}
		s.mu.Lock()
		s.subscribed = append(s.subscribed, topic)
		s.mu.Unlock()
		s.logger.Info("subscribed", "topic", topic)
	}

	if a := s.opts.Announcement; a != nil {
		if err := s.Publish(a.Topic, a.Payload()); err != nil {
			s.logger.Warn("failed to publish connected announcement",
				"topic", a.Topic,
				"error", err)
		}
	}

	s.startTasks(ctx)
	return nil
}

// Publish sends payload on topic at the configured QoS, not retained.
// Concurrent callers are serialized.
func (s *Session) Publish(topic string, payload []byte) error {
	s.mu.RLock()
	conn, state := s.conn, s.state
	s.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	s.pubMu.Lock()
	err := conn.Publish(topic, payload, s.opts.QoS, false)
	s.pubMu.Unlock()

	if err != nil {
		if s.stats != nil {
			s.stats.PublishErrors.Add(1)
		}
		if errors.Is(err, broker.ErrNotConnected) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	if s.stats != nil {
		s.stats.MessagesPublished.Add(1)
	}
	if s.metrics != nil {
		s.metrics.IncMessagesTotal("published")
	}
	return nil
}

// Run dispatches inbound messages until the connection is lost, Stop is
// called or ctx is cancelled. A lost connection yields an error wrapping
// ErrDisconnected; the other two return nil. Publishers have exited by
// the time Run returns.
func (s *Session) Run(ctx context.Context) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	defer s.teardown()

	for {
		select {
		case msg := <-s.inbound:
			s.dispatch(ctx, msg)
		case err := <-s.lost:
			s.logger.Warn("connection lost", "error", err)
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop asks Run to return and closes the connection. Safe to call more
// than once and from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			conn.Disconnect()
		}
	})
}

// Close stops the session and waits for full teardown.
func (s *Session) Close() {
	s.teardown()
}

func (s *Session) teardown() {
	s.Stop()
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.tasksCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.tasksWG.Wait()

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			conn.Disconnect()
		}

		if s.State() == StateConnected {
			s.setState(StateDisconnected)
		}
	})
}

func (s *Session) startTasks(ctx context.Context) {
	if len(s.opts.Tasks) == 0 {
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.tasksCancel = cancel
	s.mu.Unlock()

	for _, task := range s.opts.Tasks {
		s.tasksWG.Add(1)
		go func(t Task) {
			defer s.tasksWG.Done()
			s.logger.Debug("publisher started", "task", t.Name())
			t.Run(taskCtx, s)
			s.logger.Debug("publisher stopped", "task", t.Name())
		}(task)
	}
}

func (s *Session) dispatch(ctx context.Context, msg broker.Message) {
	if s.stats != nil {
		s.stats.MessagesReceived.Add(1)
	}
	if s.metrics != nil {
		s.metrics.IncMessagesTotal("received")
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in message handler",
				"topic", msg.Topic,
				"panic", r)
		}
	}()
	s.opts.Handler.Handle(ctx, s, msg)
}

// enqueue runs on transport goroutines and must not block once the
// session is stopped.
func (s *Session) enqueue(msg broker.Message) {
	select {
	case s.inbound <- msg:
	case <-s.stopCh:
	}
}

func (s *Session) connectionLost(err error) {
	if s.State() != StateConnected {
		return
	}
	if err == nil {
		err = broker.ErrNotConnected
	}
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.notify(from, to)
	return true
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.notify(from, to)
	}
}

func (s *Session) notify(from, to State) {
	s.logger.Debug("session state changed", "from", from.String(), "to", to.String())
	if s.stats != nil {
		s.stats.SetState(to.String())
	}
	if s.metrics != nil {
		s.metrics.SetConnectionStatus(to == StateConnected)
	}
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(from, to)
	}
}
