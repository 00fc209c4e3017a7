package nats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"mqtt-pulse/internal/broker"
)

// Conn implements broker.Conn for a NATS server. Topics are mapped to
// subjects with ToNATSSubject; QoS and retain have no NATS equivalent and
// are ignored.
type Conn struct {
	opts   broker.Options
	events broker.Events

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription

	connected atomic.Bool
	closed    atomic.Bool
	lostOnce  sync.Once
}

// NewConn creates an unconnected NATS connection.
func NewConn(opts broker.Options, events broker.Events) (broker.Conn, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("no NATS server address provided")
	}
	return &Conn{opts: opts, events: events}, nil
}

// Connect establishes connection to the NATS server
func (c *Conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []nats.Option{
		nats.Name(c.opts.ClientID),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ClosedHandler(c.handleClosed),
	}
	if c.opts.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(c.opts.ConnectTimeout))
	}
	if c.opts.KeepAlive > 0 {
		opts = append(opts, nats.PingInterval(c.opts.KeepAlive))
	}

	nc, err := nats.Connect("nats://"+c.opts.Address, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	c.mu.Lock()
	c.conn = nc
	c.mu.Unlock()
	c.connected.Store(true)
	return nil
}

func (c *Conn) getConn() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Subscribe subscribes to the subject for topic and flushes so the server
// has processed the interest before returning.
func (c *Conn) Subscribe(topic string, qos byte) error {
	nc := c.getConn()
	if nc == nil || !c.IsConnected() {
		return broker.ErrNotConnected
	}

	subject := ToNATSSubject(topic)
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		// exact subscriptions report the configured topic unchanged
		if HasWildcard(topic) {
			c.events.Deliver(ToMQTTTopic(m.Subject), m.Data)
			return
		}
		c.events.Deliver(topic, m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}
	if err := nc.FlushTimeout(broker.OperationTimeout); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to confirm subscription to subject %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Publish sends a message to a specific topic
func (c *Conn) Publish(topic string, payload []byte, qos byte, retain bool) error {
	nc := c.getConn()
	if nc == nil || !c.IsConnected() {
		return broker.ErrNotConnected
	}

	subject := ToNATSSubject(topic)
	if err := nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	return nil
}

// Disconnect cleanly disconnects from the NATS server
func (c *Conn) Disconnect() {
	if c.closed.Swap(true) {
		return
	}
	c.connected.Store(false)

	nc := c.getConn()
	if nc == nil {
		return
	}
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	nc.Close()
}

// IsConnected returns the current connection status
func (c *Conn) IsConnected() bool {
	nc := c.getConn()
	return nc != nil && nc.IsConnected() && c.connected.Load()
}

func (c *Conn) handleDisconnect(_ *nats.Conn, err error) {
	if err == nil {
		err = fmt.Errorf("disconnected from NATS server")
	}
	c.lost(err)
}

func (c *Conn) handleClosed(_ *nats.Conn) {
	c.lost(fmt.Errorf("NATS connection closed"))
}

func (c *Conn) lost(err error) {
	c.connected.Store(false)
	if c.closed.Load() {
		return
	}
	c.lostOnce.Do(func() {
		c.events.Lost(err)
	})
}
