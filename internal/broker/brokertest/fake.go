// Package brokertest provides an in-memory broker.Conn for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	"mqtt-pulse/internal/broker"
)

// Published is one message sent through a FakeConn.
type Published struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Recorder collects the traffic of every FakeConn created by a Factory,
// so tests can inspect behaviour across reconnects.
type Recorder struct {
	mu            sync.Mutex
	subscriptions []string
	published     []Published
	conns         []*FakeConn
}

func (r *Recorder) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subscriptions...)
}

func (r *Recorder) Published() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.published...)
}

// PublishedTo returns the payloads sent to topic, in order.
func (r *Recorder) PublishedTo(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.published {
		if p.Topic == topic {
			out = append(out, string(p.Payload))
		}
	}
	return out
}

func (r *Recorder) Conns() []*FakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeConn(nil), r.conns...)
}

// Last returns the most recently created connection, or nil.
func (r *Recorder) Last() *FakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

// Factory returns a broker.Factory producing FakeConns. configure, if not
// nil, is called with the 1-based attempt number before the conn is handed out.
func (r *Recorder) Factory(configure func(attempt int, c *FakeConn)) broker.Factory {
	return func(opts broker.Options, events broker.Events) (broker.Conn, error) {
		c := &FakeConn{Options: opts, events: events, recorder: r}
		r.mu.Lock()
		r.conns = append(r.conns, c)
		attempt := len(r.conns)
		r.mu.Unlock()
		if configure != nil {
			configure(attempt, c)
		}
		return c, nil
	}
}

// FakeConn is an in-memory broker.Conn.
type FakeConn struct {
	Options broker.Options

	// Error injection, set before use.
	ConnectErr   error
	SubscribeErr map[string]error
	PublishErr   error

	// OnPublish, if set, is called for every successful publish.
	OnPublish func(Published)

	events   broker.Events
	recorder *Recorder

	mu            sync.Mutex
	connected     bool
	disconnected  bool
	subscriptions []string
	published     []Published
}

func (c *FakeConn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) Subscribe(topic string, qos byte) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}
	if err := c.SubscribeErr[topic]; err != nil {
		return err
	}
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, topic)
	c.mu.Unlock()

	c.recorder.mu.Lock()
	c.recorder.subscriptions = append(c.recorder.subscriptions, topic)
	c.recorder.mu.Unlock()
	return nil
}

func (c *FakeConn) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	p := Published{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos, Retain: retain}

	c.mu.Lock()
	c.published = append(c.published, p)
	c.mu.Unlock()

	c.recorder.mu.Lock()
	c.recorder.published = append(c.recorder.published, p)
	c.recorder.mu.Unlock()

	if c.OnPublish != nil {
		c.OnPublish(p)
	}
	return nil
}

func (c *FakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *FakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnected reports whether Disconnect was called.
func (c *FakeConn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *FakeConn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscriptions...)
}

// Deliver simulates an inbound message from the broker.
func (c *FakeConn) Deliver(topic string, payload []byte) {
	c.events.Deliver(topic, payload)
}

// Drop simulates the broker closing the connection.
func (c *FakeConn) Drop(err error) {
	if err == nil {
		err = errors.New("connection reset by peer")
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.events.Lost(err)
}
