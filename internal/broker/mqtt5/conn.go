// Package mqtt5 implements broker.Conn on top of paho.golang (MQTT v5).
package mqtt5

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"mqtt-pulse/internal/broker"
)

// Conn is a single MQTT v5 connection without automatic reconnection.
type Conn struct {
	opts   broker.Options
	events broker.Events

	mu     sync.Mutex
	client *paho.Client

	connected atomic.Bool
	closed    atomic.Bool
	lostOnce  sync.Once
}

// NewConn creates an unconnected MQTT v5 connection.
func NewConn(opts broker.Options, events broker.Events) (broker.Conn, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("broker address is required")
	}
	return &Conn{opts: opts, events: events}, nil
}

// Connect dials the broker and performs the CONNECT/CONNACK exchange.
func (c *Conn) Connect(ctx context.Context) error {
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", c.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID:      c.opts.ClientID,
		Conn:          nc,
		Router:        paho.NewSingleHandlerRouter(c.handlePublish),
		OnClientError: c.handleLost,
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.handleLost(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	connack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   c.opts.ClientID,
		KeepAlive:  keepAliveSeconds(c.opts.KeepAlive),
		CleanStart: true,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	if connack.ReasonCode != 0 {
		nc.Close()
		return fmt.Errorf("connection refused, reason code %d", connack.ReasonCode)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.connected.Store(true)
	return nil
}

func (c *Conn) getClient() *paho.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Subscribe sends a SUBSCRIBE and checks the SUBACK reason code.
func (c *Conn) Subscribe(topic string, qos byte) error {
	client := c.getClient()
	if client == nil || !c.IsConnected() {
		return broker.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), broker.OperationTimeout)
	defer cancel()

	suback, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	if len(suback.Reasons) > 0 && suback.Reasons[0] >= 0x80 {
		return fmt.Errorf("subscription to %s rejected, reason code %d", topic, suback.Reasons[0])
	}
	return nil
}

// Publish sends one PUBLISH packet.
func (c *Conn) Publish(topic string, payload []byte, qos byte, retain bool) error {
	client := c.getClient()
	if client == nil || !c.IsConnected() {
		return broker.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), broker.OperationTimeout)
	defer cancel()

	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Disconnect sends DISCONNECT and closes the network connection.
func (c *Conn) Disconnect() {
	if c.closed.Swap(true) {
		return
	}
	c.connected.Store(false)
	if client := c.getClient(); client != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
}

// IsConnected returns the current connection state
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

func (c *Conn) handlePublish(p *paho.Publish) {
	c.events.Deliver(p.Topic, p.Payload)
}

// handleLost reports the first failure of an established connection.
func (c *Conn) handleLost(err error) {
	c.connected.Store(false)
	if c.closed.Load() {
		return
	}
	c.lostOnce.Do(func() {
		c.events.Lost(err)
	})
}

// keepAliveSeconds converts d to the CONNECT keep-alive field, clamped to
// what the field can hold.
func keepAliveSeconds(d time.Duration) uint16 {
	secs := d / time.Second
	switch {
	case secs <= 0:
		return 0
	case secs > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(secs)
	}
}
