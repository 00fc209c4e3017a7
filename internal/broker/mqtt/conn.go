package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-pulse/internal/broker"
)

// disconnectQuiesce is how long paho may spend flushing pending work, in milliseconds.
const disconnectQuiesce = 250

// Conn is a broker.Conn backed by paho.mqtt.golang (MQTT 3.1.1).
//
// paho's own reconnect logic is disabled: a lost connection is reported
// through broker.Events and the owner starts over with a new Conn.
type Conn struct {
	client         mqtt.Client
	events         broker.Events
	connectTimeout time.Duration
	connected      atomic.Bool
	closed         atomic.Bool
}

// NewConn creates an MQTT connection for the given options.
func NewConn(opts broker.Options, events broker.Events) (broker.Conn, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("broker address is required")
	}

	c := &Conn{
		events:         events,
		connectTimeout: opts.ConnectTimeout,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker("tcp://" + opts.Address).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOrderMatters(false)

	clientOpts.SetDefaultPublishHandler(c.handleMessage)
	clientOpts.SetConnectionLostHandler(c.handleDisconnect)

	c.client = mqtt.NewClient(clientOpts)
	return c, nil
}

// NewConnWithClient creates a connection around a provided client (for testing)
func NewConnWithClient(client mqtt.Client, events broker.Events, connectTimeout time.Duration) *Conn {
	return &Conn{
		client:         client,
		events:         events,
		connectTimeout: connectTimeout,
	}
}

// Connect establishes connection to the MQTT broker
func (c *Conn) Connect(ctx context.Context) error {
	token := c.client.Connect()

	var timeout <-chan time.Time
	if c.connectTimeout > 0 {
		timer := time.NewTimer(c.connectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-token.Done():
	case <-timeout:
		c.client.Disconnect(0)
		return fmt.Errorf("%w: connect after %v", broker.ErrTimeout, c.connectTimeout)
	case <-ctx.Done():
		c.client.Disconnect(0)
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.connected.Store(true)
	return nil
}

// Subscribe registers the topic; messages are delivered through broker.Events.
func (c *Conn) Subscribe(topic string, qos byte) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}

	token := c.client.Subscribe(topic, qos, c.handleMessage)
	if !token.WaitTimeout(broker.OperationTimeout) {
		return fmt.Errorf("%w: subscribe to %s", broker.ErrTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Publish sends a message to a specific topic
func (c *Conn) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(broker.OperationTimeout) {
		return fmt.Errorf("%w: publish to %s", broker.ErrTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Disconnect cleanly disconnects from the MQTT broker
func (c *Conn) Disconnect() {
	if c.closed.Swap(true) {
		return
	}
	c.connected.Store(false)
	c.client.Disconnect(disconnectQuiesce)
}

// IsConnected returns current connection status
func (c *Conn) IsConnected() bool {
	return c.connected.Load() && c.client.IsConnected()
}

func (c *Conn) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	c.events.Deliver(msg.Topic(), msg.Payload())
}

// handleDisconnect processes connection loss
func (c *Conn) handleDisconnect(_ mqtt.Client, err error) {
	c.connected.Store(false)
	if c.closed.Load() {
		return
	}
	c.events.Lost(err)
}
