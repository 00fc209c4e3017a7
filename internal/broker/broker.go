// Package broker defines the transport surface a session needs from a
// publish/subscribe client library. Concrete transports live in the mqtt,
// mqtt5 and nats subpackages.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by transports when an operation needs a live connection.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrTimeout is returned when the broker does not acknowledge an operation in time.
	ErrTimeout = errors.New("broker: operation timed out")
)

// OperationTimeout bounds subscribe and publish acknowledgements.
const OperationTimeout = 5 * time.Second

// Message is a single inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Events are the callbacks a transport invokes. Both may be called from
// transport-owned goroutines.
type Events struct {
	OnMessage        func(Message)
	OnConnectionLost func(error)
}

// Options configures one connection attempt.
type Options struct {
	Address        string // host:port
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Conn is a single broker connection. A Conn is used for exactly one
// connect/disconnect cycle and is never reconnected.
type Conn interface {
	// Connect performs the handshake, bounded by ctx and Options.ConnectTimeout
	Connect(ctx context.Context) error

	// Subscribe adds a topic subscription and waits for the broker to accept it
	Subscribe(topic string, qos byte) error

	// Publish sends one message
	Publish(topic string, payload []byte, qos byte, retain bool) error

	// Disconnect closes the connection; safe to call more than once
	Disconnect()

	// IsConnected returns the current connection state
	IsConnected() bool
}

// Publisher is the publish surface handed to message handlers and
// background publishers.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Factory creates an unconnected Conn.
type Factory func(opts Options, events Events) (Conn, error)

// Deliver invokes the message callback if set.
func (e Events) Deliver(topic string, payload []byte) {
	if e.OnMessage != nil {
		e.OnMessage(Message{Topic: topic, Payload: payload})
	}
}

// Lost invokes the connection-lost callback if set.
func (e Events) Lost(err error) {
	if e.OnConnectionLost != nil {
		e.OnConnectionLost(err)
	}
}
