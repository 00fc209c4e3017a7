package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns a completed token
func NewMockToken(err error) *MockToken {
	t := &MockToken{
		err:  err,
		done: make(chan struct{}),
	}
	close(t.done)
	return t
}

// NewPendingToken returns a token that never completes
func NewPendingToken() *MockToken {
	return &MockToken{done: make(chan struct{})}
}

func (t *MockToken) Wait() bool { <-t.done; return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *MockToken) Error() error          { return t.err }
func (t *MockToken) Done() <-chan struct{} { return t.done }

// mockMessage implements mqtt.Message for testing
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	connected     atomic.Bool
	connectFunc   func() mqtt.Token
	publishFunc   func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	subscribeFunc func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token

	mu            sync.Mutex
	subscriptions []string
	handlers      map[string]mqtt.MessageHandler
	disconnects   int
}

func NewMockClient() *MockClient {
	m := &MockClient{handlers: make(map[string]mqtt.MessageHandler)}
	m.connectFunc = func() mqtt.Token {
		m.connected.Store(true)
		return NewMockToken(nil)
	}
	m.publishFunc = func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
		return NewMockToken(nil)
	}
	m.subscribeFunc = func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
		return NewMockToken(nil)
	}
	return m
}

func (m *MockClient) Connect() mqtt.Token { return m.connectFunc() }
func (m *MockClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	m.connected.Store(false)
}
func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.publishFunc(topic, qos, retained, payload)
}
func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = callback
	m.mu.Unlock()
	return m.subscribeFunc(topic, qos, callback)
}
func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}
func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token         { return NewMockToken(nil) }
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                               { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                          { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader         { return mqtt.ClientOptionsReader{} }

// deliver simulates an inbound message on a subscribed topic
func (m *MockClient) deliver(topic string, payload []byte) {
	m.mu.Lock()
	h := m.handlers[topic]
	m.mu.Unlock()
	if h != nil {
		h(m, &mockMessage{topic: topic, payload: payload})
	}
}
