package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-pulse/config"
	"mqtt-pulse/internal/broker"
	"mqtt-pulse/internal/fleet"
	"mqtt-pulse/internal/metrics"
	"mqtt-pulse/internal/stats"
	"mqtt-pulse/internal/topics"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []broker.Message
	err  error
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, broker.Message{Topic: topic, Payload: payload})
	return nil
}

func registry(profile config.Profile) topics.Registry {
	return topics.NewRegistry(&config.Config{
		Profile: profile,
		Topics: config.TopicsConfig{
			Command:   "cmd",
			Response:  "resp",
			Connected: "conn",
			Heartbeat: "hb",
			Sync:      "sync",
		},
	})
}

func TestClientRepliesToCommands(t *testing.T) {
	m, err := metrics.NewMetrics(nil)
	require.NoError(t, err)
	st := stats.NewStatsCollector()
	d, err := New(registry(config.ProfileClient), "gw-1", nil, nil, m, st)
	require.NoError(t, err)
	pub := &recordingPublisher{}

	for i := 0; i < 3; i++ {
		d.Handle(context.Background(), pub, broker.Message{Topic: "cmd", Payload: []byte("test command")})
	}

	require.Len(t, pub.sent, 3)
	for _, msg := range pub.sent {
		assert.Equal(t, "resp", msg.Topic)
		assert.Equal(t, "gw-1", string(msg.Payload))
	}
	assert.Equal(t, uint64(3), st.Replies.Load())
}

func TestClientIgnoresOtherTopics(t *testing.T) {
	d, err := New(registry(config.ProfileClient), "gw-1", nil, nil, nil, nil)
	require.NoError(t, err)
	pub := &recordingPublisher{}

	d.Handle(context.Background(), pub, broker.Message{Topic: "hb", Payload: []byte("epoch_ms 1")})
	d.Handle(context.Background(), pub, broker.Message{Topic: "elsewhere", Payload: []byte("x")})

	assert.Empty(t, pub.sent)
}

func TestClientReplyFailureCounted(t *testing.T) {
	m, err := metrics.NewMetrics(nil)
	require.NoError(t, err)
	st := stats.NewStatsCollector()
	d, err := New(registry(config.ProfileClient), "gw-1", nil, nil, m, st)
	require.NoError(t, err)

	d.Handle(context.Background(), &recordingPublisher{err: errors.New("not connected")},
		broker.Message{Topic: "cmd", Payload: []byte("test command")})

	assert.Equal(t, uint64(0), st.Replies.Load())
}

func TestServerNeverReplies(t *testing.T) {
	roster := fleet.NewRoster()
	d, err := New(registry(config.ProfileServer), "server", roster, nil, nil, nil)
	require.NoError(t, err)
	pub := &recordingPublisher{}

	for _, topic := range []string{"hb", "conn", "resp", "cmd", "sync", "other"} {
		d.Handle(context.Background(), pub, broker.Message{Topic: topic, Payload: []byte("gw-1")})
	}

	assert.Empty(t, pub.sent)
}

func TestServerUpdatesRoster(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)
	roster := fleet.NewRoster()
	d, err := New(registry(config.ProfileServer), "server", roster, nil, m, nil)
	require.NoError(t, err)
	pub := &recordingPublisher{}

	d.Handle(context.Background(), pub, broker.Message{Topic: "conn", Payload: []byte("gw-1, ip_address: 10.0.0.7")})
	d.Handle(context.Background(), pub, broker.Message{Topic: "resp", Payload: []byte("gw-1")})
	d.Handle(context.Background(), pub, broker.Message{Topic: "resp", Payload: []byte("gw-2")})
	d.Handle(context.Background(), pub, broker.Message{Topic: "resp", Payload: []byte("")})

	snap := roster.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "gw-1", snap[0].Name)
	assert.Equal(t, "10.0.0.7", snap[0].IP)
	assert.Equal(t, uint64(1), snap[0].Responses)
	assert.Equal(t, "gw-2", snap[1].Name)

	expected := `
# HELP pulse_clients_known Number of distinct clients seen by the server profile
# TYPE pulse_clients_known gauge
pulse_clients_known 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pulse_clients_known"))
}

func TestServerWildcardResponseTopic(t *testing.T) {
	reg := topics.NewRegistry(&config.Config{
		Profile: config.ProfileServer,
		Topics: config.TopicsConfig{
			Command:   "gw/all/cmd",
			Response:  "gw/+/resp",
			Connected: "gw/+/connected",
			Heartbeat: "/iotaapsys/services/heartbeat",
			Sync:      "/iot-gw-v3-user/sync",
		},
	})
	roster := fleet.NewRoster()
	d, err := New(reg, "server", roster, nil, nil, nil)
	require.NoError(t, err)

	d.Handle(context.Background(), &recordingPublisher{}, broker.Message{Topic: "gw/7/resp", Payload: []byte("gw-7")})
	d.Handle(context.Background(), &recordingPublisher{}, broker.Message{Topic: "gw/8/connected", Payload: []byte("gw-8")})

	assert.Equal(t, 2, roster.Count())
}

func TestServerTracksDevicesAndBrokerClients(t *testing.T) {
	cfg := &config.Config{
		Profile: config.ProfileServer,
		Topics: config.TopicsConfig{
			Command:   "cmd",
			Response:  "resp",
			Connected: "conn",
			Heartbeat: "hb",
			Sync:      "sync",
		},
		Fleet: config.FleetConfig{
			TrackBrokerClients: true,
			DeviceFilter:       "/+/devices/+/+",
		},
	}
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)
	roster := fleet.NewRoster()
	d, err := New(topics.NewRegistry(cfg), "server", roster, nil, m, nil)
	require.NoError(t, err)
	pub := &recordingPublisher{}

	d.Handle(context.Background(), pub, broker.Message{Topic: config.DefaultBrokerClientsTopic, Payload: []byte("12")})
	d.Handle(context.Background(), pub, broker.Message{Topic: config.DefaultBrokerClientsTopic, Payload: []byte("n/a")})
	d.Handle(context.Background(), pub, broker.Message{Topic: "/plant-a/devices/meter-1/meters-data", Payload: []byte(`{"kwh":12}`)})
	d.Handle(context.Background(), pub, broker.Message{Topic: "/plant-a/devices/meter-1/unknown", Payload: []byte("x")})

	assert.Empty(t, pub.sent)

	n, ok := roster.BrokerClients()
	require.True(t, ok)
	assert.Equal(t, 12, n)

	devices := roster.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "meter-1", devices[0].Name)
	require.Len(t, devices[0].DataTopics, 1)
	assert.Equal(t, "meters-data", devices[0].DataTopics[0].Name)
	assert.Equal(t, 0, roster.Count())

	expected := `
# HELP pulse_broker_clients_connected Connected clients last reported by the broker
# TYPE pulse_broker_clients_connected gauge
pulse_broker_clients_connected 12
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pulse_broker_clients_connected"))
}

func TestServerWithoutFleetOptionsIgnoresDeviceTopics(t *testing.T) {
	roster := fleet.NewRoster()
	d, err := New(registry(config.ProfileServer), "server", roster, nil, nil, nil)
	require.NoError(t, err)

	d.Handle(context.Background(), &recordingPublisher{}, broker.Message{Topic: "/plant-a/devices/meter-1/status", Payload: []byte("up")})
	d.Handle(context.Background(), &recordingPublisher{}, broker.Message{Topic: config.DefaultBrokerClientsTopic, Payload: []byte("3")})

	assert.Empty(t, roster.Devices())
	_, ok := roster.BrokerClients()
	assert.False(t, ok)
}

func TestInvalidTopicFilter(t *testing.T) {
	reg := topics.NewRegistry(&config.Config{
		Profile: config.ProfileClient,
		Topics:  config.TopicsConfig{Command: "gw/#/cmd"},
	})
	_, err := New(reg, "gw-1", nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(registry(config.Profile("relay")), "gw-1", nil, nil, nil, nil)
	assert.Error(t, err)
}
