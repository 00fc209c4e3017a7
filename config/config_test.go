package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PULSE_PROFILE", "MQTT_HOST", "MQTT_PORT", "MQTT_TRANSPORT",
	"TEST_CLIENT_NAME", "TEST_CLIENT_IP",
	"CLIENT_COMMAND_TOPIC", "CLIENT_RESPONSE_TOPIC", "CLIENT_CONNECTED_TOPIC",
	"CLIENT_HEARTBEAT_TOPIC", "CLIENT_SYNC_TOPIC",
	"PULSE_RETRY_DELAY", "LOG_LEVEL", "API_ADDRESS",
	"BASIC_AUTH_USER", "BASIC_AUTH_PASSWORD",
	"PULSE_TRACK_BROKER_CLIENTS", "PULSE_DEVICE_FILTER",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("MQTT_PORT", "1883")
	t.Setenv("TEST_CLIENT_NAME", "gw-17")
	t.Setenv("CLIENT_COMMAND_TOPIC", "gw/17/cmd")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProfileClient, cfg.Profile)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, TransportMQTT, cfg.MQTT.Transport)
	assert.Equal(t, 60*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 60*time.Second, cfg.MQTT.ConnectTimeout)
	assert.Equal(t, "gw-17", cfg.Client.Name)
	assert.Equal(t, "gw/17/cmd", cfg.Topics.Command)
	assert.Equal(t, DefaultResponseTopic, cfg.Topics.Response)
	assert.Equal(t, DefaultConnectedTopic, cfg.Topics.Connected)
	assert.Equal(t, DefaultHeartbeatTopic, cfg.Topics.Heartbeat)
	assert.Equal(t, DefaultSyncTopic, cfg.Topics.Sync)
	assert.Equal(t, "broker.local:1883", cfg.Address())
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
profile: server
mqtt:
  host: file-host
  port: 9100
  transport: nats
schedule:
  heartbeat_interval: 5s
  command_interval: 10s
retry:
  delay: 3s
logging:
  level: debug
  encoding: console
`)
	t.Setenv("MQTT_HOST", "env-host")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProfileServer, cfg.Profile)
	assert.Equal(t, "env-host", cfg.MQTT.Host)
	assert.Equal(t, 9100, cfg.MQTT.Port)
	assert.Equal(t, TransportNATS, cfg.MQTT.Transport)
	assert.Equal(t, 5*time.Second, cfg.Schedule.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Schedule.CommandInterval)
	assert.Equal(t, 3*time.Second, cfg.RetryDelay())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Encoding)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{
			name: "missing host",
			env:  map[string]string{},
		},
		{
			name: "malformed port",
			env:  map[string]string{"MQTT_HOST": "h", "MQTT_PORT": "abc"},
		},
		{
			name: "port out of range",
			env:  map[string]string{"MQTT_HOST": "h", "MQTT_PORT": "70000"},
		},
		{
			name: "negative port",
			env:  map[string]string{"MQTT_HOST": "h", "MQTT_PORT": "-1"},
		},
		{
			name: "unknown profile",
			env:  map[string]string{"MQTT_HOST": "h", "PULSE_PROFILE": "relay"},
		},
		{
			name: "unknown transport",
			env:  map[string]string{"MQTT_HOST": "h", "MQTT_TRANSPORT": "amqp"},
		},
		{
			name: "bad retry delay",
			env:  map[string]string{"MQTT_HOST": "h", "PULSE_RETRY_DELAY": "soon"},
		},
		{
			name: "bad log level",
			env:  map[string]string{"MQTT_HOST": "h", "LOG_LEVEL": "loud"},
		},
		{
			name: "half basic auth",
			env:  map[string]string{"MQTT_HOST": "h", "BASIC_AUTH_USER": "admin"},
		},
		{
			name: "keep alive too long",
			env:  map[string]string{"MQTT_HOST": "h"},
			file: "mqtt:\n  keep_alive: 19h\n",
		},
		{
			name: "malformed broker client tracking",
			env:  map[string]string{"MQTT_HOST": "h", "PULSE_TRACK_BROKER_CLIENTS": "sometimes"},
		},
		{
			name: "invalid yaml",
			env:  map[string]string{"MQTT_HOST": "h"},
			file: "mqtt: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeConfig(t, tt.file)
			}

			cfg, err := Load(path)
			assert.Nil(t, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRetryDelayDefaults(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, 10*time.Second, cfg.RetryDelay())

	cfg.Profile = ProfileServer
	assert.Equal(t, 2*time.Second, cfg.RetryDelay())

	cfg.Retry.Delay = 500 * time.Millisecond
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay())
}

func TestApplyOverrides(t *testing.T) {
	cfg := defaultConfig()
	cfg.MQTT.Host = "h"
	cfg.applyDefaults()

	cfg.ApplyOverrides("server", "mqtt5", ":9000", time.Second)

	assert.Equal(t, ProfileServer, cfg.Profile)
	assert.Equal(t, TransportMQTT5, cfg.MQTT.Transport)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, ":9000", cfg.API.Address)
	assert.Equal(t, time.Second, cfg.Retry.Delay)
	assert.NoError(t, cfg.Validate())

	cfg.ApplyOverrides("", "", "", 0)
	assert.Equal(t, ProfileServer, cfg.Profile)
	assert.Equal(t, ":9000", cfg.API.Address)
}

func TestLoadWithOverridesValidatesOnce(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_HOST", "h")
	t.Setenv("PULSE_PROFILE", "bogus")
	t.Setenv("MQTT_TRANSPORT", "amqp")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg, err := LoadWithOverrides("", Overrides{
		Profile:    "server",
		Transport:  "nats",
		APIAddress: ":9000",
		RetryDelay: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, ProfileServer, cfg.Profile)
	assert.Equal(t, TransportNATS, cfg.MQTT.Transport)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, ":9000", cfg.API.Address)
	assert.Equal(t, time.Second, cfg.RetryDelay())
}

func TestLoadWithOverridesStillValidates(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_HOST", "h")

	cfg, err := LoadWithOverrides("", Overrides{Profile: "relay"})
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFleetOptions(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_HOST", "h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Fleet.TrackBrokerClients)
	assert.Empty(t, cfg.Fleet.DeviceFilter)

	t.Setenv("PULSE_TRACK_BROKER_CLIENTS", "true")
	t.Setenv("PULSE_DEVICE_FILTER", "/+/devices/+/+")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Fleet.TrackBrokerClients)
	assert.Equal(t, "/+/devices/+/+", cfg.Fleet.DeviceFilter)

	path := writeConfig(t, "fleet:\n  track_broker_clients: true\n  device_filter: plant/+/devices/+/status\n")
	t.Setenv("PULSE_TRACK_BROKER_CLIENTS", "")
	t.Setenv("PULSE_DEVICE_FILTER", "")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Fleet.TrackBrokerClients)
	assert.Equal(t, "plant/+/devices/+/status", cfg.Fleet.DeviceFilter)
}

func TestKeepAliveLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.MQTT.Host = "h"
	cfg.applyDefaults()

	cfg.MQTT.KeepAlive = MaxKeepAlive
	assert.NoError(t, cfg.Validate())

	cfg.MQTT.KeepAlive = MaxKeepAlive + time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
