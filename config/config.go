package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every error returned from Load and Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Profile selects which topics a process subscribes to and which
// scheduled publishers it runs.
type Profile string

const (
	// ProfileClient answers commands and announces itself on connect
	ProfileClient Profile = "client"
	// ProfileServer emits heartbeats and commands and observes clients
	ProfileServer Profile = "server"
)

// Transport selects the protocol client library used for the broker connection.
type Transport string

const (
	TransportMQTT  Transport = "mqtt"
	TransportMQTT5 Transport = "mqtt5"
	TransportNATS  Transport = "nats"
)

// Default topic names, matching the deployed device fleet.
const (
	DefaultCommandTopic   = "test-client-command-topic"
	DefaultResponseTopic  = "test-client-resp-topic"
	DefaultConnectedTopic = "test-client-connected-topic"
	DefaultHeartbeatTopic = "/iotaapsys/services/heartbeat"
	DefaultSyncTopic      = "/iot-gw-v3-user/sync"

	// DefaultBrokerClientsTopic is the broker's connected-client count.
	DefaultBrokerClientsTopic = "$SYS/broker/clients/connected"
)

// MaxKeepAlive is the largest keep-alive the MQTT CONNECT packet can carry.
const MaxKeepAlive = 65535 * time.Second

type Config struct {
	Profile  Profile        `yaml:"profile"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Client   ClientConfig   `yaml:"client"`
	Topics   TopicsConfig   `yaml:"topics"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LogConfig      `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	API      APIConfig      `yaml:"api"`
	Fleet    FleetConfig    `yaml:"fleet"`
}

type MQTTConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Transport      Transport     `yaml:"transport"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QoS            int           `yaml:"qos"`
}

// ClientConfig is the identity this process announces and replies with.
type ClientConfig struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"` // optional, detected when empty
}

type TopicsConfig struct {
	Command   string `yaml:"command"`
	Response  string `yaml:"response"`
	Connected string `yaml:"connected"`
	Heartbeat string `yaml:"heartbeat"`
	Sync      string `yaml:"sync"`
}

type ScheduleConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CommandInterval   time.Duration `yaml:"command_interval"`
}

type RetryConfig struct {
	Delay time.Duration `yaml:"delay"` // 0 = profile default
}

type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputPath string `yaml:"output_path"` // file path or "stdout"
	Encoding   string `yaml:"encoding"`    // json or console
	MaxSize    int    `yaml:"max_size"`    // megabytes, file output only
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	UpdateInterval string `yaml:"update_interval"` // Duration string
}

// APIConfig configures the status HTTP server. The metrics endpoint is
// mounted on the same listener.
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QueueSize int    `yaml:"queue_size"`
}

// FleetConfig enables the optional server-side observations. Both are
// off by default.
type FleetConfig struct {
	// TrackBrokerClients subscribes to the broker's $SYS client count.
	TrackBrokerClients bool `yaml:"track_broker_clients"`
	// DeviceFilter subscribes to device data topics shaped
	// <group>/devices/<device>/<type>, e.g. "/+/devices/+/+".
	DeviceFilter string `yaml:"device_filter"`
}

// Overrides are command line values applied after the file and
// environment, before validation. Zero fields are ignored.
type Overrides struct {
	Profile    string
	Transport  string
	APIAddress string
	RetryDelay time.Duration
}

// Load builds the configuration from an optional YAML file followed by
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, Overrides{})
}

// LoadWithOverrides is Load with command line overrides layered over the
// environment. The result is validated once, after every layer.
func LoadWithOverrides(path string, o Overrides) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %w", ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrInvalidConfig, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(o.Profile, o.Transport, o.APIAddress, o.RetryDelay)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Profile: ProfileClient,
		MQTT: MQTTConfig{
			Port:           9024,
			Transport:      TransportMQTT,
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 60 * time.Second,
		},
		Client: ClientConfig{
			Name: "test-client",
		},
		Schedule: ScheduleConfig{
			HeartbeatInterval: 60 * time.Second,
			CommandInterval:   120 * time.Second,
		},
		Logging: LogConfig{
			Level:      "info",
			OutputPath: "stdout",
			Encoding:   "json",
		},
		Metrics: MetricsConfig{
			Path:           "/metrics",
			UpdateInterval: "15s",
		},
		API: APIConfig{
			Address:   ":8000",
			QueueSize: 100,
		},
	}
}

// applyEnvOverrides layers the process environment over file values.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PULSE_PROFILE"); v != "" {
		cfg.Profile = Profile(v)
	}

	if v := os.Getenv("MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MQTT_PORT must be an integer: %q", ErrInvalidConfig, v)
		}
		cfg.MQTT.Port = port
	}
	if v := os.Getenv("MQTT_TRANSPORT"); v != "" {
		cfg.MQTT.Transport = Transport(v)
	}

	if v := os.Getenv("TEST_CLIENT_NAME"); v != "" {
		cfg.Client.Name = v
	}
	if v := os.Getenv("TEST_CLIENT_IP"); v != "" {
		cfg.Client.IP = v
	}

	if v := os.Getenv("CLIENT_COMMAND_TOPIC"); v != "" {
		cfg.Topics.Command = v
	}
	if v := os.Getenv("CLIENT_RESPONSE_TOPIC"); v != "" {
		cfg.Topics.Response = v
	}
	if v := os.Getenv("CLIENT_CONNECTED_TOPIC"); v != "" {
		cfg.Topics.Connected = v
	}
	if v := os.Getenv("CLIENT_HEARTBEAT_TOPIC"); v != "" {
		cfg.Topics.Heartbeat = v
	}
	if v := os.Getenv("CLIENT_SYNC_TOPIC"); v != "" {
		cfg.Topics.Sync = v
	}

	if v := os.Getenv("PULSE_RETRY_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: PULSE_RETRY_DELAY: %w", ErrInvalidConfig, err)
		}
		cfg.Retry.Delay = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("API_ADDRESS"); v != "" {
		cfg.API.Enabled = true
		cfg.API.Address = v
	}
	if v := os.Getenv("BASIC_AUTH_USER"); v != "" {
		cfg.API.Username = v
	}
	if v := os.Getenv("BASIC_AUTH_PASSWORD"); v != "" {
		cfg.API.Password = v
	}

	if v := os.Getenv("PULSE_TRACK_BROKER_CLIENTS"); v != "" {
		track, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: PULSE_TRACK_BROKER_CLIENTS must be a boolean: %q", ErrInvalidConfig, v)
		}
		cfg.Fleet.TrackBrokerClients = track
	}
	if v := os.Getenv("PULSE_DEVICE_FILTER"); v != "" {
		cfg.Fleet.DeviceFilter = v
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Topics.Command == "" {
		c.Topics.Command = DefaultCommandTopic
	}
	if c.Topics.Response == "" {
		c.Topics.Response = DefaultResponseTopic
	}
	if c.Topics.Connected == "" {
		c.Topics.Connected = DefaultConnectedTopic
	}
	if c.Topics.Heartbeat == "" {
		c.Topics.Heartbeat = DefaultHeartbeatTopic
	}
	if c.Topics.Sync == "" {
		c.Topics.Sync = DefaultSyncTopic
	}

	if c.MQTT.Transport == "" {
		c.MQTT.Transport = TransportMQTT
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = 60 * time.Second
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}
	if c.API.QueueSize <= 0 {
		c.API.QueueSize = 100
	}
}

// Validate performs validation of all configuration values
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileClient, ProfileServer:
	default:
		return fmt.Errorf("%w: invalid profile: %q", ErrInvalidConfig, c.Profile)
	}

	if c.MQTT.Host == "" {
		return fmt.Errorf("%w: mqtt host is required", ErrInvalidConfig)
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("%w: mqtt port out of range: %d", ErrInvalidConfig, c.MQTT.Port)
	}
	switch c.MQTT.Transport {
	case TransportMQTT, TransportMQTT5, TransportNATS:
	default:
		return fmt.Errorf("%w: invalid transport: %q", ErrInvalidConfig, c.MQTT.Transport)
	}
	if c.MQTT.KeepAlive > MaxKeepAlive {
		return fmt.Errorf("%w: keep alive exceeds %s: %s", ErrInvalidConfig, MaxKeepAlive, c.MQTT.KeepAlive)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: invalid qos: %d", ErrInvalidConfig, c.MQTT.QoS)
	}

	if c.Client.Name == "" {
		return fmt.Errorf("%w: client name is required", ErrInvalidConfig)
	}

	topics := map[string]string{
		"command":   c.Topics.Command,
		"response":  c.Topics.Response,
		"connected": c.Topics.Connected,
		"heartbeat": c.Topics.Heartbeat,
		"sync":      c.Topics.Sync,
	}
	for role, topic := range topics {
		if topic == "" {
			return fmt.Errorf("%w: %s topic is required", ErrInvalidConfig, role)
		}
	}

	if c.Schedule.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be greater than 0", ErrInvalidConfig)
	}
	if c.Schedule.CommandInterval <= 0 {
		return fmt.Errorf("%w: command interval must be greater than 0", ErrInvalidConfig)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("%w: retry delay must not be negative", ErrInvalidConfig)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level: %s", ErrInvalidConfig, c.Logging.Level)
	}

	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("%w: invalid log encoding: %s", ErrInvalidConfig, c.Logging.Encoding)
	}

	if c.Metrics.Enabled {
		if _, err := time.ParseDuration(c.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("%w: invalid metrics update interval: %w", ErrInvalidConfig, err)
		}
	}

	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("%w: api address is required when api is enabled", ErrInvalidConfig)
	}
	if (c.API.Username == "") != (c.API.Password == "") {
		return fmt.Errorf("%w: api username and password must be set together", ErrInvalidConfig)
	}

	return nil
}

// RetryDelay returns the fixed delay between session attempts.
func (c *Config) RetryDelay() time.Duration {
	if c.Retry.Delay > 0 {
		return c.Retry.Delay
	}
	if c.Profile == ProfileServer {
		return 2 * time.Second
	}
	return 10 * time.Second
}

// Address returns host:port of the broker.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.MQTT.Host, c.MQTT.Port)
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(profile, transport, apiAddr string, retryDelay time.Duration) {
	if profile != "" {
		c.Profile = Profile(profile)
	}
	if transport != "" {
		c.MQTT.Transport = Transport(transport)
	}
	if apiAddr != "" {
		c.API.Enabled = true
		c.API.Address = apiAddr
	}
	if retryDelay > 0 {
		c.Retry.Delay = retryDelay
	}
}
