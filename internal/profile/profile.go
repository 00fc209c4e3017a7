// Package profile assembles the session options for the client and server
// profiles from configuration.
package profile

import (
	"fmt"
	"net"

	"mqtt-pulse/config"
	"mqtt-pulse/internal/broker"
	"mqtt-pulse/internal/dispatch"
	"mqtt-pulse/internal/fleet"
	"mqtt-pulse/internal/logger"
	"mqtt-pulse/internal/metrics"
	"mqtt-pulse/internal/outbox"
	"mqtt-pulse/internal/schedule"
	"mqtt-pulse/internal/session"
	"mqtt-pulse/internal/stats"
	"mqtt-pulse/internal/topics"
)

// outboundTarget is only used to select the outbound interface; UDP dial
// sends no packets.
const outboundTarget = "8.8.8.8:80"

// Deps are the shared components a profile is wired to.
type Deps struct {
	Factory broker.Factory
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Stats   *stats.StatsCollector

	// Roster receives server-side observations; nil disables tracking.
	Roster *fleet.Roster

	// Outbox, if set, is drained by connected server sessions. The client
	// profile ignores it.
	Outbox *outbox.Queue

	// ResolveIP overrides outbound address discovery.
	ResolveIP func() (string, error)
}

// Options builds the session options shared by every attempt.
func Options(cfg *config.Config, deps Deps) (session.Options, error) {
	if deps.Factory == nil {
		return session.Options{}, fmt.Errorf("profile: broker factory is required")
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	registry := topics.NewRegistry(cfg)

	opts := session.Options{
		Factory:        deps.Factory,
		Address:        cfg.Address(),
		ClientName:     cfg.Client.Name,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		QoS:            byte(cfg.MQTT.QoS),
		Subscriptions:  registry.Subscriptions(),
		Logger:         log,
		Metrics:        deps.Metrics,
		Stats:          deps.Stats,
	}

	switch cfg.Profile {
	case config.ProfileClient:
		d, err := dispatch.New(registry, cfg.Client.Name, nil, log, deps.Metrics, deps.Stats)
		if err != nil {
			return session.Options{}, err
		}
		opts.Handler = d
		opts.Announcement = &session.Announcement{
			Topic:   registry.Connected(),
			Payload: announcer(cfg.Client, deps.ResolveIP, log),
		}
	case config.ProfileServer:
		d, err := dispatch.New(registry, cfg.Client.Name, deps.Roster, log, deps.Metrics, deps.Stats)
		if err != nil {
			return session.Options{}, err
		}
		opts.Handler = d
		opts.Tasks = []session.Task{
			schedule.NewHeartbeat(registry.Heartbeat(), cfg.Schedule.HeartbeatInterval, log, deps.Metrics),
			schedule.NewCommand(registry.Command(), cfg.Schedule.CommandInterval, log, deps.Metrics),
		}
		if deps.Outbox != nil {
			opts.Tasks = append(opts.Tasks, deps.Outbox)
		}
	default:
		return session.Options{}, fmt.Errorf("%w: unknown profile %q", config.ErrInvalidConfig, cfg.Profile)
	}

	return opts, nil
}

// announcer returns the connected-announcement producer. The configured
// IP wins; otherwise the outbound address is resolved on every connect.
func announcer(client config.ClientConfig, resolve func() (string, error), log *logger.Logger) func() []byte {
	if resolve == nil {
		resolve = OutboundIP
	}
	if log == nil {
		log = logger.NewNop()
	}
	return func() []byte {
		ip := client.IP
		if ip == "" {
			var err error
			if ip, err = resolve(); err != nil {
				log.Warn("could not determine outbound address, announcing name only", "error", err)
				ip = ""
			}
		}
		return []byte(fleet.FormatAnnouncement(client.Name, ip))
	}
}

// OutboundIP returns the local address the host would use to reach the
// internet.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp", outboundTarget)
	if err != nil {
		return "", fmt.Errorf("failed to resolve outbound address: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("failed to resolve outbound address: unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
