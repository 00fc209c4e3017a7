// Package dispatch routes inbound messages to profile behaviour.
//
// The client profile answers every message on the command topic with its
// own name on the response topic. The server profile never replies; it
// feeds connected announcements, command responses and, when enabled,
// device data and the broker client count into the fleet roster.
// Messages on topics with no handler are logged and dropped.
package dispatch

import (
	"context"
	"fmt"

	"mqtt-pulse/config"
	"mqtt-pulse/internal/broker"
	"mqtt-pulse/internal/fleet"
	"mqtt-pulse/internal/logger"
	"mqtt-pulse/internal/metrics"
	"mqtt-pulse/internal/stats"
	"mqtt-pulse/internal/topics"
)

type handlerFunc func(ctx context.Context, pub broker.Publisher, msg broker.Message)

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	registry   topics.Registry
	clientName string
	roster     *fleet.Roster
	logger     *logger.Logger
	metrics    *metrics.Metrics
	stats      *stats.StatsCollector

	routes *routeTree
}

type route struct {
	filter  string
	handler handlerFunc
}

// New builds the dispatcher for the registry's profile. roster may be nil
// for the client profile. Topics may be MQTT filters with + and #.
func New(registry topics.Registry, clientName string, roster *fleet.Roster, log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector) (*Dispatcher, error) {
	if log == nil {
		log = logger.NewNop()
	}
	d := &Dispatcher{
		registry:   registry,
		clientName: clientName,
		roster:     roster,
		logger:     log,
		metrics:    m,
		stats:      st,
		routes:     newRouteTree(),
	}

	var routes []route
	switch registry.Profile() {
	case config.ProfileClient:
		routes = []route{
			{registry.Command(), d.replyToCommand},
		}
	case config.ProfileServer:
		routes = []route{
			{registry.Heartbeat(), d.observe},
			{registry.Connected(), d.recordConnected},
			{registry.Response(), d.recordResponse},
			{registry.Command(), d.observe},
			{registry.Sync(), d.observe},
		}
		if topic := registry.BrokerClients(); topic != "" {
			routes = append(routes, route{topic, d.recordBrokerClients})
		}
		if topic := registry.Devices(); topic != "" {
			routes = append(routes, route{topic, d.recordDeviceData})
		}
	default:
		return nil, fmt.Errorf("dispatch: unknown profile %q", registry.Profile())
	}

	for _, r := range routes {
		if err := d.routes.add(r.filter, r.handler); err != nil {
			return nil, fmt.Errorf("dispatch: invalid topic: %w", err)
		}
	}
	return d, nil
}

// Handle processes one inbound message.
func (d *Dispatcher) Handle(ctx context.Context, pub broker.Publisher, msg broker.Message) {
	d.logger.Info("message received",
		"topic", msg.Topic,
		"payload", string(msg.Payload))

	handlers := d.routes.match(msg.Topic)
	if len(handlers) == 0 {
		d.logger.Debug("no handler for topic", "topic", msg.Topic)
		return
	}
	for _, h := range handlers {
		h(ctx, pub, msg)
	}
}

func (d *Dispatcher) replyToCommand(_ context.Context, pub broker.Publisher, msg broker.Message) {
	topic := d.registry.Response()
	if err := pub.Publish(topic, []byte(d.clientName)); err != nil {
		d.logger.Error("failed to publish command response",
			"topic", topic,
			"error", err)
		if d.metrics != nil {
			d.metrics.IncPublishErrors("response")
		}
		return
	}

	if d.stats != nil {
		d.stats.Replies.Add(1)
	}
	if d.metrics != nil {
		d.metrics.IncReplies()
	}
	d.logger.Debug("command response sent", "topic", topic, "command", string(msg.Payload))
}

func (d *Dispatcher) observe(_ context.Context, _ broker.Publisher, _ broker.Message) {}

func (d *Dispatcher) recordConnected(_ context.Context, _ broker.Publisher, msg broker.Message) {
	if d.roster == nil {
		return
	}
	if !d.roster.ObserveConnected(msg.Payload) {
		d.logger.Warn("ignoring connected announcement without a client name", "topic", msg.Topic)
		return
	}
	d.updateFleetSize()
}

func (d *Dispatcher) recordResponse(_ context.Context, _ broker.Publisher, msg broker.Message) {
	if d.roster == nil {
		return
	}
	if !d.roster.ObserveResponse(msg.Payload) {
		d.logger.Warn("ignoring empty command response", "topic", msg.Topic)
		return
	}
	d.updateFleetSize()
}

func (d *Dispatcher) recordBrokerClients(_ context.Context, _ broker.Publisher, msg broker.Message) {
	if d.roster == nil {
		return
	}
	if !d.roster.ObserveBrokerClients(msg.Payload) {
		d.logger.Warn("ignoring malformed broker client count",
			"topic", msg.Topic,
			"payload", string(msg.Payload))
		return
	}
	if d.metrics != nil {
		n, _ := d.roster.BrokerClients()
		d.metrics.SetBrokerClients(float64(n))
	}
}

func (d *Dispatcher) recordDeviceData(_ context.Context, _ broker.Publisher, msg broker.Message) {
	if d.roster == nil {
		return
	}
	if !d.roster.ObserveDeviceData(msg.Topic, msg.Payload) {
		d.logger.Debug("ignoring topic without a device shape", "topic", msg.Topic)
	}
}

func (d *Dispatcher) updateFleetSize() {
	if d.metrics != nil {
		d.metrics.SetClientsKnown(float64(d.roster.Count()))
	}
}
