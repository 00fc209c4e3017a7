package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for the session lifecycle.
type Metrics struct {
	connectionStatus prometheus.Gauge
	sessionAttempts  prometheus.Counter
	reconnects       prometheus.Counter
	messagesTotal    *prometheus.CounterVec
	publishErrors    *prometheus.CounterVec
	repliesTotal     prometheus.Counter
	clientsKnown     prometheus.Gauge
	brokerClients    prometheus.Gauge
	uptime           prometheus.Gauge
	goroutines       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_connection_status",
			Help: "Broker connection status (1 = connected)",
		}),
		sessionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_session_attempts_total",
			Help: "Total number of session attempts started by the supervisor",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_reconnects_total",
			Help: "Total number of session restarts after a failure",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_messages_total",
			Help: "Total number of messages by direction",
		}, []string{"direction"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_publish_errors_total",
			Help: "Total number of failed or skipped publishes by source",
		}, []string{"source"}),
		repliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_replies_total",
			Help: "Total number of command responses sent",
		}),
		clientsKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_clients_known",
			Help: "Number of distinct clients seen by the server profile",
		}),
		brokerClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_broker_clients_connected",
			Help: "Connected clients last reported by the broker",
		}),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_uptime_seconds",
			Help: "Process uptime in seconds",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_goroutines",
			Help: "Number of running goroutines",
		}),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.connectionStatus,
		m.sessionAttempts,
		m.reconnects,
		m.messagesTotal,
		m.publishErrors,
		m.repliesTotal,
		m.clientsKnown,
		m.brokerClients,
		m.uptime,
		m.goroutines,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) SetConnectionStatus(connected bool) {
	if connected {
		m.connectionStatus.Set(1)
	} else {
		m.connectionStatus.Set(0)
	}
}

func (m *Metrics) IncSessionAttempts() { m.sessionAttempts.Inc() }
func (m *Metrics) IncReconnects()      { m.reconnects.Inc() }
func (m *Metrics) IncReplies()         { m.repliesTotal.Inc() }

// IncMessagesTotal counts a message; direction is "received" or "published".
func (m *Metrics) IncMessagesTotal(direction string) {
	m.messagesTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) IncPublishErrors(source string) {
	m.publishErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) SetClientsKnown(n float64) { m.clientsKnown.Set(n) }

func (m *Metrics) SetBrokerClients(n float64) { m.brokerClients.Set(n) }

// MetricsCollector periodically refreshes sampled gauges.
type MetricsCollector struct {
	metrics   *Metrics
	interval  time.Duration
	start     time.Time
	fleetSize func() int
	stop      chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
}

// NewMetricsCollector creates a collector; fleetSize may be nil.
func NewMetricsCollector(m *Metrics, interval time.Duration, fleetSize func() int) *MetricsCollector {
	return &MetricsCollector{
		metrics:   m,
		interval:  interval,
		start:     time.Now(),
		fleetSize: fleetSize,
		stop:      make(chan struct{}),
	}
}

func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

func (c *MetricsCollector) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	c.metrics.uptime.Set(time.Since(c.start).Seconds())
	c.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
	if c.fleetSize != nil {
		c.metrics.SetClientsKnown(float64(c.fleetSize()))
	}
}
