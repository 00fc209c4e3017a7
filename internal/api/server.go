// Package api serves the status HTTP endpoints: the fleet report, runtime
// stats, an outbound publish queue and the prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-pulse/internal/fleet"
	"mqtt-pulse/internal/logger"
	"mqtt-pulse/internal/outbox"
	"mqtt-pulse/internal/stats"
)

const maxPublishBody = 64 << 10

// Config configures the API server.
type Config struct {
	Address  string
	Username string
	Password string

	// MetricsPath mounts the registry when Gatherer is set.
	MetricsPath string
	Gatherer    prometheus.Gatherer
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	roster *fleet.Roster
	stats  *stats.StatsCollector
	queue  *outbox.Queue
	logger *logger.Logger
	server *http.Server
}

// PublishRequest is the body of POST /publish.
type PublishRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the server. Any of roster, st and queue may be nil;
// their endpoints then report 503.
func NewServer(cfg Config, roster *fleet.Roster, st *stats.StatsCollector, queue *outbox.Queue, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		roster: roster,
		stats:  st,
		queue:  queue,
		logger: log,
	}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /clients", s.handleClients)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /publish", s.handlePublish)

	if s.cfg.Gatherer != nil && s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}

	return s.withLogging(s.withAuth(mux))
}

// Start listens on the configured address and serves until Shutdown is
// called. It returns nil once the server is shut down, including when
// Shutdown ran first.
func (s *Server) Start() error {
	s.logger.Info("starting api server",
		"address", s.cfg.Address,
		"auth", s.cfg.Username != "")
	return serveResult(s.server.ListenAndServe())
}

// Serve is Start on an existing listener, which it closes on return.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting api server",
		"address", l.Addr().String(),
		"auth", s.cfg.Username != "")
	return serveResult(s.server.Serve(l))
}

// Shutdown gracefully stops the server. A later Start or Serve returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func serveResult(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.Username == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="mqtt-pulse"`)
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String())
	})
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	if s.roster == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "client tracking is disabled for this profile"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.roster.Report())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stats unavailable"})
		return
	}
	out := s.stats.GetStats()
	out["message_rate"] = s.stats.CalculateRate()
	if s.roster != nil {
		out["clients_known"] = s.roster.Count()
	}
	if s.queue != nil {
		out["queue_pending"] = s.queue.Len()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "publish queue unavailable"})
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	switch err := s.queue.Enqueue(req.Topic, []byte(req.Message)); {
	case errors.Is(err, outbox.ErrInvalidMessage):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, outbox.ErrQueueFull):
		s.logger.Warn("publish queue full, rejecting request", "topic", req.Topic)
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "topic": req.Topic})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}
