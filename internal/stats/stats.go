package stats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// StatsCollector manages application-wide statistics
type StatsCollector struct {
	StartTime time.Time

	SessionAttempts   atomic.Uint64
	Reconnects        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesPublished atomic.Uint64
	Replies           atomic.Uint64
	PublishErrors     atomic.Uint64

	mu          sync.RWMutex
	state       string
	lastConnect time.Time
	lastError   string
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		StartTime: time.Now(),
		state:     "disconnected",
	}
}

// SetState records the current session state name.
func (s *StatsCollector) SetState(state string) {
	s.mu.Lock()
	s.state = state
	if state == "connected" {
		s.lastConnect = time.Now()
	}
	s.mu.Unlock()
}

// SetLastError records the error that ended the most recent session attempt.
func (s *StatsCollector) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	s.mu.RLock()
	state, lastConnect, lastError := s.state, s.lastConnect, s.lastError
	s.mu.RUnlock()

	return map[string]interface{}{
		"uptime":             time.Since(s.StartTime).String(),
		"state":              state,
		"last_connect":       lastConnect,
		"last_error":         lastError,
		"session_attempts":   s.SessionAttempts.Load(),
		"reconnects":         s.Reconnects.Load(),
		"messages_received":  s.MessagesReceived.Load(),
		"messages_published": s.MessagesPublished.Load(),
		"replies":            s.Replies.Load(),
		"publish_errors":     s.PublishErrors.Load(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate calculates the inbound message rate per second
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(s.MessagesReceived.Load()) / uptime
}
