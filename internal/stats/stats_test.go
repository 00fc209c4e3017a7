package stats

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewStatsCollector verifies the initialization of a new StatsCollector
func TestNewStatsCollector(t *testing.T) {
	collector := NewStatsCollector()

	assert.NotNil(t, collector, "StatsCollector should be created")
	assert.WithinDuration(t, time.Now(), collector.StartTime, 100*time.Millisecond, "StartTime should be close to current time")

	assert.Zero(t, collector.SessionAttempts.Load(), "SessionAttempts should be zero")
	assert.Zero(t, collector.MessagesReceived.Load(), "MessagesReceived should be zero")
	assert.Zero(t, collector.MessagesPublished.Load(), "MessagesPublished should be zero")
	assert.Equal(t, "disconnected", collector.GetStats()["state"])
}

func TestStateAndError(t *testing.T) {
	collector := NewStatsCollector()

	collector.SetState("connected")
	collector.SetLastError(errors.New("connection lost"))

	stats := collector.GetStats()
	assert.Equal(t, "connected", stats["state"])
	assert.Equal(t, "connection lost", stats["last_error"])
	assert.WithinDuration(t, time.Now(), stats["last_connect"].(time.Time), time.Second)

	collector.SetLastError(nil)
	assert.Equal(t, "", collector.GetStats()["last_error"])
}

// TestConcurrentUpdates verifies counters under concurrent use
func TestConcurrentUpdates(t *testing.T) {
	collector := NewStatsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.MessagesReceived.Add(1)
			collector.MessagesPublished.Add(2)
			collector.SetState("connected")
			_ = collector.GetStats()
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), collector.MessagesReceived.Load())
	assert.Equal(t, uint64(100), collector.MessagesPublished.Load())
}

// TestGetStatsJSON verifies JSON serialization of stats
func TestGetStatsJSON(t *testing.T) {
	collector := NewStatsCollector()
	collector.SessionAttempts.Add(4)
	collector.Reconnects.Add(3)

	data, err := collector.GetStatsJSON()
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, float64(4), parsed["session_attempts"])
	assert.Equal(t, float64(3), parsed["reconnects"])
	assert.Contains(t, parsed, "uptime")
}

func TestCalculateRate(t *testing.T) {
	collector := NewStatsCollector()
	collector.StartTime = time.Now().Add(-10 * time.Second)
	collector.MessagesReceived.Add(100)

	rate := collector.CalculateRate()
	assert.InDelta(t, 10.0, rate, 0.5)
}
