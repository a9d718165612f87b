package monitoring

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SNAPSHOT
// =============================================================================

func TestCollector_ZeroState(t *testing.T) {
	c := NewCollector()

	s := c.Snapshot()
	assert.Equal(t, int64(0), s.TotalRequests)
	assert.Equal(t, int64(0), s.TotalErrors)
	assert.Equal(t, int64(0), s.StreamingRequests)
	assert.Equal(t, 0.0, s.AverageLatencySeconds)
	assert.Equal(t, 0.0, s.ErrorRate)
}

func TestCollector_Aggregation(t *testing.T) {
	c := NewCollector()

	c.RecordOutcome(200*time.Millisecond, false, false)
	c.RecordOutcome(400*time.Millisecond, true, false)

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.TotalErrors)
	assert.Equal(t, int64(0), s.StreamingRequests)
	assert.InDelta(t, 0.3, s.AverageLatencySeconds, 0.0005)
	assert.InDelta(t, 0.5, s.ErrorRate, 0.0005)
}

func TestCollector_StreamingCounted(t *testing.T) {
	c := NewCollector()

	c.RecordOutcome(100*time.Millisecond, false, true)
	c.RecordOutcome(100*time.Millisecond, false, false)

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.StreamingRequests)
}

func TestCollector_RoundedToThreeDecimals(t *testing.T) {
	c := NewCollector()

	c.RecordOutcome(time.Duration(123456789), false, false) // 0.123456789s
	c.RecordOutcome(time.Duration(123456789), false, true)
	c.RecordOutcome(time.Duration(123456789), true, false)

	s := c.Snapshot()
	assert.Equal(t, 0.123, s.AverageLatencySeconds)
	assert.Equal(t, 0.333, s.ErrorRate)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.RecordOutcome(10*time.Millisecond, n%2 == 0, n%3 == 0)
		}(i)
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, int64(100), s.TotalRequests)
	assert.Equal(t, int64(50), s.TotalErrors)
	assert.Equal(t, int64(34), s.StreamingRequests)
}

// =============================================================================
// PROMETHEUS EXPOSITION
// =============================================================================

func TestCollector_PrometheusHandler(t *testing.T) {
	c := NewCollector()

	c.RecordOutcome(50*time.Millisecond, false, true)
	c.RecordOutcome(50*time.Millisecond, true, false)
	c.RecordRateLimited()

	req := httptest.NewRequest("GET", "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `luminarychat_requests_total{outcome="success"} 1`)
	assert.Contains(t, out, `luminarychat_requests_total{outcome="error"} 1`)
	assert.Contains(t, out, "luminarychat_streaming_requests_total 1")
	assert.Contains(t, out, "luminarychat_rate_limited_total 1")
	assert.Contains(t, out, "luminarychat_request_duration_seconds")
}

func TestCollector_IsolatedRegistries(t *testing.T) {
	// Two collectors must not share state through a global registry.
	a := NewCollector()
	b := NewCollector()

	a.RecordOutcome(time.Millisecond, false, false)

	assert.Equal(t, int64(1), a.Snapshot().TotalRequests)
	assert.Equal(t, int64(0), b.Snapshot().TotalRequests)
}
