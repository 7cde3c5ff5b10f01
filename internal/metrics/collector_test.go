package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstore/zstore/internal/stats"
	"github.com/zstore/zstore/pkg/errors"
	"github.com/zstore/zstore/pkg/health"
)

func record(op stats.OpKind, success bool, latency time.Duration, bytes int) stats.CompletionRecord {
	start := time.Unix(1700000000, 0)
	return stats.CompletionRecord{Op: op, Submitted: start, Completed: start.Add(latency), Success: success, Bytes: bytes}
}

func TestNewCollector(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		require.NoError(t, err)
		assert.True(t, c.Enabled())
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "zstore", c.config.Namespace)
		assert.NotNil(t, c.registry)
	})

	t.Run("disabled collector ignores observations", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, nil)
		require.NoError(t, err)
		assert.Nil(t, c.registry)

		c.ObserveSubmit("m1", stats.OpAppend, 1)
		c.ObserveCompletion("m1", record(stats.OpAppend, true, time.Microsecond, 4096), 0)
		c.UpdateZone("m1", 3, 10)
		c.SetDiverged(true)
		c.RecordError(fmt.Errorf("boom"))
		assert.Empty(t, c.GetOperations())
	})
}

func TestCollector_ObservesCompletions(t *testing.T) {
	c, err := NewCollector(DefaultConfig(), nil)
	require.NoError(t, err)

	c.ObserveSubmit("m1", stats.OpAppend, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.outstandingCmds.WithLabelValues("m1")))

	c.ObserveCompletion("m1", record(stats.OpAppend, true, 10*time.Microsecond, 4096), 1)
	c.ObserveCompletion("m1", record(stats.OpAppend, false, 30*time.Microsecond, 4096), 0)
	c.ObserveCompletion("m2", record(stats.OpRead, true, 5*time.Microsecond, 8192), 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandCounter.WithLabelValues("m1", "append", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandCounter.WithLabelValues("m1", "append", "failure")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.commandBytes.WithLabelValues("m1", "append")))
	assert.Equal(t, 8192.0, testutil.ToFloat64(c.commandBytes.WithLabelValues("m2", "read")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.outstandingCmds.WithLabelValues("m1")))

	ops := c.GetOperations()
	require.Contains(t, ops, "m1/append")
	assert.Equal(t, int64(2), ops["m1/append"].Count)
	assert.Equal(t, int64(1), ops["m1/append"].Errors)
	assert.Equal(t, 20*time.Microsecond, ops["m1/append"].AvgLatency)

	c.ResetMetrics()
	assert.Empty(t, c.GetOperations())
}

func TestCollector_ZoneAndDivergence(t *testing.T) {
	c, err := NewCollector(DefaultConfig(), nil)
	require.NoError(t, err)

	c.UpdateZone("m1", 12, 0x100)
	assert.Equal(t, 12.0, testutil.ToFloat64(c.activeZone.WithLabelValues("m1")))
	assert.Equal(t, 256.0, testutil.ToFloat64(c.writePointer.WithLabelValues("m1")))

	c.SetDiverged(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.diverged))
	c.SetDiverged(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.diverged))
}

func TestCollector_RecordError(t *testing.T) {
	c, err := NewCollector(DefaultConfig(), nil)
	require.NoError(t, err)

	c.RecordError(errors.NewError(errors.ErrCodeMirrorDivergence, "replicas disagree").WithComponent("mirror"))
	c.RecordError(fmt.Errorf("wrapped: %w", errors.NewError(errors.ErrCodeQueueFull, "full").WithComponent("session")))
	c.RecordError(fmt.Errorf("plain"))
	c.RecordError(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("mirror", "MIRROR_DIVERGENCE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("session", "QUEUE_FULL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("unknown", "uncoded")))
}

func TestCollector_Handler(t *testing.T) {
	c, err := NewCollector(DefaultConfig(), nil)
	require.NoError(t, err)
	c.ObserveCompletion("m1", record(stats.OpAppend, true, 10*time.Microsecond, 4096), 0)

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	get := func(path string) string {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	body := get("/metrics")
	assert.True(t, strings.Contains(body, `zstore_commands_total{device="m1",op="append",status="success"} 1`))

	assert.Contains(t, get("/health"), "healthy")
	assert.Contains(t, get("/debug/operations"), "m1/append")
}

func TestCollector_HealthReportsComponents(t *testing.T) {
	c, err := NewCollector(DefaultConfig(), nil)
	require.NoError(t, err)
	tracker := health.NewTracker(health.DefaultConfig())
	c.WithHealth(tracker)
	tracker.RegisterComponent("m1")

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	get := func() (int, string) {
		resp, err := http.Get(server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, `"name":"m1"`)

	tracker.MarkUnavailable("replica-set", errors.NewError(errors.ErrCodeMirrorDivergence, "fenced"))
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, `"status":"unavailable"`)
	assert.Contains(t, body, "fenced")
}
