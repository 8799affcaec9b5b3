package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("should count turns by outcome", func(t *testing.T) {
		before := testutil.ToFloat64(getMetrics().turnsTotal.WithLabelValues("completed"))
		RecordTurn("completed", 2, 150*time.Millisecond)
		after := testutil.ToFloat64(getMetrics().turnsTotal.WithLabelValues("completed"))
		assert.Equal(t, before+1, after)
	})

	t.Run("should track active streams", func(t *testing.T) {
		SetActiveStreams(3)
		assert.Equal(t, 3.0, testutil.ToFloat64(getMetrics().activeStreams))
		SetActiveStreams(0)
		assert.Equal(t, 0.0, testutil.ToFloat64(getMetrics().activeStreams))
	})

	t.Run("should serve the registry over http", func(t *testing.T) {
		RecordToolExecution("lookup", time.Millisecond, true)

		rec := httptest.NewRecorder()
		MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "turnstile_tool_execution_total")
	})
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)
	t.Cleanup(func() { SetAuditWriter(&bytes.Buffer{}) })

	RecordTurnAudit(context.Background(), "user-1", "suspended", map[string]any{"stream_id": "s-1"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "turn", line["type"])
	assert.Equal(t, "turn:suspended", line["action"])
	assert.Equal(t, "pending", line["status"])
	assert.Equal(t, "user-1", line["actor"])
}
