package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskFinished(t *testing.T) {
	m := NewRegistry()
	m.TaskFinished(ResultSucceeded, 2*time.Second)
	m.TaskFinished(ResultSucceeded, time.Second)
	m.TaskFinished(ResultSkipped, 0)
	m.TaskFinished(ResultTimedOut, time.Minute)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Tasks.WithLabelValues(ResultSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues(ResultSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues(ResultTimedOut)))

	hist := &dto.Metric{}
	obs, err := m.TaskDuration.GetMetricWithLabelValues(ResultSucceeded)
	require.NoError(t, err)
	require.NoError(t, obs.(interface{ Write(*dto.Metric) error }).Write(hist))
	assert.Equal(t, uint64(2), hist.GetHistogram().GetSampleCount())
	assert.InDelta(t, 3.0, hist.GetHistogram().GetSampleSum(), 1e-9)
}

func TestGaugesAndCounters(t *testing.T) {
	m := NewRegistry()
	m.SetSchedulerRunning(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRunning))
	m.SetSchedulerRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SchedulerRunning))

	m.RecordsCollected("loaded", 3)
	m.RecordsCollected("skipped", 1)
	m.BatchCommandFinished("failed")
	m.RecordCacheHit("quote")
	m.RecordCacheMiss("quote")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.CollectRecords.WithLabelValues("loaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchCommands.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("quote")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewRegistry()
	m.TaskFinished(ResultFailed, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `qlibassistant_tasks_total{result="failed"} 1`))
}
