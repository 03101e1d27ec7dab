package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
	"github.com/touhoufan2024/qlibAssistant/internal/metrics"
)

type fakeLister struct {
	listing []collector.ExperimentListing
	err     error
}

func (f *fakeLister) List() ([]collector.ExperimentListing, error) { return f.listing, f.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newServer(lister Lister, opts ...Option) (*Server, *metrics.Registry) {
	reg := metrics.NewRegistry()
	return New(Config{Addr: "127.0.0.1:0"}, reg, lister, opts...), reg
}

func TestHealth(t *testing.T) {
	s, _ := newServer(&fakeLister{}, WithCheck("store", func(ctx context.Context) error { return nil }))
	rec := get(t, s.Handler(), "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pass", resp.Checks["store"].Status)
}

func TestHealthFailingCheck(t *testing.T) {
	s, _ := newServer(&fakeLister{}, WithCheck("index", func(ctx context.Context) error { return errors.New("connection refused") }))
	rec := get(t, s.Handler(), "/health")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestExperiments(t *testing.T) {
	lister := &fakeLister{listing: []collector.ExperimentListing{
		{Name: "LightGBM_Alpha158_csi300", Valid: 1, Total: 2, Records: []collector.RecordListing{
			{ID: "r1", ModelClass: "LGBModel", IC: collector.Round(0.0456), ICIR: collector.Round(math.NaN())},
		}},
	}}
	s, _ := newServer(lister)

	rec := get(t, s.Handler(), "/experiments")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ic":0.046`)
	assert.Contains(t, rec.Body.String(), `"icir":null`)

	rec = get(t, s.Handler(), "/experiments/LightGBM_Alpha158_csi300")
	require.Equal(t, http.StatusOK, rec.Code)
	var exp collector.ExperimentListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))
	assert.Equal(t, 2, exp.Total)

	rec = get(t, s.Handler(), "/experiments/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExperimentsError(t *testing.T) {
	s, _ := newServer(&fakeLister{err: errors.New("store unreadable")})
	rec := get(t, s.Handler(), "/experiments")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEmptyExperimentsIsArray(t *testing.T) {
	s, _ := newServer(&fakeLister{})
	rec := get(t, s.Handler(), "/experiments")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestMetricsAndStatus(t *testing.T) {
	s, reg := newServer(&fakeLister{}, WithStatus("daemon", func() interface{} { return map[string]int{"jobs": 2} }))
	reg.TaskFinished(metrics.ResultSucceeded, 0)

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `qlibassistant_tasks_total{result="succeeded"} 1`)

	rec = get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"daemon":{"jobs":2}}`, rec.Body.String())
}

func TestNotFound(t *testing.T) {
	s, _ := newServer(&fakeLister{})
	rec := get(t, s.Handler(), "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
