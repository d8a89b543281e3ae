package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func sampleCount(t *testing.T, path, status string) uint64 {
	t.Helper()
	obs, err := httpDuration.GetMetricWithLabelValues(path, status)
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, obs.(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestMiddlewareRecordsNumericStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	before := sampleCount(t, "/missing", "404")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing", nil))

	require.Equal(t, http.StatusNotFound, rr.Code)
	// the status label is the numeric code, queryable by code range
	require.Equal(t, before+1, sampleCount(t, "/missing", "404"))
	require.Equal(t, uint64(0), sampleCount(t, "/missing", "Not Found"))
}

func TestMiddlewareDefaultsTo200(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	before := sampleCount(t, "/plain", "200")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/plain", nil))
	require.Equal(t, before+1, sampleCount(t, "/plain", "200"))
}
