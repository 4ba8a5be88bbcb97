package service

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServiceCountsWorkflow(t *testing.T) {
	metrics := NewMetricsService()

	metrics.RecordSubmission("service")
	metrics.RecordSubmission("service")
	metrics.RecordReview("service", "approved")
	metrics.RecordReview("service", "merge_conflict")
	metrics.ObserveReindex("service", "ok", 20*time.Millisecond)
	metrics.ObserveSearch("services", 3, 5*time.Millisecond, nil)
	metrics.ObserveSearch("services", 0, 5*time.Millisecond, errors.New("timeout"))

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.submissions.WithLabelValues("service")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reviews.WithLabelValues("service", "approved")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reviews.WithLabelValues("service", "merge_conflict")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reindexJobs.WithLabelValues("service", "ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.searchDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.searchResults))
}

func TestMetricsServiceHandlerExposesRegistry(t *testing.T) {
	metrics := NewMetricsService()
	metrics.ObserveHTTPRequest(http.MethodPost, "/api/v1/search", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `http_requests_total{method="POST",path="/api/v1/search",status="200"} 1`))
	assert.True(t, strings.Contains(body, "goroutines_total"))
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var metrics *MetricsService
	assert.NotPanics(t, func() {
		metrics.ObserveHTTPRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
		metrics.RecordCacheOperation(true, time.Millisecond)
		metrics.ObserveCacheWrite(time.Millisecond)
		metrics.ObserveSearch("services", 1, time.Millisecond, nil)
		metrics.RecordSubmission("service")
		metrics.RecordReview("service", "approved")
		metrics.ObserveReindex("service", "ok", time.Millisecond)
	})
	assert.Nil(t, metrics.Registry())

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
