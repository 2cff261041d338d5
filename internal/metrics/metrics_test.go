package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopMetrics(t *testing.T) {
	var m Recorder = Noop{}
	m.IncUploads(OutcomeOK)
	m.IncDownloads(OutcomeInvalid)
	m.ObserveCleanup(time.Second, 1, 0)
	m.IncCleanupSkipped()
	m.SetActiveKeys(3)
	m.ObserveRequest("GET", "/status", 200, time.Millisecond)
}

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewProm("pinrelay", reg)
	m.IncUploads(OutcomeOK)
	m.IncUploads(OutcomeOK)
	m.IncDownloads(OutcomeInvalid)
	m.ObserveCleanup(2*time.Second, 3, 1)
	m.IncCleanupSkipped()
	m.SetActiveKeys(7)
	m.ObserveRequest("GET", "/valid", 200, 10*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, 2.0, value(t, families, "pinrelay_uploads_total", map[string]string{"outcome": "ok"}))
	assert.Equal(t, 1.0, value(t, families, "pinrelay_downloads_total", map[string]string{"outcome": "invalid"}))
	assert.Equal(t, 1.0, value(t, families, "pinrelay_cleanup_runs_total", nil))
	assert.Equal(t, 3.0, value(t, families, "pinrelay_cleanup_removed_total", nil))
	assert.Equal(t, 1.0, value(t, families, "pinrelay_cleanup_failures_total", nil))
	assert.Equal(t, 1.0, value(t, families, "pinrelay_cleanup_skipped_total", nil))
	assert.Equal(t, 7.0, value(t, families, "pinrelay_active_keys", nil))
	assert.Equal(t, 1.0, value(t, families, "pinrelay_http_requests_total", map[string]string{"method": "GET", "route": "/valid", "status": "200"}))
	assert.Equal(t, 1.0, value(t, families, "pinrelay_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/valid"}))
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewProm("pinrelay", reg)
	m.SetActiveKeys(2)

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pinrelay_active_keys 2")
}

// value returns the counter, gauge or histogram sample count of the series
// matching name and labels.
func value(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !labelsMatch(metric.GetLabel(), labels) {
				continue
			}
			switch {
			case metric.Counter != nil:
				return metric.GetCounter().GetValue()
			case metric.Gauge != nil:
				return metric.GetGauge().GetValue()
			case metric.Histogram != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, pair := range pairs {
		if want[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}
