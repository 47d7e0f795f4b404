package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterMetricsSnapshot(t *testing.T) {
	recorder := NewCounterMetrics()
	recorder.Increment(EventRefresh)
	recorder.Increment(EventRefresh)
	recorder.Increment(EventLogout)

	if recorder.Count(EventRefresh) != 2 {
		t.Fatalf("expected 2 refreshes, got %d", recorder.Count(EventRefresh))
	}
	snapshot := recorder.Snapshot()
	snapshot[EventLogout] = 100
	if recorder.Count(EventLogout) != 1 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestPrometheusMetricsCountsEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetrics(registry)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	recorder.Increment(EventCartDelete)

	if value := testutil.ToFloat64(recorder.events.WithLabelValues(EventCartDelete)); value != 1 {
		t.Fatalf("expected counter 1, got %v", value)
	}

	if _, err := NewPrometheusMetrics(registry); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
