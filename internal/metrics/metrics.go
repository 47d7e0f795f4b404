package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event names recorded by the session agent.
const (
	EventIssueBasic        = "token.issue.basic"
	EventIssueAnonymous    = "token.issue.anonymous"
	EventIssueUser         = "token.issue.user"
	EventRefresh           = "token.refresh"
	EventRefreshRejected   = "token.refresh.rejected"
	EventRefreshSkipped    = "token.refresh.skipped"
	EventRevoke            = "token.revoke"
	EventLoginFailed       = "auth.login.failed"
	EventLogout            = "auth.logout"
	EventCartUpdate        = "cart.reconcile.update"
	EventCartDelete        = "cart.reconcile.delete"
	EventRetryUnauthorized = "http.retry.unauthorized"
)

// Recorder increments counters for session events.
type Recorder interface {
	Increment(event string)
}

// Nop discards every event.
type Nop struct{}

// Increment does nothing.
func (Nop) Increment(string) {}

// CounterMetrics implements Recorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports events as storefront_session_events_total{event}.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the event counter on registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Total number of token lifecycle and cart reconciliation events.",
		},
		[]string{"event"},
	)
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
