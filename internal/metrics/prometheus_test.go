package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.BundlesSubmitted.Inc()
	prom.Metrics.BundlesSubmitted.Inc()
	prom.Metrics.PartialFills.Inc()
	prom.Metrics.RecoveriesFailed.Inc()

	assertCounter(t, prom, "bundles_submitted_total", 2)
	assertCounter(t, prom, "partial_fills_total", 1)
	assertCounter(t, prom, "recoveries_failed_total", 1)
	assertCounter(t, prom, "bundles_landed_total", 0)
	if len(prom.counters) != 13 {
		t.Fatalf("expected 13 registered counters, got %d", len(prom.counters))
	}
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.GateBlocked.Inc()

	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "dn_hedge_bot_gate_blocked_total 1") {
		t.Fatalf("expected gate counter in exposition, got %s", body)
	}
}

func TestOrNoop(t *testing.T) {
	m := OrNoop(nil)
	m.SignalsEmitted.Inc()
	if OrNoop(m) != m {
		t.Fatalf("expected non-nil metrics returned unchanged")
	}
}

func assertCounter(t *testing.T, prom *Prometheus, name string, expected float64) {
	t.Helper()
	c, ok := prom.counters[name]
	if !ok {
		t.Fatalf("counter %s not registered", name)
	}
	if got := testutil.ToFloat64(c); got != expected {
		t.Fatalf("%s: expected %v, got %v", name, expected, got)
	}
}
