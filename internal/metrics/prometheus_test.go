package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Detected("notice", false)
	prom.Metrics.Detected("notice", true)
	prom.Metrics.Detected("notice", true)
	prom.Metrics.Detected("websocket", false)
	prom.Metrics.WSReconnects.Inc()
	prom.Metrics.FalsePositives.Inc()
	prom.Metrics.TradesPlaced.Inc()
	prom.Metrics.ExitPending.Inc()
	prom.Metrics.ExitPending.Inc()
	prom.Metrics.ExitPending.Dec()

	assertCounter(t, prom.t0New, 1)
	assertCounter(t, prom.t0Dup, 2)
	assertCounter(t, prom.t2New, 1)
	assertCounter(t, prom.t2Dup, 0)
	assertCounter(t, prom.wsReconnects, 1)
	assertCounter(t, prom.falsePositives, 1)
	assertCounter(t, prom.tradesPlaced, 1)
	if got := testutil.ToFloat64(prom.exitPending); got != 1 {
		t.Fatalf("expected exit_pending 1, got %v", got)
	}
}

func TestPrometheusHandlerExposesNames(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.T0New.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"listing_sniper_t0_new_total", "listing_sniper_t0_dup_total", "listing_sniper_ws_reconnects_total", "listing_sniper_exit_pending"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in exposition", name)
		}
	}
}

func TestNoopMetricsAreSafe(t *testing.T) {
	m := NewNoop()
	m.Detected("websocket", true)
	m.ExitPending.Set(3)
	var nilMetrics *Metrics
	nilMetrics.Detected("notice", false)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
