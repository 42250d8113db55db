package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors(t *testing.T) {
	m := New()

	m.SetReady("base", 3)
	m.AddAllocated("base", 2)
	m.AddAllocated("base", -1)
	m.ObserveProvision("base", time.Now().Add(-time.Second), nil)
	m.ObserveProvision("base", time.Now(), errors.New("boom"))
	m.ObserveConnect(nil)
	m.IncReleased()
	m.IncReaped()

	if got := testutil.ToFloat64(m.readyUnits.WithLabelValues("base")); got != 3 {
		t.Errorf("ready_units = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.allocatedUnits.WithLabelValues("base")); got != 1 {
		t.Errorf("allocated_units = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.provisions.WithLabelValues("base", "error")); got != 1 {
		t.Errorf("provisions_total{outcome=error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reaped); got != 1 {
		t.Errorf("reaped = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IncReleased()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "sandboxpool_releases_total 1") {
		t.Errorf("metrics output missing releases counter:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetReady("base", 1)
	m.ObserveDestroy("base", nil)
	m.IncReaped()
}
