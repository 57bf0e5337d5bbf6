package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/desertthunder/tunegate/internal/tasks"
)

func TestNewMetrics(t *testing.T) {
	t.Run("registers on the given registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if _, err := NewMetrics(reg); err != nil {
			t.Fatalf("NewMetrics failed: %v", err)
		}
		if _, err := NewMetrics(reg); err == nil {
			t.Error("expected duplicate registration to fail")
		}
	})

	t.Run("nil registry", func(t *testing.T) {
		if _, err := NewMetrics(nil); err != nil {
			t.Errorf("NewMetrics failed: %v", err)
		}
	})
}

func TestObserveAttempt(t *testing.T) {
	m, _ := NewMetrics(nil)

	m.ObserveAttempt(tasks.Attempt{Strategy: "rapidapi", Outcome: tasks.Succeeded, Duration: time.Second})
	m.ObserveAttempt(tasks.Attempt{Strategy: "rapidapi", Outcome: tasks.Failed, Duration: time.Second})
	m.ObserveAttempt(tasks.Attempt{Strategy: "cloudconvert-production", Outcome: tasks.Gated})

	if got := testutil.ToFloat64(m.StrategyAttempts.WithLabelValues("rapidapi", "succeeded")); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.StrategyAttempts.WithLabelValues("cloudconvert-production", "gated")); got != 1 {
		t.Errorf("expected 1 gated attempt, got %v", got)
	}
	if got := testutil.CollectAndCount(m.StrategyDuration); got != 1 {
		t.Errorf("expected one duration series, got %d", got)
	}
}

func TestRecorders(t *testing.T) {
	m, _ := NewMetrics(nil)

	m.RecordLookup("hit")
	m.RecordLookup("hit")
	m.RecordPersist("failed")
	m.RecordOutcome("redirect")
	m.SetPoolRemaining(42)

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.PersistTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed persist, got %v", got)
	}
	if got := testutil.ToFloat64(m.GatewayOutcomes.WithLabelValues("redirect")); got != 1 {
		t.Errorf("expected 1 redirect, got %v", got)
	}
	if got := testutil.ToFloat64(m.PoolRemaining); got != 42 {
		t.Errorf("expected 42 remaining, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveAttempt(tasks.Attempt{Strategy: "x"})
	m.RecordLookup("hit")
	m.RecordPersist("stored")
	m.RecordOutcome("stream")
	m.SetPoolRemaining(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler(t *testing.T) {
	m, _ := NewMetrics(nil)
	m.RecordOutcome("stream")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `tunegate_gateway_outcomes_total{outcome="stream"} 1`) {
		t.Errorf("expected outcome counter in exposition, got:\n%s", body)
	}
}
