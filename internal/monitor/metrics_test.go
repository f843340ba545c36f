package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyHistogramSlidingWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{100, 1, 2, 3} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Min != 1 || s.Max != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.Avg != 2 {
		t.Fatalf("Avg = %v, want 2", s.Avg)
	}
}

func TestLatencyHistogramEmpty(t *testing.T) {
	if s := NewLatencyHistogram(0).Stats(); s.Count != 0 {
		t.Fatalf("expected empty stats, got %+v", s)
	}
}

func TestSnapshotCounters(t *testing.T) {
	m := NewPipelineMetrics("test")
	m.RequestReceived("place_limit_order")
	m.RequestReceived("place_limit_order")
	m.RequestRejected("place_limit_order")
	m.Published("place_limit_order")
	m.Acked(5 * time.Millisecond)
	m.PublishFailed("nacked")
	m.PublishFailed("nacked")
	m.EventConsumed("TradeOccurred", "persisted", time.Millisecond)
	m.EventConsumed("unknown", "dropped", 0)

	s := m.GetSnapshot()
	if s.Received != 2 || s.Rejected != 1 || s.Published != 1 || s.Acked != 1 {
		t.Fatalf("unexpected pipeline counters: %+v", s)
	}
	if s.Failed["nacked"] != 2 {
		t.Fatalf("Failed[nacked] = %d", s.Failed["nacked"])
	}
	if s.Consumed != 2 || s.Persisted != 1 || s.Dropped != 1 {
		t.Fatalf("unexpected consumer counters: %+v", s)
	}
	if s.PublishLatency.Count != 1 || s.PersistLatency.Count != 1 {
		t.Fatalf("latency not recorded: %+v / %+v", s.PublishLatency, s.PersistLatency)
	}
}

func TestPrometheusHandlerExposesCounters(t *testing.T) {
	m := NewPipelineMetrics("test")
	m.RequestReceived("cancel_order")
	m.PublishFailed("channel_unavailable")
	m.SetInDoubt(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`test_gateway_requests_total{operation="cancel_order",stage="received"} 1`,
		`test_publisher_outcomes_total{result="channel_unavailable"} 1`,
		`test_journal_in_doubt 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in exposition", want)
		}
	}
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	NewPipelineMetrics("test")
	NewPipelineMetrics("test")
}
