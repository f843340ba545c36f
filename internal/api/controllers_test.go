package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hanar3/trading-sim/internal/gateway"
	"github.com/hanar3/trading-sim/internal/monitor"
	"github.com/hanar3/trading-sim/internal/order"
	"github.com/hanar3/trading-sim/internal/publish"
	"github.com/hanar3/trading-sim/pkg/wire"
)

const testQueue = "orders"

type testEnv struct {
	ts       *httptest.Server
	loopback *publish.Loopback
	journal  *order.Journal
}

func newTestAPIServer(t *testing.T, opts Options) (*testEnv, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	loopback := publish.NewLoopback(testQueue)
	journal, err := order.OpenJournal(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	metrics := monitor.NewPipelineMetrics("test")
	svc := gateway.NewService(publish.NewPublisher(loopback, nil), testQueue, nil,
		gateway.WithJournal(journal), gateway.WithMetrics(metrics))

	server := NewServer(svc, metrics, journal, SystemMeta{
		DryRun:        true,
		Target:        testQueue,
		Version:       "test",
		SchemaVersion: wire.SchemaVersion,
	}, opts, nil)

	httpServer := httptest.NewServer(server.Router)
	cleanup := func() {
		httpServer.Close()
		_ = journal.Close()
	}
	return &testEnv{ts: httpServer, loopback: loopback, journal: journal}, cleanup
}

func doJSONRequest(t *testing.T, client *http.Client, method, url string, payload any, out any) int {
	t.Helper()

	var body io.Reader = http.NoBody
	switch p := payload.(type) {
	case nil:
	case string:
		body = strings.NewReader(p)
	default:
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(p); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = &buf
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestPlaceOrderPublishesOnce(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{})
	defer cleanup()

	var resp orderResponse
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/orders",
		`{"side":"Buy","quantity":10,"price":100}`, &resp)
	if status != http.StatusOK || !resp.OK {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}
	if resp.MessageID == "" || resp.RequestID == "" {
		t.Fatalf("missing ids: %+v", resp)
	}

	got := env.loopback.Deliveries(testQueue)
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].ID != resp.MessageID {
		t.Fatalf("delivery id %q != response id %q", got[0].ID, resp.MessageID)
	}
	env0, err := wire.Unmarshal(got[0].Body)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	place, ok := env0.Payload.(*wire.PlaceLimitOrder)
	if !ok {
		t.Fatalf("payload %T", env0.Payload)
	}
	if place.Side != wire.SideBuy || place.Quantity != 10 || place.Price != 100 {
		t.Fatalf("unexpected payload %+v", place)
	}
	if env.journal.Pending() != 0 {
		t.Fatalf("acked publication left open in journal")
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{})
	defer cleanup()

	tests := []struct {
		name   string
		body   string
		status int
		code   string
		field  string
		reason string
	}{
		{"negative quantity", `{"side":"Sell","quantity":-5,"price":100}`, 400, "VALIDATION_FAILED", "quantity", "non_positive"},
		{"fractional price", `{"side":"Buy","quantity":1,"price":10.5}`, 400, "VALIDATION_FAILED", "price", "not_integer"},
		{"unknown side", `{"side":"Hold","quantity":1,"price":1}`, 400, "VALIDATION_FAILED", "side", "unknown_side"},
		{"missing side", `{"quantity":1,"price":1}`, 400, "VALIDATION_FAILED", "side", "missing"},
		{"wrong type", `{"side":"Buy","quantity":true,"price":1}`, 400, "VALIDATION_FAILED", "quantity", "wrong_type"},
		{"overflow", `{"side":"Buy","quantity":1,"price":9223372036854775808}`, 400, "VALIDATION_FAILED", "price", "out_of_range"},
		{"malformed json", `{"side":`, 400, "INVALID_REQUEST", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp orderResponse
			status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/orders", tt.body, &resp)
			if status != tt.status {
				t.Fatalf("expected %d, got %d (%+v)", tt.status, status, resp)
			}
			if resp.OK || resp.Code != tt.code || resp.Field != tt.field || resp.Reason != tt.reason {
				t.Fatalf("unexpected response %+v", resp)
			}
		})
	}

	if n := len(env.loopback.Deliveries(testQueue)); n != 0 {
		t.Fatalf("rejected requests published %d messages", n)
	}
}

func TestCancelOrder(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{OrdersPath: "/v1/orders/"})
	defer cleanup()

	var resp orderResponse
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/v1/orders/cancel",
		map[string]any{"order_id": 42}, &resp)
	if status != http.StatusOK || !resp.OK {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}

	got := env.loopback.Deliveries(testQueue)
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	msg, err := wire.Unmarshal(got[0].Body)
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := msg.Payload.(*wire.CancelOrder); !ok || c.OrderID != 42 {
		t.Fatalf("unexpected payload %+v", msg.Payload)
	}
}

func TestPlaceOrderChannelUnavailable(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{})
	defer cleanup()
	_ = env.loopback.Close()

	var resp orderResponse
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/orders",
		`{"side":"Buy","quantity":10,"price":100}`, &resp)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if resp.OK || resp.Code != "CHANNEL_UNAVAILABLE" {
		t.Fatalf("unexpected response %+v", resp)
	}

	var ready map[string]bool
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/ready", nil, &ready); status != http.StatusServiceUnavailable {
		t.Fatalf("ready: expected 503, got %d", status)
	}
}

func TestPlaceOrderUnconfirmedIsInDoubt(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{RequestTimeout: 20 * time.Millisecond})
	defer cleanup()
	env.loopback.SimulateLatency(time.Second, time.Second)

	var resp orderResponse
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/orders",
		`{"side":"Sell","quantity":1,"price":5}`, &resp)
	if status != http.StatusGatewayTimeout || resp.Code != "UNCONFIRMED" {
		t.Fatalf("status=%d resp=%+v", status, resp)
	}

	var list struct {
		Count   int            `json:"count"`
		Entries []inDoubtEntry `json:"entries"`
	}
	status = doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/journal/in-doubt", nil, &list)
	if status != http.StatusOK || list.Count != 1 {
		t.Fatalf("in-doubt status=%d list=%+v", status, list)
	}
	if list.Entries[0].MessageID != resp.MessageID || list.Entries[0].Variant != "PlaceLimitOrder" {
		t.Fatalf("unexpected entry %+v", list.Entries[0])
	}
	if got := scrapeMetrics(t, env); !strings.Contains(got, "test_journal_in_doubt 1") {
		t.Fatalf("in-doubt gauge not raised:\n%s", got)
	}

	var resolved map[string]any
	status = doJSONRequest(t, env.ts.Client(), http.MethodPost,
		env.ts.URL+"/api/journal/in-doubt/"+resp.MessageID+"/resolve", nil, &resolved)
	if status != http.StatusOK {
		t.Fatalf("resolve status=%d", status)
	}
	if env.journal.Pending() != 0 {
		t.Fatal("resolved entry still pending")
	}
	if got := scrapeMetrics(t, env); !strings.Contains(got, "test_journal_in_doubt 0") {
		t.Fatalf("in-doubt gauge not cleared after resolve:\n%s", got)
	}

	status = doJSONRequest(t, env.ts.Client(), http.MethodPost,
		env.ts.URL+"/api/journal/in-doubt/"+resp.MessageID+"/resolve", nil, &resolved)
	if status != http.StatusNotFound {
		t.Fatalf("second resolve: expected 404, got %d", status)
	}
}

func scrapeMetrics(t *testing.T, env *testEnv) string {
	t.Helper()
	resp, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

func TestHealthAndReady(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{})
	defer cleanup()

	var health map[string]string
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/health", nil, &health); status != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health status=%d body=%v", status, health)
	}
	var ready map[string]bool
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/ready", nil, &ready); status != http.StatusOK || !ready["ready"] {
		t.Fatalf("ready status=%d body=%v", status, ready)
	}
}

func TestPrometheusMetrics(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{})
	defer cleanup()

	doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/orders", `{"side":"Buy","quantity":1,"price":1}`, nil)

	resp, err := env.ts.Client().Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `test_gateway_requests_total{operation="place_limit_order",stage="received"} 1`) {
		t.Fatalf("request counter missing from exposition:\n%s", data)
	}

	var snap monitor.MetricsSnapshot
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/metrics", nil, &snap); status != http.StatusOK {
		t.Fatalf("snapshot status=%d", status)
	}
	if snap.Received != 1 || snap.Acked != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestGetSchema(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{})
	defer cleanup()

	var schema map[string]any
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/schema", nil, &schema); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if len(schema) == 0 {
		t.Fatal("empty schema document")
	}

	var sys map[string]any
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/api/system/status", nil, &sys); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if sys["schema_version"] != float64(wire.SchemaVersion) || sys["target"] != testQueue {
		t.Fatalf("unexpected system status %v", sys)
	}
}

func TestRateLimit(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 2})
	defer cleanup()

	for i := 0; i < 2; i++ {
		if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/health", nil, nil); status != http.StatusOK {
			t.Fatalf("request %d: status=%d", i, status)
		}
	}
	var resp orderResponse
	if status := doJSONRequest(t, env.ts.Client(), http.MethodGet, env.ts.URL+"/health", nil, &resp); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
	if resp.OK || resp.Code != "RATE_LIMITED" {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env, cleanup := newTestAPIServer(t, Options{})
	defer cleanup()

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/orders", strings.NewReader(`{"side":"Buy","quantity":1,"price":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.Header.Get("X-Request-ID") != "req-123" || body.RequestID != "req-123" {
		t.Fatalf("request id not propagated: header=%q body=%q", resp.Header.Get("X-Request-ID"), body.RequestID)
	}
}
