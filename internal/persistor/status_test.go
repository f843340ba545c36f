package persistor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/hanar3/trading-sim/internal/monitor"
	"github.com/hanar3/trading-sim/pkg/db"
	"github.com/hanar3/trading-sim/pkg/wire"
)

func newStatusServer(t *testing.T, store *db.Database) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(NewStatusRouter(store, monitor.NewPipelineMetrics("test"), func() bool { return true }, nil))
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestStatusOrderView(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	store.InsertOrder(ctx, db.Order{OrderID: 7, UserID: 3, Side: int32(wire.SideBuy), Price: 100, Quantity: 4})
	store.InsertOrder(ctx, db.Order{OrderID: 8, UserID: 9, Side: int32(wire.SideSell), Price: 100, Quantity: 4})
	store.InsertTrade(ctx, db.Trade{TakerOrderID: 8, MakerOrderID: 7, Price: 100, Quantity: 4})
	ts := newStatusServer(t, store)

	var view orderView
	if status := getJSON(t, ts.URL+"/api/orders/7", &view); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if view.Side != "SIDE_BUY" || view.Status != db.StatusOpen || len(view.Trades) != 1 || view.Trades[0].TakerOrderID != 8 {
		t.Fatalf("unexpected view %+v", view)
	}

	if status := getJSON(t, ts.URL+"/api/orders/99", nil); status != http.StatusNotFound {
		t.Fatalf("missing order: status=%d", status)
	}
	if status := getJSON(t, ts.URL+"/api/orders/abc", nil); status != http.StatusBadRequest {
		t.Fatalf("bad id: status=%d", status)
	}
}

func TestStatusUserOrders(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		store.InsertOrder(ctx, db.Order{OrderID: id, UserID: 5, Side: int32(wire.SideBuy), Price: 10, Quantity: 1})
	}
	ts := newStatusServer(t, store)

	var list struct {
		Count  int         `json:"count"`
		Orders []orderView `json:"orders"`
	}
	if status := getJSON(t, ts.URL+"/api/users/5/orders?limit=2", &list); status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if list.Count != 2 || list.Orders[0].OrderID != 3 {
		t.Fatalf("unexpected list %+v", list)
	}
	if status := getJSON(t, ts.URL+"/api/users/5/orders?limit=0", nil); status != http.StatusBadRequest {
		t.Fatalf("limit=0: status=%d", status)
	}
}

func TestStatusHealth(t *testing.T) {
	ts := newStatusServer(t, openStore(t))

	var body map[string]any
	if status := getJSON(t, ts.URL+"/health", &body); status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health status=%d body=%v", status, body)
	}
	if status := getJSON(t, ts.URL+"/ready", nil); status != http.StatusOK {
		t.Fatalf("ready status=%d", status)
	}
}
