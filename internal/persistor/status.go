package persistor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hanar3/trading-sim/internal/monitor"
	"github.com/hanar3/trading-sim/pkg/db"
	"github.com/hanar3/trading-sim/pkg/wire"
)

// Reader is the read side of the event store.
type Reader interface {
	Ping(ctx context.Context) error
	GetOrder(ctx context.Context, orderID int64) (*db.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64, limit int) ([]db.Order, error)
	ListTradesForOrder(ctx context.Context, orderID int64) ([]db.Trade, error)
}

type orderView struct {
	OrderID     int64       `json:"order_id"`
	UserID      int64       `json:"user_id"`
	Side        string      `json:"side"`
	Price       int64       `json:"price"`
	Quantity    int64       `json:"quantity"`
	Status      string      `json:"status"`
	MessageID   string      `json:"message_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CancelledAt *time.Time  `json:"cancelled_at,omitempty"`
	Trades      []tradeView `json:"trades,omitempty"`
}

type tradeView struct {
	ID           int64     `json:"id"`
	TakerOrderID int64     `json:"taker_order_id"`
	MakerOrderID int64     `json:"maker_order_id"`
	Price        int64     `json:"price"`
	Quantity     int64     `json:"quantity"`
	CreatedAt    time.Time `json:"created_at"`
}

func newOrderView(o db.Order) orderView {
	return orderView{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Side:        wire.Side(o.Side).String(),
		Price:       o.Price,
		Quantity:    o.Quantity,
		Status:      o.Status,
		MessageID:   o.MessageID,
		CreatedAt:   o.CreatedAt,
		CancelledAt: o.CancelledAt,
	}
}

const maxListLimit = 500

// NewStatusRouter serves liveness, metrics and read-only views of the stored
// events.
func NewStatusRouter(store Reader, metrics *monitor.PipelineMetrics, ready func() bool, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if ready != nil && !ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, metrics.GetSnapshot())
	})

	r.GET("/api/orders/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
			return
		}
		o, err := store.GetOrder(c.Request.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		if err != nil {
			log.Error("get order", zap.Int64("order_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		trades, err := store.ListTradesForOrder(c.Request.Context(), id)
		if err != nil {
			log.Error("list trades", zap.Int64("order_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		view := newOrderView(*o)
		for _, t := range trades {
			view.Trades = append(view.Trades, tradeView{
				ID:           t.ID,
				TakerOrderID: t.TakerOrderID,
				MakerOrderID: t.MakerOrderID,
				Price:        t.Price,
				Quantity:     t.Quantity,
				CreatedAt:    t.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, view)
	})

	r.GET("/api/users/:id/orders", func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || userID < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 || limit > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		orders, err := store.ListOrdersByUser(c.Request.Context(), userID, limit)
		if err != nil {
			log.Error("list orders", zap.Int64("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		views := make([]orderView, 0, len(orders))
		for _, o := range orders {
			views = append(views, newOrderView(o))
		}
		c.JSON(http.StatusOK, gin.H{"count": len(views), "orders": views})
	})

	return r
}
