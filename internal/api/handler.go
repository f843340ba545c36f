package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hanar3/trading-sim/internal/gateway"
	"github.com/hanar3/trading-sim/internal/monitor"
	"github.com/hanar3/trading-sim/internal/order"
)

// OrderService is the order pipeline behind the HTTP routes.
type OrderService interface {
	Ready() bool
	PlaceLimitOrder(ctx context.Context, requestID string, req order.PlaceOrderRequest) (gateway.Result, error)
	CancelOrder(ctx context.Context, requestID string, req order.CancelOrderRequest) (gateway.Result, error)
}

// JournalView exposes in-doubt publications to operators.
type JournalView interface {
	InDoubt() []order.JournalEntry
	Resolve(messageID string) bool
}

// Server wires HTTP endpoints around the order pipeline.
type Server struct {
	Router  *gin.Engine
	Orders  OrderService
	Metrics *monitor.PipelineMetrics
	Journal JournalView
	Meta    SystemMeta
	log     *zap.Logger
}

// SystemMeta describes runtime status.
type SystemMeta struct {
	DryRun        bool
	Target        string
	Version       string
	SchemaVersion int
}

// Options tunes routing and middleware.
type Options struct {
	OrdersPath     string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
}

func NewServer(orders OrderService, metrics *monitor.PipelineMetrics, journal JournalView, meta SystemMeta, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitor.NewPipelineMetrics("")
	}
	if opts.OrdersPath == "" {
		opts.OrdersPath = "/orders"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger(log))    // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(opts.RateLimitRPS, opts.RateLimitBurst, log))
	r.Use(TimeoutMiddleware(opts.RequestTimeout)) // Request deadline
	r.Use(CORSMiddleware())                       // CORS (last before routes)

	s := &Server{
		Router:  r,
		Orders:  orders,
		Metrics: metrics,
		Journal: journal,
		Meta:    meta,
		log:     log,
	}
	s.routes(strings.TrimSuffix(opts.OrdersPath, "/"))
	return s
}

func (s *Server) routes(ordersPath string) {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ready", s.ready)
	s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))

	s.Router.POST(ordersPath, s.placeOrder)
	s.Router.POST(ordersPath+"/cancel", s.cancelOrder)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/schema", s.getSchema)
		api.GET("/journal/in-doubt", s.getInDoubt)
		api.POST("/journal/in-doubt/:id/resolve", s.resolveInDoubt)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ready(c *gin.Context) {
	if !s.Orders.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Handler returns the HTTP handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
