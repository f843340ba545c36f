// Command gateway accepts orders over HTTP and publishes them to the broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hanar3/trading-sim/internal/api"
	"github.com/hanar3/trading-sim/internal/gateway"
	"github.com/hanar3/trading-sim/internal/health"
	"github.com/hanar3/trading-sim/internal/monitor"
	"github.com/hanar3/trading-sim/internal/order"
	"github.com/hanar3/trading-sim/internal/publish"
	"github.com/hanar3/trading-sim/pkg/broker"
	"github.com/hanar3/trading-sim/pkg/config"
	"github.com/hanar3/trading-sim/pkg/logging"
	"github.com/hanar3/trading-sim/pkg/wire"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

// channel is what the gateway publishes through, plus its lifecycle.
type channel struct {
	publish.Channel
	close func() error
	lost  <-chan struct{}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v2.0-dev"
	}
	log.Info("starting order gateway",
		zap.String("environment", cfg.Environment),
		zap.String("version", buildVersion),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("queue", cfg.Gateway.OrdersQueue))

	ch, err := openChannel(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := ch.close(); err != nil {
			log.Warn("close channel", zap.Error(err))
		}
	}()

	metrics := monitor.NewPipelineMetrics("")
	opts := []gateway.Option{
		gateway.WithMetrics(metrics),
		gateway.WithPublishTimeout(cfg.Gateway.PublishTimeout),
	}

	var journalView api.JournalView
	if cfg.EnableOrderJournal {
		journal, err := order.OpenJournal(cfg.JournalPath, log)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()

		inDoubt, err := journal.Recover()
		if err != nil {
			return fmt.Errorf("recover journal: %w", err)
		}
		for _, e := range inDoubt {
			log.Warn("in-doubt publication",
				zap.String("message_id", e.MessageID),
				zap.String("request_id", e.RequestID),
				zap.String("variant", e.Variant),
				zap.Time("published_at", e.Timestamp))
		}
		metrics.SetInDoubt(len(inDoubt))
		opts = append(opts, gateway.WithJournal(journal))
		journalView = journal
	}

	svc := gateway.NewService(publish.NewPublisher(ch, log), cfg.Gateway.OrdersQueue, log, opts...)

	if cfg.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(svc, metrics, journalView, api.SystemMeta{
		DryRun:        cfg.DryRun,
		Target:        cfg.Gateway.OrdersQueue,
		Version:       buildVersion,
		SchemaVersion: wire.SchemaVersion,
	}, api.Options{
		OrdersPath:     cfg.OrdersPath,
		RateLimitRPS:   cfg.Gateway.RateLimitRPS,
		RateLimitBurst: cfg.Gateway.RateLimitBurst,
		RequestTimeout: cfg.Gateway.RequestTimeout,
	}, log)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	hs := health.NewServer(health.GatewayService, svc.Ready, log)
	go hs.Watch(ctx, time.Second)

	errCh := make(chan error, 2)
	go func() {
		if err := hs.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc health: %w", err)
		}
	}()
	go func() {
		log.Info("http listening", zap.String("addr", httpSrv.Addr), zap.String("orders_path", cfg.OrdersPath))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-ch.lost:
		runErr = errors.New("broker connection lost")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	hs.Stop()
	return runErr
}

// openChannel connects to the broker and declares the orders queue, or builds
// the in-memory loopback in dry-run mode. Either way the target exists before
// the first request is served.
func openChannel(cfg *config.Config, log *zap.Logger) (*channel, error) {
	if cfg.DryRun {
		loop := publish.NewLoopback(cfg.Gateway.OrdersQueue)
		loop.SimulateLatency(cfg.DryRunLatencyMin, cfg.DryRunLatencyMax)
		log.Warn("dry run: orders are published to an in-memory loopback")
		return &channel{Channel: loop, close: loop.Close}, nil
	}

	session, err := broker.Dial(broker.Config{
		URL:         cfg.AMQP.URL(),
		DialTimeout: cfg.AMQP.DialTimeout,
		Heartbeat:   cfg.AMQP.Heartbeat,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := session.DeclareQueue(cfg.Gateway.OrdersQueue); err != nil {
		_ = session.Close()
		return nil, err
	}
	amqpCh, err := publish.NewAMQPChannel(session, cfg.Gateway.MaxInFlight, log)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	return &channel{Channel: amqpCh, close: session.Close, lost: session.Done()}, nil
}
