// Command persistor consumes matching engine events and stores them in SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hanar3/trading-sim/internal/monitor"
	"github.com/hanar3/trading-sim/internal/persistor"
	"github.com/hanar3/trading-sim/pkg/broker"
	"github.com/hanar3/trading-sim/pkg/config"
	"github.com/hanar3/trading-sim/pkg/db"
	"github.com/hanar3/trading-sim/pkg/logging"
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
		logger.Fatal("persistor stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting message persistor",
		zap.String("environment", cfg.Environment),
		zap.String("queue", cfg.Persistor.EventsQueue),
		zap.String("db_path", cfg.Persistor.DBPath))

	database, err := db.New(cfg.Persistor.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	session, err := broker.Dial(broker.Config{
		URL:         cfg.AMQP.URL(),
		DialTimeout: cfg.AMQP.DialTimeout,
		Heartbeat:   cfg.AMQP.Heartbeat,
		Prefetch:    cfg.Persistor.Prefetch,
	}, log)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.DeclareQueue(cfg.Persistor.EventsQueue); err != nil {
		return err
	}
	deliveries, err := persistor.Subscribe(session.Channel(), cfg.Persistor.EventsQueue, cfg.Persistor.ConsumerTag)
	if err != nil {
		return err
	}

	metrics := monitor.NewPipelineMetrics("")
	consumer := persistor.NewConsumer(database, metrics, log)

	if cfg.Environment == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	statusSrv := &http.Server{
		Addr:              ":" + cfg.Persistor.Port,
		Handler:           persistor.NewStatusRouter(database, metrics, session.Ready, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("status server listening", zap.String("addr", statusSrv.Addr))
		if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusSrv.Shutdown(shutdownCtx)
	}()

	log.Info("consuming events", zap.String("consumer_tag", cfg.Persistor.ConsumerTag))
	if err := consumer.Run(ctx, deliveries); err != nil {
		return err
	}
	log.Info("shutting down")
	return nil
}
