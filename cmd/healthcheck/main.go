package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hanar3/trading-sim/internal/health"
	"github.com/hanar3/trading-sim/pkg/broker"
	"github.com/hanar3/trading-sim/pkg/config"
	"github.com/hanar3/trading-sim/pkg/db"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	jsonOut := len(os.Args) > 1 && os.Args[1] == "--json"
	if !jsonOut {
		fmt.Println("Order Gateway Health Check")
		fmt.Println("==========================")
		fmt.Println()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0),
	}

	// 1. Config check
	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)

	if cfg != nil {
		// 2. Database check
		report.Services = append(report.Services, checkDatabase(ctx, cfg))

		// 3. Broker connectivity check
		report.Services = append(report.Services, checkBroker(cfg))

		// 4. API server check
		report.Services = append(report.Services, checkAPIServer(ctx, cfg))

		// 5. gRPC health service
		report.Services = append(report.Services, checkGRPCHealth(ctx, cfg))
	}

	report.Overall = overall(report.Services)

	if jsonOut {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	} else {
		fmt.Println("Results:")
		fmt.Println("--------")
		for _, svc := range report.Services {
			statusIcon := "✓"
			if svc.Status == "UNHEALTHY" {
				statusIcon = "✗"
			} else if svc.Status == "DEGRADED" {
				statusIcon = "⚠"
			}
			fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
		}
		fmt.Println()
		fmt.Printf("Overall Status: %s\n", report.Overall)
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func overall(services []HealthStatus) string {
	result := "HEALTHY"
	for _, svc := range services {
		if svc.Status == "UNHEALTHY" {
			return "UNHEALTHY"
		}
		if svc.Status == "DEGRADED" {
			result = "DEGRADED"
		}
	}
	return result
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := newStatus("Configuration")

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Failed to load: %v", err)
		return nil, status
	}

	status.Message = fmt.Sprintf("env=%s port=%s grpc=%s", cfg.Environment, cfg.Port, cfg.GRPCPort)
	return cfg, status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")

	database, err := db.New(cfg.Persistor.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.Ping(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}

	status.Message = "Connected"
	return status
}

func checkBroker(cfg *config.Config) HealthStatus {
	status := newStatus("AMQP Broker")

	if cfg.DryRun {
		status.Status = "DEGRADED"
		status.Message = "Dry run, broker not used"
		return status
	}

	session, err := broker.Dial(broker.Config{
		URL:         cfg.AMQP.URL(),
		DialTimeout: 5 * time.Second,
		Heartbeat:   cfg.AMQP.Heartbeat,
	}, zap.NewNop())
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer session.Close()

	status.Message = fmt.Sprintf("Connected to %s", net.JoinHostPort(cfg.AMQP.Host, fmt.Sprint(cfg.AMQP.Port)))
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/health", "/ready"} {
		url := fmt.Sprintf("http://localhost:%s%s", cfg.Port, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			status.Status = "UNHEALTHY"
			status.Message = err.Error()
			return status
		}
		resp, err := client.Do(req)
		if err != nil {
			status.Status = "UNHEALTHY"
			status.Message = fmt.Sprintf("Not reachable: %v", err)
			return status
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			status.Status = "DEGRADED"
			status.Message = fmt.Sprintf("%s: HTTP %d", path, resp.StatusCode)
			return status
		}
	}

	status.Message = "Running"
	return status
}

func checkGRPCHealth(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("gRPC Health")

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	serving, err := health.Check(checkCtx, net.JoinHostPort("localhost", cfg.GRPCPort), health.GatewayService)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	if serving != healthpb.HealthCheckResponse_SERVING {
		status.Status = "DEGRADED"
	}
	status.Message = serving.String()
	return status
}
