package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"scriptgate/internal/config"
)

// Pinger is a dependency whose liveness gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	deps      map[string]Pinger
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime,omitempty"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService creates a health service over named dependencies.
func NewHealthService(deps map[string]Pinger, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   config.AppVersion,
		deps:      deps,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
		Uptime:    time.Since(hs.startTime).Round(time.Second).String(),
		Runtime: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck pings every dependency. The status is "not_ready" when
// any of them fails.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]ServiceHealth, len(hs.deps)),
	}
	for name, dep := range hs.deps {
		if err := dep.Ping(ctx); err != nil {
			hs.logger.WarnContext(ctx, "Dependency not ready",
				slog.String("dependency", name),
				slog.String("error", err.Error()))
			status.Status = "not_ready"
			status.Services[name] = ServiceHealth{Status: "unhealthy", Message: err.Error()}
			continue
		}
		status.Services[name] = ServiceHealth{Status: "healthy"}
	}
	return status
}
