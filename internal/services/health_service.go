package services

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	checks    map[string]Pinger
	timeout   time.Duration
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Ready reports whether every dependency answered.
func (h HealthStatus) Ready() bool { return h.Status == "ready" }

// NewHealthService creates a health service over named dependencies.
func NewHealthService(version string, checks map[string]Pinger, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		checks:    checks,
		timeout:   2 * time.Second,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime_seconds": time.Since(hs.startTime).Seconds(),
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck pings every dependency in parallel under a short timeout.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, hs.timeout)
	defer cancel()

	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]ServiceHealth, len(hs.checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range hs.checks {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			sh := ServiceHealth{Status: "ready"}
			if err := p.Ping(ctx); err != nil {
				sh = ServiceHealth{Status: "not_ready", Message: err.Error()}
			}
			mu.Lock()
			status.Services[name] = sh
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	var failed []string
	for name, sh := range status.Services {
		if sh.Status != "ready" {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		status.Status = "not_ready"
		hs.logger.WarnContext(ctx, "readiness check failed", slog.Any("dependencies", failed))
	}
	return status
}
