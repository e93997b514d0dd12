package infrastructure

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// SystemStats is a point-in-time runtime snapshot, also served by /healthz.
type SystemStats struct {
	Goroutines     int           `json:"goroutines"`
	HeapAllocBytes uint64        `json:"heap_alloc_bytes"`
	SysBytes       uint64        `json:"sys_bytes"`
	NumGC          uint32        `json:"num_gc"`
	Uptime         time.Duration `json:"uptime"`
}

// SystemMetrics reports Go runtime gauges through observable callbacks, so
// nothing needs a background collector goroutine.
type SystemMetrics struct {
	started time.Time
	reg     metric.Registration
}

// NewSystemMetrics registers the runtime gauges on meter.
func NewSystemMetrics(meter metric.Meter, started time.Time) (*SystemMetrics, error) {
	goroutines, err := meter.Int64ObservableGauge(
		"system_goroutines",
		metric.WithDescription("Number of active goroutines"),
	)
	if err != nil {
		return nil, err
	}
	heap, err := meter.Int64ObservableGauge(
		"system_memory_allocated_bytes",
		metric.WithDescription("Heap bytes allocated by the Go runtime"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	sys, err := meter.Int64ObservableGauge(
		"system_memory_system_bytes",
		metric.WithDescription("Memory obtained from the OS in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	uptime, err := meter.Float64ObservableGauge(
		"system_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	sm := &SystemMetrics{started: started}
	sm.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := sm.Snapshot()
		o.ObserveInt64(goroutines, int64(s.Goroutines))
		o.ObserveInt64(heap, int64(s.HeapAllocBytes))
		o.ObserveInt64(sys, int64(s.SysBytes))
		o.ObserveFloat64(uptime, s.Uptime.Seconds())
		return nil
	}, goroutines, heap, sys, uptime)
	if err != nil {
		return nil, err
	}
	return sm, nil
}

// Snapshot reads the current runtime stats.
func (sm *SystemMetrics) Snapshot() SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemStats{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: m.HeapAlloc,
		SysBytes:       m.Sys,
		NumGC:          m.NumGC,
		Uptime:         time.Since(sm.started).Truncate(time.Second),
	}
}

// Stop unregisters the callback.
func (sm *SystemMetrics) Stop() error {
	if sm.reg == nil {
		return nil
	}
	return sm.reg.Unregister()
}
