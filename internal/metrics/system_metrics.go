package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemMetrics интерфейс для системных метрик
type SystemMetrics interface {
	RecordGoroutines()
	RecordMemory()
	// Run пишет метрики с интервалом, пока не отменён ctx
	Run(ctx context.Context, interval time.Duration)
}

type systemMetrics struct {
	log         *logger.Logger
	startedAt   time.Time
	goroutines  prometheus.Gauge
	memoryAlloc prometheus.Gauge
	memorySys   prometheus.Gauge
	gcCycles    prometheus.Gauge
	uptime      prometheus.Gauge
}

// NewSystemMetrics создает новые системные метрики
func NewSystemMetrics(registry *prometheus.Registry, log *logger.Logger) SystemMetrics {
	factory := promauto.With(registry)

	return &systemMetrics{
		log:       log,
		startedAt: time.Now(),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAlloc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_alloc_bytes",
			Help: "Currently allocated memory in bytes",
		}),
		memorySys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_system_bytes",
			Help: "Total memory obtained from system in bytes",
		}),
		gcCycles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_gc_cycles",
			Help: "Number of completed GC cycles",
		}),
		uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_uptime_seconds",
			Help: "Seconds since the process started",
		}),
	}
}

// RecordGoroutines записывает количество горутин
func (m *systemMetrics) RecordGoroutines() {
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// RecordMemory записывает метрики памяти
func (m *systemMetrics) RecordMemory() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryAlloc.Set(float64(memStats.Alloc))
	m.memorySys.Set(float64(memStats.Sys))
	m.gcCycles.Set(float64(memStats.NumGC))
	m.uptime.Set(time.Since(m.startedAt).Seconds())
}

// Run начинает запись метрик с заданным интервалом и блокируется до отмены ctx
func (m *systemMetrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Infow("System metrics recording started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			m.RecordGoroutines()
			m.RecordMemory()
		case <-ctx.Done():
			m.log.Info("System metrics recording stopped")
			return
		}
	}
}
