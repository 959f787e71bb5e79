package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// SystemMetrics системные метрики процесса, снимаемые по таймеру
type SystemMetrics struct {
	log          *logger.Logger
	goroutines   prometheus.Gauge
	memoryAlloc  prometheus.Gauge
	memoryTotal  prometheus.Gauge
	memorySystem prometheus.Gauge
	memoryGC     prometheus.Counter

	mu       sync.Mutex
	lastGC   uint32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSystemMetrics создает новые системные метрики
func NewSystemMetrics(registry prometheus.Registerer, log *logger.Logger) *SystemMetrics {
	factory := promauto.With(registry)

	return &SystemMetrics{
		log: log,
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAlloc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_alloc_bytes",
			Help: "Currently allocated memory in bytes",
		}),
		memoryTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_total_alloc_bytes",
			Help: "Total memory allocation in bytes",
		}),
		memorySystem: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_system_bytes",
			Help: "Total memory obtained from system in bytes",
		}),
		memoryGC: factory.NewCounter(prometheus.CounterOpts{
			Name: "system_memory_gc_total",
			Help: "Total number of garbage collections",
		}),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Record снимает текущие значения
func (m *SystemMetrics) Record() {
	m.goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryAlloc.Set(float64(memStats.Alloc))
	m.memoryTotal.Set(float64(memStats.TotalAlloc))
	m.memorySystem.Set(float64(memStats.Sys))

	// счетчик растет только на число сборок с прошлого снимка
	m.mu.Lock()
	if memStats.NumGC > m.lastGC {
		m.memoryGC.Add(float64(memStats.NumGC - m.lastGC))
	}
	m.lastGC = memStats.NumGC
	m.mu.Unlock()
}

// StartRecording начинает запись метрик с заданным интервалом
func (m *SystemMetrics) StartRecording(interval time.Duration) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.Record()
		for {
			select {
			case <-ticker.C:
				m.Record()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.log.Info("System metrics recording started with interval %s", interval)
}

// Stop останавливает запись метрик; повторный вызов безопасен
func (m *SystemMetrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.done
		m.log.Info("System metrics recording stopped")
	})
}
