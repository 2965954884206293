package trace

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HeartbeatInterval is how often aggregate activity counters are emitted.
const HeartbeatInterval = 15 * time.Second

// MetricsFunc returns the counters included in each heartbeat event.
type MetricsFunc func() logrus.Fields

// Heartbeat periodically emits aggregate activity counters so a quiet log
// still shows the mount is alive.
type Heartbeat struct {
	tracer   *Tracer
	metrics  MetricsFunc
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHeartbeat creates a heartbeat emitting on the standard interval.
func NewHeartbeat(tracer *Tracer, metrics MetricsFunc) *Heartbeat {
	return &Heartbeat{
		tracer:   tracer.Child("Heartbeat"),
		metrics:  metrics,
		interval: HeartbeatInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the heartbeat worker.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.tracer.Telemetry("Heartbeat", h.metrics())
			}
		}
	}()
}

// Stop halts the worker and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}
