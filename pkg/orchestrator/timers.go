package orchestrator

import (
	"sync"
	"time"

	"proactive-outreach-engine/pkg/clock"
	"proactive-outreach-engine/pkg/metrics"
)

// TimerRegistry holds at most one idle timer per funnel instance. Timers are
// best effort; the periodic sweep recovers instances whose timer was lost.
type TimerRegistry struct {
	clock   clock.Clock
	metrics *metrics.Metrics

	mu     sync.Mutex
	seq    uint64
	timers map[string]armedTimer
}

type armedTimer struct {
	gen   uint64
	timer clock.Timer
}

func NewTimerRegistry(clk clock.Clock, metrics *metrics.Metrics) *TimerRegistry {
	return &TimerRegistry{
		clock:   clk,
		metrics: metrics,
		timers:  make(map[string]armedTimer),
	}
}

// Arm schedules fn after d for the instance, replacing any armed timer.
func (r *TimerRegistry) Arm(instanceID string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[instanceID]; ok {
		existing.timer.Stop()
	}
	r.seq++
	gen := r.seq
	timer := r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		if current, ok := r.timers[instanceID]; ok && current.gen == gen {
			delete(r.timers, instanceID)
		}
		r.updateGauge()
		r.mu.Unlock()
		fn()
	})
	r.timers[instanceID] = armedTimer{gen: gen, timer: timer}
	r.updateGauge()
}

// Cancel stops the instance's timer. It reports whether one was armed.
func (r *TimerRegistry) Cancel(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.timers[instanceID]
	if !ok {
		return false
	}
	existing.timer.Stop()
	delete(r.timers, instanceID)
	r.updateGauge()
	return true
}

// StopAll cancels every armed timer.
func (r *TimerRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.timers {
		existing.timer.Stop()
		delete(r.timers, id)
	}
	r.updateGauge()
}

func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *TimerRegistry) updateGauge() {
	if r.metrics != nil {
		r.metrics.ActiveFunnelTimers.Set(float64(len(r.timers)))
	}
}
