package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"proactive-outreach-engine/pkg/metrics"
	"proactive-outreach-engine/pkg/models"
)

// EventSink persists lifecycle events. Both the SQL store and the Redis stream
// producer implement it.
type EventSink interface {
	AppendFunnelEvent(ctx context.Context, event models.FunnelEvent) error
}

// EventEmitter writes events to a sink from a single background worker. Emit
// never blocks: when the buffer is full the event is dropped and counted.
type EventEmitter struct {
	sink    EventSink
	logger  *logrus.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	events chan models.FunnelEvent
	done   chan struct{}
}

func NewEventEmitter(sink EventSink, bufferSize int, logger *logrus.Logger, metrics *metrics.Metrics) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	e := &EventEmitter{
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		timeout: 5 * time.Second,
		events:  make(chan models.FunnelEvent, bufferSize),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues an event for the sink.
func (e *EventEmitter) Emit(event models.FunnelEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(event, "emitter closed")
		return
	}
	select {
	case e.events <- event:
	default:
		e.drop(event, "buffer full")
	}
}

// Close stops accepting events and waits until queued events are written.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()
	<-e.done
}

func (e *EventEmitter) run() {
	defer close(e.done)
	for event := range e.events {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.sink.AppendFunnelEvent(ctx, event); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"instance_id": event.InstanceID,
				"event_type":  event.Type,
			}).Warn("Failed to write funnel event")
		}
		cancel()
	}
}

func (e *EventEmitter) drop(event models.FunnelEvent, reason string) {
	if e.metrics != nil {
		e.metrics.EventsDropped.Inc()
	}
	e.logger.WithFields(logrus.Fields{
		"instance_id": event.InstanceID,
		"event_type":  event.Type,
		"reason":      reason,
	}).Warn("Dropped funnel event")
}
