package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/guardrail/internal/idgen"
	"github.com/mbd888/guardrail/internal/metrics"
)

// Publisher pushes an event to live subscribers without blocking.
// *realtime.Hub satisfies it.
type Publisher interface {
	Publish(eventType, tenantID string, payload any) bool
}

// DefaultQueueSize bounds events waiting for webhook delivery.
const DefaultQueueSize = 1024

// Emitter implements the engine's Notifier. Notify returns immediately;
// workers started by Run deliver queued events to webhooks.
type Emitter struct {
	dispatcher *Dispatcher
	feed       Publisher
	queue      chan *Event
	logger     *slog.Logger
	now        func() time.Time

	running atomic.Bool
}

// NewEmitter creates an emitter. Either dispatcher or feed may be nil.
func NewEmitter(dispatcher *Dispatcher, feed Publisher, queueSize int, logger *slog.Logger) *Emitter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Emitter{
		dispatcher: dispatcher,
		feed:       feed,
		queue:      make(chan *Event, queueSize),
		logger:     logger,
		now:        time.Now,
	}
}

// Notify fans the event out to the realtime feed and queues it for
// webhook delivery. A full queue drops the webhook copy.
func (e *Emitter) Notify(_ context.Context, eventType, tenantID string, payload any) {
	if e == nil {
		return
	}
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		TenantID:  tenantID,
		Timestamp: e.now().UTC(),
		Data:      payload,
	}

	if e.feed != nil && !e.feed.Publish(eventType, tenantID, payload) {
		metrics.NotifyEventsTotal.WithLabelValues(eventType, "feed_dropped").Inc()
	}
	if e.dispatcher == nil {
		return
	}

	select {
	case e.queue <- ev:
		metrics.NotifyEventsTotal.WithLabelValues(eventType, "queued").Inc()
	default:
		metrics.NotifyEventsTotal.WithLabelValues(eventType, "dropped").Inc()
		e.logger.Warn("notify queue full, dropping webhook event",
			"event", eventType, "tenant_id", tenantID, "event_id", ev.ID)
	}
}

// Running reports whether Run is draining the queue.
func (e *Emitter) Running() bool { return e.running.Load() }

// Run starts workers and blocks until ctx is done. Events still queued
// at shutdown are discarded and counted.
func (e *Emitter) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	e.running.Store(true)
	defer e.running.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-e.queue:
					e.deliver(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()

	if n := len(e.queue); n > 0 {
		e.logger.Warn("notify emitter stopped with undelivered events", "count", n)
	}
}

func (e *Emitter) deliver(ctx context.Context, ev *Event) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	outcomes, err := e.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		metrics.NotifyEventsTotal.WithLabelValues(ev.Type, "error").Inc()
		e.logger.Error("webhook dispatch failed", "event", ev.Type, "tenant_id", ev.TenantID, "error", err)
		return
	}
	for _, o := range outcomes {
		metrics.NotifyEventsTotal.WithLabelValues(ev.Type, string(o)).Inc()
	}
}
