// Package analytics is the write-only metric event sink. Emission is
// best-effort: a bounded queue feeds one background writer, and neither
// a full queue nor a store failure ever reaches the caller.
package analytics

import (
    "context"
    "log"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"

    "routewatch/internal/metrics"
    "routewatch/internal/model"
)

// Inserter is the slice of the store the tracker writes through.
type Inserter interface {
    InsertMetricEvent(ctx context.Context, ev model.MetricEvent) (model.MetricEvent, error)
}

const (
    defaultQueueSize    = 256
    defaultWriteTimeout = 5 * time.Second
)

type Tracker struct {
    store   Inserter
    queue   chan model.MetricEvent
    dropped atomic.Int64

    stopOnce sync.Once
    stop     chan struct{}
    done     chan struct{}
}

func NewTracker(store Inserter) *Tracker {
    t := &Tracker{
        store: store,
        queue: make(chan model.MetricEvent, defaultQueueSize),
        stop:  make(chan struct{}),
        done:  make(chan struct{}),
    }
    go t.run()
    return t
}

// Track enqueues one event without blocking. Events are dropped when the
// queue is full.
func (t *Tracker) Track(ev model.MetricEvent) {
    if ev.ID == "" { ev.ID = uuid.NewString() }
    if ev.OccurredAt.IsZero() { ev.OccurredAt = time.Now().UTC() }
    if ev.Source == "" { ev.Source = "api" }
    select {
    case t.queue <- ev:
    default:
        n := t.dropped.Add(1)
        metrics.TrackerDropped.Inc()
        log.Printf("analytics: queue full, dropped %s (total dropped %d)", ev.EventName, n)
    }
}

// Dropped reports how many events were discarded due to backpressure.
func (t *Tracker) Dropped() int64 { return t.dropped.Load() }

// Close drains the queue and stops the worker.
func (t *Tracker) Close() {
    t.stopOnce.Do(func() { close(t.stop) })
    <-t.done
}

func (t *Tracker) run() {
    defer close(t.done)
    for {
        select {
        case ev := <-t.queue:
            t.write(ev)
        case <-t.stop:
            for {
                select {
                case ev := <-t.queue:
                    t.write(ev)
                default:
                    return
                }
            }
        }
    }
}

func (t *Tracker) write(ev model.MetricEvent) {
    ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
    defer cancel()
    if _, err := t.store.InsertMetricEvent(ctx, ev); err != nil {
        log.Printf("analytics: insert %s failed: %v", ev.EventName, err)
    }
}
