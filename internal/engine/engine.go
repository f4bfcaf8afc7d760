// Package engine sequences risk evaluation, ETA recalculation and manual
// risk resets: it reads signals, runs the state machine, and persists
// insight history, audit events and notifications.
package engine

import (
    "context"
    "time"

    "routewatch/internal/config"
    "routewatch/internal/model"
    "routewatch/internal/notify"
    "routewatch/internal/requestid"
    "routewatch/internal/store"
)

const (
    signalWindow      = 2 * time.Hour
    signalWindowLimit = 500
    recentAvgLimit    = 30
    historicalWindow  = 7 * 24 * time.Hour
    historicalLimit   = 200
)

// Publisher fans route events out to live subscribers (SSE/WebSocket).
type Publisher interface {
    Publish(routeID string, payload any)
}

// Tracker is the fire-and-forget analytics sink.
type Tracker interface {
    Track(ev model.MetricEvent)
}

type Engine struct {
    store      store.Store
    dispatcher *notify.Dispatcher
    tracker    Tracker
    publisher  Publisher
    cfg        config.Config
    now        func() time.Time
}

func New(st store.Store, dispatcher *notify.Dispatcher, tracker Tracker, publisher Publisher, cfg config.Config) *Engine {
    return &Engine{
        store:      st,
        dispatcher: dispatcher,
        tracker:    tracker,
        publisher:  publisher,
        cfg:        cfg,
        now:        time.Now,
    }
}

func (e *Engine) publish(routeID string, payload any) {
    if e.publisher != nil { e.publisher.Publish(routeID, payload) }
}

// track stamps the request id into the event before handing it to the
// analytics sink.
func (e *Engine) track(ctx context.Context, ev model.MetricEvent) {
    if e.tracker == nil { return }
    ev.Properties = requestid.Stamp(ctx, ev.Properties)
    e.tracker.Track(ev)
}

// fetchSignalInputs issues the snapshot-window and historical-speed
// queries concurrently; neither depends on the other.
func (e *Engine) fetchSignalInputs(ctx context.Context, routeID string, now time.Time) ([]model.LocationSnapshot, []float64, error) {
    type snapRes struct {
        snaps []model.LocationSnapshot
        err   error
    }
    type histRes struct {
        speeds []float64
        err    error
    }
    snapCh := make(chan snapRes, 1)
    histCh := make(chan histRes, 1)
    go func() {
        snaps, err := e.store.SnapshotsSince(ctx, routeID, now.Add(-signalWindow), signalWindowLimit)
        snapCh <- snapRes{snaps, err}
    }()
    go func() {
        speeds, err := e.store.HistoricalSpeeds(ctx, routeID, now.Add(-historicalWindow), historicalLimit)
        histCh <- histRes{speeds, err}
    }()
    sr := <-snapCh
    hr := <-histCh
    if sr.err != nil { return nil, nil, sr.err }
    if hr.err != nil { return nil, nil, hr.err }
    return sr.snaps, hr.speeds, nil
}

// recentWindow returns the newest n snapshots of an ascending window.
func recentWindow(snaps []model.LocationSnapshot, n int) []model.LocationSnapshot {
    if len(snaps) <= n { return snaps }
    return snaps[len(snaps)-n:]
}
