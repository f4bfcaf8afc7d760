// Package store defines the persistence contract and its two
// implementations: an in-memory store for tests and dev, and Postgres.
package store

import (
    "context"
    "errors"
    "time"

    "routewatch/internal/model"
)

// ErrNotFound is returned for point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ErrStale is returned by InsertInsight when another evaluation already
// appended a record at or past the requested sequence number.
var ErrStale = errors.New("stale insight sequence")

// Store is the full persistence surface. All reads normalize legacy risk
// labels to the canonical set before returning.
type Store interface {
    // routes and drivers
    CreateRoute(ctx context.Context, r model.Route) (model.Route, error)
    GetRoute(ctx context.Context, id string) (model.Route, error)
    // ActiveRouteForDriver returns the most recently created route in an
    // active status assigned to the driver, or ErrNotFound.
    ActiveRouteForDriver(ctx context.Context, driverID string) (model.Route, error)
    CreateDriver(ctx context.Context, d model.Driver) (model.Driver, error)
    DriverByUserID(ctx context.Context, userID string) (model.Driver, error)

    // location snapshots (append-only)
    InsertSnapshot(ctx context.Context, s model.LocationSnapshot) (model.LocationSnapshot, error)
    LatestSnapshot(ctx context.Context, routeID string) (model.LocationSnapshot, error)
    // LatestSnapshotBefore returns the newest snapshot captured at or
    // before cutoff, for delayed viewer visibility.
    LatestSnapshotBefore(ctx context.Context, routeID string, cutoff time.Time) (model.LocationSnapshot, error)
    // SnapshotsSince returns up to limit snapshots captured at or after
    // since, ascending by capture time.
    SnapshotsSince(ctx context.Context, routeID string, since time.Time, limit int) ([]model.LocationSnapshot, error)
    // HistoricalSpeeds returns up to limit moving speeds (km/h, above the
    // stop threshold) recorded on the route at or after since.
    HistoricalSpeeds(ctx context.Context, routeID string, since time.Time, limit int) ([]float64, error)

    // insight history (append-only, seq-guarded)
    LatestInsight(ctx context.Context, routeID string) (*model.AiInsight, error)
    // InsertInsight appends rec iff rec.Seq is exactly one past the
    // route's latest stored sequence (or 1 when none exist); otherwise
    // it returns ErrStale.
    InsertInsight(ctx context.Context, rec model.AiInsight) (model.AiInsight, error)

    // active insight (one row per route)
    UpsertRouteInsight(ctx context.Context, ri model.RouteInsight) (model.RouteInsight, error)
    GetRouteInsight(ctx context.Context, routeID string) (model.RouteInsight, error)

    // audit events
    InsertRouteEvent(ctx context.Context, ev model.RouteEvent) (model.RouteEvent, error)
    ListRouteEvents(ctx context.Context, routeID string, limit int) ([]model.RouteEvent, error)

    // notifications
    InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error)
    LatestNotificationForRoute(ctx context.Context, recipientID, routeID string, since time.Time) (*model.Notification, error)
    LatestNotificationOfType(ctx context.Context, recipientID string, t model.NotificationType, routeID, deliveryID string, since time.Time) (*model.Notification, error)
    ListNotifications(ctx context.Context, recipientID string, limit int) ([]model.Notification, error)
    MarkNotificationOpened(ctx context.Context, id, recipientID string, at time.Time) (model.Notification, error)

    // deliveries
    CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error)
    GetDelivery(ctx context.Context, id string) (model.Delivery, error)
    UpdateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error)

    // analytics (write-only)
    InsertMetricEvent(ctx context.Context, ev model.MetricEvent) (model.MetricEvent, error)

    Ping(ctx context.Context) error
    Close() error
}

// ActiveRouteStatuses are the route statuses a driver can stream
// locations against.
var ActiveRouteStatuses = map[string]bool{
    "active":      true,
    "in_progress": true,
    "started":     true,
}
