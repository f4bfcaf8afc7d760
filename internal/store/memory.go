package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "routewatch/internal/model"
)

// Memory is the in-process Store used by tests and local development.
type Memory struct {
    mu sync.Mutex

    routes        map[string]model.Route
    drivers       map[string]model.Driver
    snapshots     []model.LocationSnapshot
    insights      []model.AiInsight
    routeInsights map[string]model.RouteInsight
    events        []model.RouteEvent
    notifications []model.Notification
    deliveries    map[string]model.Delivery
    metricEvents  []model.MetricEvent
}

func NewMemory() *Memory {
    return &Memory{
        routes:        map[string]model.Route{},
        drivers:       map[string]model.Driver{},
        routeInsights: map[string]model.RouteInsight{},
        deliveries:    map[string]model.Delivery{},
    }
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateRoute(_ context.Context, r model.Route) (model.Route, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if r.CreatedAt.IsZero() { r.CreatedAt = time.Now() }
    m.routes[r.ID] = r
    return r, nil
}

func (m *Memory) GetRoute(_ context.Context, id string) (model.Route, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    r, ok := m.routes[id]
    if !ok { return model.Route{}, ErrNotFound }
    return r, nil
}

func (m *Memory) ActiveRouteForDriver(_ context.Context, driverID string) (model.Route, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var best *model.Route
    for id := range m.routes {
        r := m.routes[id]
        if r.DriverID != driverID || !ActiveRouteStatuses[r.Status] { continue }
        if best == nil || r.CreatedAt.After(best.CreatedAt) {
            cp := r
            best = &cp
        }
    }
    if best == nil { return model.Route{}, ErrNotFound }
    return *best, nil
}

func (m *Memory) CreateDriver(_ context.Context, d model.Driver) (model.Driver, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.drivers[d.ID] = d
    return d, nil
}

func (m *Memory) DriverByUserID(_ context.Context, userID string) (model.Driver, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for _, d := range m.drivers {
        if d.UserID == userID { return d, nil }
    }
    return model.Driver{}, ErrNotFound
}

func (m *Memory) InsertSnapshot(_ context.Context, s model.LocationSnapshot) (model.LocationSnapshot, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.snapshots = append(m.snapshots, s)
    return s, nil
}

func (m *Memory) LatestSnapshot(_ context.Context, routeID string) (model.LocationSnapshot, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var best *model.LocationSnapshot
    for i := range m.snapshots {
        s := m.snapshots[i]
        if s.RouteID != routeID { continue }
        if best == nil || s.RecordedAt.After(best.RecordedAt) { best = &m.snapshots[i] }
    }
    if best == nil { return model.LocationSnapshot{}, ErrNotFound }
    return *best, nil
}

func (m *Memory) LatestSnapshotBefore(_ context.Context, routeID string, cutoff time.Time) (model.LocationSnapshot, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var best *model.LocationSnapshot
    for i := range m.snapshots {
        s := m.snapshots[i]
        if s.RouteID != routeID || s.CapturedAt.After(cutoff) { continue }
        if best == nil || s.CapturedAt.After(best.CapturedAt) { best = &m.snapshots[i] }
    }
    if best == nil { return model.LocationSnapshot{}, ErrNotFound }
    return *best, nil
}

func (m *Memory) SnapshotsSince(_ context.Context, routeID string, since time.Time, limit int) ([]model.LocationSnapshot, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var out []model.LocationSnapshot
    for _, s := range m.snapshots {
        if s.RouteID == routeID && !s.CapturedAt.Before(since) { out = append(out, s) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
    if limit > 0 && len(out) > limit { out = out[len(out)-limit:] }
    return out, nil
}

func (m *Memory) HistoricalSpeeds(ctx context.Context, routeID string, since time.Time, limit int) ([]float64, error) {
    m.mu.Lock()
    if _, ok := m.routes[routeID]; !ok {
        m.mu.Unlock()
        return nil, ErrNotFound
    }
    type sample struct {
        at    time.Time
        speed float64
    }
    var samples []sample
    for _, s := range m.snapshots {
        if s.RouteID != routeID || s.RecordedAt.Before(since) { continue }
        if s.SpeedKmh == nil || *s.SpeedKmh <= 2 { continue }
        samples = append(samples, sample{at: s.RecordedAt, speed: *s.SpeedKmh})
    }
    m.mu.Unlock()
    sort.Slice(samples, func(i, j int) bool { return samples[i].at.After(samples[j].at) })
    if limit > 0 && len(samples) > limit { samples = samples[:limit] }
    out := make([]float64, len(samples))
    for i, s := range samples { out[i] = s.speed }
    return out, nil
}

func (m *Memory) LatestInsight(_ context.Context, routeID string) (*model.AiInsight, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var best *model.AiInsight
    for i := range m.insights {
        rec := m.insights[i]
        if rec.RouteID != routeID { continue }
        if best == nil || rec.Seq > best.Seq { best = &m.insights[i] }
    }
    if best == nil { return nil, nil }
    cp := *best
    cp.RiskLevel = model.NormalizeRiskLevel(string(cp.RiskLevel))
    return &cp, nil
}

func (m *Memory) InsertInsight(_ context.Context, rec model.AiInsight) (model.AiInsight, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var latest int64
    for _, r := range m.insights {
        if r.RouteID == rec.RouteID && r.Seq > latest { latest = r.Seq }
    }
    if rec.Seq != latest+1 { return model.AiInsight{}, ErrStale }
    m.insights = append(m.insights, rec)
    return rec, nil
}

func (m *Memory) UpsertRouteInsight(_ context.Context, ri model.RouteInsight) (model.RouteInsight, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.routeInsights[ri.RouteID] = ri
    return ri, nil
}

func (m *Memory) GetRouteInsight(_ context.Context, routeID string) (model.RouteInsight, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    ri, ok := m.routeInsights[routeID]
    if !ok { return model.RouteInsight{}, ErrNotFound }
    return ri, nil
}

func (m *Memory) InsertRouteEvent(_ context.Context, ev model.RouteEvent) (model.RouteEvent, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.events = append(m.events, ev)
    return ev, nil
}

func (m *Memory) ListRouteEvents(_ context.Context, routeID string, limit int) ([]model.RouteEvent, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var out []model.RouteEvent
    for _, ev := range m.events {
        if ev.RouteID == routeID { out = append(out, ev) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
    if limit > 0 && len(out) > limit { out = out[:limit] }
    return out, nil
}

func (m *Memory) InsertNotification(_ context.Context, n model.Notification) (model.Notification, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.notifications = append(m.notifications, n)
    return n, nil
}

func (m *Memory) LatestNotificationForRoute(_ context.Context, recipientID, routeID string, since time.Time) (*model.Notification, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var best *model.Notification
    for i := range m.notifications {
        n := m.notifications[i]
        if n.RecipientID != recipientID || n.RouteID != routeID || n.CreatedAt.Before(since) { continue }
        if best == nil || n.CreatedAt.After(best.CreatedAt) { best = &m.notifications[i] }
    }
    if best == nil { return nil, nil }
    cp := *best
    return &cp, nil
}

func (m *Memory) LatestNotificationOfType(_ context.Context, recipientID string, t model.NotificationType, routeID, deliveryID string, since time.Time) (*model.Notification, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var best *model.Notification
    for i := range m.notifications {
        n := m.notifications[i]
        if n.RecipientID != recipientID || n.Type != t || n.CreatedAt.Before(since) { continue }
        if routeID != "" && n.RouteID != routeID { continue }
        if deliveryID != "" && n.DeliveryID != deliveryID { continue }
        if best == nil || n.CreatedAt.After(best.CreatedAt) { best = &m.notifications[i] }
    }
    if best == nil { return nil, nil }
    cp := *best
    return &cp, nil
}

func (m *Memory) ListNotifications(_ context.Context, recipientID string, limit int) ([]model.Notification, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var out []model.Notification
    for _, n := range m.notifications {
        if n.RecipientID == recipientID { out = append(out, n) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
    if limit > 0 && len(out) > limit { out = out[:limit] }
    return out, nil
}

func (m *Memory) MarkNotificationOpened(_ context.Context, id, recipientID string, at time.Time) (model.Notification, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for i := range m.notifications {
        n := &m.notifications[i]
        if n.ID != id || n.RecipientID != recipientID { continue }
        if n.OpenedAt == nil {
            n.Status = "opened"
            t := at
            n.OpenedAt = &t
        }
        return *n, nil
    }
    return model.Notification{}, ErrNotFound
}

func (m *Memory) CreateDelivery(_ context.Context, d model.Delivery) (model.Delivery, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.deliveries[d.ID] = d
    return d, nil
}

func (m *Memory) GetDelivery(_ context.Context, id string) (model.Delivery, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return model.Delivery{}, ErrNotFound }
    return d, nil
}

func (m *Memory) UpdateDelivery(_ context.Context, d model.Delivery) (model.Delivery, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, ok := m.deliveries[d.ID]; !ok { return model.Delivery{}, ErrNotFound }
    m.deliveries[d.ID] = d
    return d, nil
}

func (m *Memory) InsertMetricEvent(_ context.Context, ev model.MetricEvent) (model.MetricEvent, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.metricEvents = append(m.metricEvents, ev)
    return ev, nil
}

// MetricEventCount is a test hook.
func (m *Memory) MetricEventCount() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.metricEvents)
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
