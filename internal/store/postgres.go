package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"

    "routewatch/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil { return nil, err }
    if err := db.Ping(); err != nil { return nil, err }
    return &Postgres{db: db}, nil
}

var _ Store = (*Postgres)(nil)

// MigrateDir applies every .sql file in dir in lexical order.
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return fmt.Errorf("read migrations: %w", err) }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { files = append(files, e.Name()) }
    }
    sort.Strings(files)
    for _, f := range files {
        data, err := os.ReadFile(filepath.Join(dir, f))
        if err != nil { return fmt.Errorf("read %s: %w", f, err) }
        if _, err := p.db.Exec(string(data)); err != nil {
            return fmt.Errorf("apply %s: %w", f, err)
        }
    }
    return nil
}

func (p *Postgres) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
    if r.CreatedAt.IsZero() { r.CreatedAt = time.Now().UTC() }
    _, err := p.db.ExecContext(ctx, `INSERT INTO routes (id, owner_id, driver_id, origin, destination, status, planned_at, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
        r.ID, r.OwnerID, nullIfEmpty(r.DriverID), nullIfEmpty(r.Origin), nullIfEmpty(r.Dest), r.Status, r.PlannedAt, r.CreatedAt)
    if err != nil { return model.Route{}, err }
    return r, nil
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (model.Route, error) {
    var r model.Route
    var driverID, origin, dest sql.NullString
    var planned sql.NullTime
    row := p.db.QueryRowContext(ctx, `SELECT id::text, owner_id::text, driver_id::text, origin, destination, status, planned_at, created_at FROM routes WHERE id=$1`, id)
    if err := row.Scan(&r.ID, &r.OwnerID, &driverID, &origin, &dest, &r.Status, &planned, &r.CreatedAt); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return r, ErrNotFound }
        return r, err
    }
    r.DriverID = driverID.String
    r.Origin = origin.String
    r.Dest = dest.String
    if planned.Valid { t := planned.Time; r.PlannedAt = &t }
    return r, nil
}

func (p *Postgres) ActiveRouteForDriver(ctx context.Context, driverID string) (model.Route, error) {
    statuses := make([]string, 0, len(ActiveRouteStatuses))
    for s := range ActiveRouteStatuses { statuses = append(statuses, s) }
    sort.Strings(statuses)
    var r model.Route
    var origin, dest sql.NullString
    var planned sql.NullTime
    row := p.db.QueryRowContext(ctx,
        `SELECT id::text, owner_id::text, origin, destination, status, planned_at, created_at FROM routes WHERE driver_id=$1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`,
        driverID, pqStringArray(statuses))
    if err := row.Scan(&r.ID, &r.OwnerID, &origin, &dest, &r.Status, &planned, &r.CreatedAt); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return r, ErrNotFound }
        return r, err
    }
    r.DriverID = driverID
    r.Origin = origin.String
    r.Dest = dest.String
    if planned.Valid { t := planned.Time; r.PlannedAt = &t }
    return r, nil
}

func (p *Postgres) CreateDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
    _, err := p.db.ExecContext(ctx, `INSERT INTO drivers (id, user_id) VALUES ($1,$2)`, d.ID, d.UserID)
    if err != nil { return model.Driver{}, err }
    return d, nil
}

func (p *Postgres) DriverByUserID(ctx context.Context, userID string) (model.Driver, error) {
    var d model.Driver
    row := p.db.QueryRowContext(ctx, `SELECT id::text, user_id::text FROM drivers WHERE user_id=$1`, userID)
    if err := row.Scan(&d.ID, &d.UserID); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return d, ErrNotFound }
        return d, err
    }
    return d, nil
}

func (p *Postgres) InsertSnapshot(ctx context.Context, s model.LocationSnapshot) (model.LocationSnapshot, error) {
    _, err := p.db.ExecContext(ctx,
        `INSERT INTO location_snapshots (id, route_id, driver_id, captured_at, recorded_at, lat, lng, speed_kmh, heading_deg, accuracy_m, source, meta) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
        s.ID, s.RouteID, s.DriverID, s.CapturedAt, s.RecordedAt, s.Lat, s.Lng, s.SpeedKmh, s.HeadingDeg, s.AccuracyM, nullIfEmpty(s.Source), toJSON(s.Meta))
    if err != nil { return model.LocationSnapshot{}, err }
    return s, nil
}

func (p *Postgres) LatestSnapshot(ctx context.Context, routeID string) (model.LocationSnapshot, error) {
    row := p.db.QueryRowContext(ctx,
        `SELECT id::text, route_id::text, driver_id::text, captured_at, recorded_at, lat, lng, speed_kmh, heading_deg, accuracy_m, source, meta FROM location_snapshots WHERE route_id=$1 ORDER BY recorded_at DESC LIMIT 1`, routeID)
    s, err := scanSnapshot(row)
    if errors.Is(err, sql.ErrNoRows) { return s, ErrNotFound }
    return s, err
}

func (p *Postgres) LatestSnapshotBefore(ctx context.Context, routeID string, cutoff time.Time) (model.LocationSnapshot, error) {
    row := p.db.QueryRowContext(ctx,
        `SELECT id::text, route_id::text, driver_id::text, captured_at, recorded_at, lat, lng, speed_kmh, heading_deg, accuracy_m, source, meta FROM location_snapshots WHERE route_id=$1 AND captured_at <= $2 ORDER BY captured_at DESC LIMIT 1`, routeID, cutoff)
    s, err := scanSnapshot(row)
    if errors.Is(err, sql.ErrNoRows) { return s, ErrNotFound }
    return s, err
}

func (p *Postgres) SnapshotsSince(ctx context.Context, routeID string, since time.Time, limit int) ([]model.LocationSnapshot, error) {
    if limit <= 0 || limit > 500 { limit = 500 }
    rows, err := p.db.QueryContext(ctx,
        `SELECT id::text, route_id::text, driver_id::text, captured_at, recorded_at, lat, lng, speed_kmh, heading_deg, accuracy_m, source, meta
         FROM (SELECT * FROM location_snapshots WHERE route_id=$1 AND captured_at >= $2 ORDER BY captured_at DESC LIMIT $3) t
         ORDER BY captured_at ASC`, routeID, since, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.LocationSnapshot{}
    for rows.Next() {
        s, err := scanSnapshot(rows)
        if err != nil { return nil, err }
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) HistoricalSpeeds(ctx context.Context, routeID string, since time.Time, limit int) ([]float64, error) {
    if limit <= 0 || limit > 200 { limit = 200 }
    rows, err := p.db.QueryContext(ctx,
        `SELECT speed_kmh FROM location_snapshots
         WHERE route_id = $1 AND recorded_at >= $2 AND speed_kmh > 2
         ORDER BY recorded_at DESC LIMIT $3`, routeID, since, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []float64{}
    for rows.Next() {
        var v float64
        if err := rows.Scan(&v); err != nil { return nil, err }
        out = append(out, v)
    }
    return out, rows.Err()
}

func (p *Postgres) LatestInsight(ctx context.Context, routeID string) (*model.AiInsight, error) {
    row := p.db.QueryRowContext(ctx,
        `SELECT id::text, route_id::text, seq, generated_at, eta_at, risk_level, summary, features, kind FROM ai_insights WHERE route_id=$1 ORDER BY seq DESC LIMIT 1`, routeID)
    var rec model.AiInsight
    var eta sql.NullTime
    var risk string
    var features []byte
    if err := row.Scan(&rec.ID, &rec.RouteID, &rec.Seq, &rec.GeneratedAt, &eta, &risk, &rec.Summary, &features, &rec.Kind); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return nil, nil }
        return nil, err
    }
    if eta.Valid { t := eta.Time; rec.EtaAt = &t }
    rec.RiskLevel = model.NormalizeRiskLevel(risk)
    if len(features) > 0 { _ = json.Unmarshal(features, &rec.Features) }
    return &rec, nil
}

func (p *Postgres) InsertInsight(ctx context.Context, rec model.AiInsight) (model.AiInsight, error) {
    features, err := json.Marshal(rec.Features)
    if err != nil { return model.AiInsight{}, err }
    res, err := p.db.ExecContext(ctx,
        `INSERT INTO ai_insights (id, route_id, seq, generated_at, eta_at, risk_level, summary, features, kind)
         SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9
         WHERE COALESCE((SELECT MAX(seq) FROM ai_insights WHERE route_id=$2), 0) = $3 - 1
         ON CONFLICT (route_id, seq) DO NOTHING`,
        rec.ID, rec.RouteID, rec.Seq, rec.GeneratedAt, rec.EtaAt, string(rec.RiskLevel), rec.Summary, features, rec.Kind)
    if err != nil { return model.AiInsight{}, err }
    n, err := res.RowsAffected()
    if err != nil { return model.AiInsight{}, err }
    if n == 0 { return model.AiInsight{}, ErrStale }
    return rec, nil
}

func (p *Postgres) UpsertRouteInsight(ctx context.Context, ri model.RouteInsight) (model.RouteInsight, error) {
    features, err := json.Marshal(ri.Features)
    if err != nil { return model.RouteInsight{}, err }
    _, err = p.db.ExecContext(ctx,
        `INSERT INTO route_insights (route_id, generated_at, insight, kind, features) VALUES ($1,$2,$3,$4,$5)
         ON CONFLICT (route_id) DO UPDATE SET generated_at=EXCLUDED.generated_at, insight=EXCLUDED.insight, kind=EXCLUDED.kind, features=EXCLUDED.features`,
        ri.RouteID, ri.GeneratedAt, ri.Insight, ri.Kind, features)
    if err != nil { return model.RouteInsight{}, err }
    return ri, nil
}

func (p *Postgres) GetRouteInsight(ctx context.Context, routeID string) (model.RouteInsight, error) {
    var ri model.RouteInsight
    var features []byte
    row := p.db.QueryRowContext(ctx, `SELECT route_id::text, generated_at, insight, kind, features FROM route_insights WHERE route_id=$1`, routeID)
    if err := row.Scan(&ri.RouteID, &ri.GeneratedAt, &ri.Insight, &ri.Kind, &features); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return ri, ErrNotFound }
        return ri, err
    }
    if len(features) > 0 { _ = json.Unmarshal(features, &ri.Features) }
    return ri, nil
}

func (p *Postgres) InsertRouteEvent(ctx context.Context, ev model.RouteEvent) (model.RouteEvent, error) {
    _, err := p.db.ExecContext(ctx,
        `INSERT INTO route_events (id, route_id, event_type, occurred_at, actor_user_id, payload) VALUES ($1,$2,$3,$4,$5,$6)`,
        ev.ID, ev.RouteID, ev.EventType, ev.OccurredAt, nullIfEmpty(ev.ActorUserID), toJSON(ev.Payload))
    if err != nil { return model.RouteEvent{}, err }
    return ev, nil
}

func (p *Postgres) ListRouteEvents(ctx context.Context, routeID string, limit int) ([]model.RouteEvent, error) {
    if limit <= 0 || limit > 200 { limit = 100 }
    rows, err := p.db.QueryContext(ctx,
        `SELECT id::text, route_id::text, event_type, occurred_at, actor_user_id, payload FROM route_events WHERE route_id=$1 ORDER BY occurred_at DESC LIMIT $2`, routeID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.RouteEvent{}
    for rows.Next() {
        var ev model.RouteEvent
        var actor sql.NullString
        var payload []byte
        if err := rows.Scan(&ev.ID, &ev.RouteID, &ev.EventType, &ev.OccurredAt, &actor, &payload); err != nil { return nil, err }
        ev.ActorUserID = actor.String
        if len(payload) > 0 { _ = json.Unmarshal(payload, &ev.Payload) }
        out = append(out, ev)
    }
    return out, rows.Err()
}

func (p *Postgres) InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
    _, err := p.db.ExecContext(ctx,
        `INSERT INTO notifications (id, recipient_id, type, title, message, route_id, delivery_id, status, created_at, opened_at, meta) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
        n.ID, n.RecipientID, string(n.Type), n.Title, n.Message, nullIfEmpty(n.RouteID), nullIfEmpty(n.DeliveryID), n.Status, n.CreatedAt, n.OpenedAt, toJSON(n.Meta))
    if err != nil { return model.Notification{}, err }
    return n, nil
}

func (p *Postgres) LatestNotificationForRoute(ctx context.Context, recipientID, routeID string, since time.Time) (*model.Notification, error) {
    row := p.db.QueryRowContext(ctx,
        `SELECT id::text, recipient_id::text, type, title, message, route_id::text, delivery_id::text, status, created_at, opened_at, meta
         FROM notifications WHERE recipient_id=$1 AND route_id=$2 AND created_at >= $3 ORDER BY created_at DESC LIMIT 1`,
        recipientID, routeID, since)
    n, err := scanNotification(row)
    if errors.Is(err, sql.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &n, nil
}

func (p *Postgres) LatestNotificationOfType(ctx context.Context, recipientID string, t model.NotificationType, routeID, deliveryID string, since time.Time) (*model.Notification, error) {
    row := p.db.QueryRowContext(ctx,
        `SELECT id::text, recipient_id::text, type, title, message, route_id::text, delivery_id::text, status, created_at, opened_at, meta
         FROM notifications WHERE recipient_id=$1 AND type=$2 AND created_at >= $3
           AND ($4 = '' OR route_id::text = $4)
           AND ($5 = '' OR delivery_id::text = $5)
         ORDER BY created_at DESC LIMIT 1`,
        recipientID, string(t), since, routeID, deliveryID)
    n, err := scanNotification(row)
    if errors.Is(err, sql.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return &n, nil
}

func (p *Postgres) ListNotifications(ctx context.Context, recipientID string, limit int) ([]model.Notification, error) {
    if limit <= 0 || limit > 200 { limit = 50 }
    rows, err := p.db.QueryContext(ctx,
        `SELECT id::text, recipient_id::text, type, title, message, route_id::text, delivery_id::text, status, created_at, opened_at, meta
         FROM notifications WHERE recipient_id=$1 ORDER BY created_at DESC LIMIT $2`, recipientID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Notification{}
    for rows.Next() {
        n, err := scanNotification(rows)
        if err != nil { return nil, err }
        out = append(out, n)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkNotificationOpened(ctx context.Context, id, recipientID string, at time.Time) (model.Notification, error) {
    row := p.db.QueryRowContext(ctx,
        `UPDATE notifications SET status='opened', opened_at=COALESCE(opened_at, $3) WHERE id=$1 AND recipient_id=$2
         RETURNING id::text, recipient_id::text, type, title, message, route_id::text, delivery_id::text, status, created_at, opened_at, meta`,
        id, recipientID, at)
    n, err := scanNotification(row)
    if errors.Is(err, sql.ErrNoRows) { return model.Notification{}, ErrNotFound }
    return n, err
}

func (p *Postgres) CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error) {
    _, err := p.db.ExecContext(ctx,
        `INSERT INTO deliveries (id, route_id, tracking_code, status, delivered_at, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
        d.ID, nullIfEmpty(d.RouteID), d.TrackingCode, string(d.Status), d.DeliveredAt, d.CreatedAt, d.UpdatedAt)
    if err != nil { return model.Delivery{}, err }
    return d, nil
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
    var d model.Delivery
    var routeID sql.NullString
    var delivered sql.NullTime
    var status string
    row := p.db.QueryRowContext(ctx, `SELECT id::text, route_id::text, tracking_code, status, delivered_at, created_at, updated_at FROM deliveries WHERE id=$1`, id)
    if err := row.Scan(&d.ID, &routeID, &d.TrackingCode, &status, &delivered, &d.CreatedAt, &d.UpdatedAt); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return d, ErrNotFound }
        return d, err
    }
    d.RouteID = routeID.String
    d.Status = model.DeliveryStatus(status)
    if delivered.Valid { t := delivered.Time; d.DeliveredAt = &t }
    return d, nil
}

func (p *Postgres) UpdateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error) {
    res, err := p.db.ExecContext(ctx,
        `UPDATE deliveries SET status=$2, delivered_at=$3, updated_at=$4 WHERE id=$1`,
        d.ID, string(d.Status), d.DeliveredAt, d.UpdatedAt)
    if err != nil { return model.Delivery{}, err }
    n, err := res.RowsAffected()
    if err != nil { return model.Delivery{}, err }
    if n == 0 { return model.Delivery{}, ErrNotFound }
    return d, nil
}

func (p *Postgres) InsertMetricEvent(ctx context.Context, ev model.MetricEvent) (model.MetricEvent, error) {
    _, err := p.db.ExecContext(ctx,
        `INSERT INTO metric_events (id, event_name, occurred_at, user_id, route_id, delivery_id, properties, source) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
        ev.ID, ev.EventName, ev.OccurredAt, nullIfEmpty(ev.UserID), nullIfEmpty(ev.RouteID), nullIfEmpty(ev.DeliveryID), toJSON(ev.Properties), ev.Source)
    if err != nil { return model.MetricEvent{}, err }
    return ev, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

type rowScanner interface {
    Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (model.LocationSnapshot, error) {
    var s model.LocationSnapshot
    var speed, heading, accuracy sql.NullFloat64
    var source sql.NullString
    var meta []byte
    err := row.Scan(&s.ID, &s.RouteID, &s.DriverID, &s.CapturedAt, &s.RecordedAt, &s.Lat, &s.Lng, &speed, &heading, &accuracy, &source, &meta)
    if err != nil { return s, err }
    if speed.Valid { v := speed.Float64; s.SpeedKmh = &v }
    if heading.Valid { v := heading.Float64; s.HeadingDeg = &v }
    if accuracy.Valid { v := accuracy.Float64; s.AccuracyM = &v }
    s.Source = source.String
    if len(meta) > 0 { _ = json.Unmarshal(meta, &s.Meta) }
    return s, nil
}

func scanNotification(row rowScanner) (model.Notification, error) {
    var n model.Notification
    var routeID, deliveryID sql.NullString
    var opened sql.NullTime
    var typ string
    var meta []byte
    err := row.Scan(&n.ID, &n.RecipientID, &typ, &n.Title, &n.Message, &routeID, &deliveryID, &n.Status, &n.CreatedAt, &opened, &meta)
    if err != nil { return n, err }
    n.Type = model.NotificationType(typ)
    n.RouteID = routeID.String
    n.DeliveryID = deliveryID.String
    if opened.Valid { t := opened.Time; n.OpenedAt = &t }
    if len(meta) > 0 { _ = json.Unmarshal(meta, &n.Meta) }
    return n, nil
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

func toJSON(m map[string]any) any {
    if m == nil { return nil }
    b, err := json.Marshal(m)
    if err != nil { return nil }
    return b
}

func pqStringArray(items []string) string {
    escaped := make([]string, len(items))
    for i, s := range items {
        escaped[i] = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
    }
    return "{" + strings.Join(escaped, ",") + "}"
}
