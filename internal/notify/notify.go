// Package notify decides, per notification attempt, whether to suppress
// it under rate-limit/dedupe policy or deliver it, and records outcomes.
// Suppressed attempts never produce a row.
package notify

import (
    "context"
    "time"

    "github.com/google/uuid"

    "routewatch/internal/apperr"
    "routewatch/internal/config"
    "routewatch/internal/model"
    "routewatch/internal/requestid"
)

// Viewer is the audience a notification targets; it selects which
// anti-spam windows apply.
type Viewer string

const (
    ViewerOwner  Viewer = "owner"
    ViewerClient Viewer = "client"
)

// Priority is derived from the notification type, never supplied.
type Priority string

const (
    PriorityCritical Priority = "CRITICAL"
    PriorityNormal   Priority = "NORMAL"
    PriorityLow      Priority = "LOW"
)

// PriorityFor maps a type to its delivery priority.
func PriorityFor(t model.NotificationType) Priority {
    switch t {
    case model.NotifRiskAtRisk, model.NotifRiskDelayed:
        return PriorityCritical
    case model.NotifEtaUpdated:
        return PriorityLow
    }
    return PriorityNormal
}

// Suppression reasons returned in Result.Reason.
const (
    ReasonRateLimitRoute = "RATE_LIMIT_ROUTE"
    ReasonDeduped        = "DEDUPED"
)

// Limits are the per-audience anti-spam windows and ETA-change thresholds.
type Limits struct {
    DedupeWindowSecondsOwner       int
    DedupeWindowSecondsClient      int
    RateLimitPerRouteSecondsOwner  int
    RateLimitPerRouteSecondsClient int
    EtaDeltaMinutesThresholdOwner  int
    EtaDeltaMinutesThresholdClient int
}

func LimitsFrom(nc config.NotifyConfig) Limits {
    return Limits{
        DedupeWindowSecondsOwner:       nc.DedupeWindowSecondsOwner,
        DedupeWindowSecondsClient:      nc.DedupeWindowSecondsClient,
        RateLimitPerRouteSecondsOwner:  nc.RateLimitPerRouteSecondsOwner,
        RateLimitPerRouteSecondsClient: nc.RateLimitPerRouteSecondsClient,
        EtaDeltaMinutesThresholdOwner:  nc.EtaDeltaMinutesThresholdOwner,
        EtaDeltaMinutesThresholdClient: nc.EtaDeltaMinutesThresholdClient,
    }
}

func (l Limits) Validate() error {
    if l.DedupeWindowSecondsOwner < 10 {
        return apperr.New(apperr.InvalidArgument, "dedupeWindowSecondsOwner must be >= 10")
    }
    if l.DedupeWindowSecondsClient < 60 {
        return apperr.New(apperr.InvalidArgument, "dedupeWindowSecondsClient must be >= 60")
    }
    if l.RateLimitPerRouteSecondsOwner < 10 {
        return apperr.New(apperr.InvalidArgument, "rateLimitPerRouteSecondsOwner must be >= 10")
    }
    if l.RateLimitPerRouteSecondsClient < 60 {
        return apperr.New(apperr.InvalidArgument, "rateLimitPerRouteSecondsClient must be >= 60")
    }
    if l.EtaDeltaMinutesThresholdOwner < 1 {
        return apperr.New(apperr.InvalidArgument, "etaDeltaMinutesThresholdOwner must be >= 1")
    }
    if l.EtaDeltaMinutesThresholdClient < 5 {
        return apperr.New(apperr.InvalidArgument, "etaDeltaMinutesThresholdClient must be >= 5")
    }
    return nil
}

func (l Limits) dedupeWindow(v Viewer) time.Duration {
    if v == ViewerClient { return time.Duration(l.DedupeWindowSecondsClient) * time.Second }
    return time.Duration(l.DedupeWindowSecondsOwner) * time.Second
}

func (l Limits) rateWindow(v Viewer) time.Duration {
    if v == ViewerClient { return time.Duration(l.RateLimitPerRouteSecondsClient) * time.Second }
    return time.Duration(l.RateLimitPerRouteSecondsOwner) * time.Second
}

func (l Limits) etaDelta(v Viewer) time.Duration {
    if v == ViewerClient { return time.Duration(l.EtaDeltaMinutesThresholdClient) * time.Minute }
    return time.Duration(l.EtaDeltaMinutesThresholdOwner) * time.Minute
}

// ShouldNotifyETA reports whether an ETA change is big enough to alert
// the given audience. No previous prediction always notifies.
func (l Limits) ShouldNotifyETA(prev, next *time.Time, v Viewer) bool {
    if next == nil { return false }
    if prev == nil { return true }
    delta := next.Sub(*prev)
    if delta < 0 { delta = -delta }
    return delta >= l.etaDelta(v)
}

// Store is the slice of persistence the dispatcher needs.
type Store interface {
    LatestNotificationForRoute(ctx context.Context, recipientID, routeID string, since time.Time) (*model.Notification, error)
    LatestNotificationOfType(ctx context.Context, recipientID string, t model.NotificationType, routeID, deliveryID string, since time.Time) (*model.Notification, error)
    InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error)
}

// Tracker is the fire-and-forget metric sink.
type Tracker interface {
    Track(ev model.MetricEvent)
}

// Dispatcher applies the suppression policy and writes notifications.
type Dispatcher struct {
    store   Store
    tracker Tracker
    limits  Limits
    now     func() time.Time
}

func NewDispatcher(store Store, tracker Tracker, limits Limits) *Dispatcher {
    return &Dispatcher{store: store, tracker: tracker, limits: limits, now: time.Now}
}

// Request is one notification attempt.
type Request struct {
    RecipientID string
    Type        model.NotificationType
    Title       string
    Message     string
    RouteID     string
    DeliveryID  string
    Meta        map[string]any
    Viewer      Viewer
    Force       bool
}

// Result reports what happened. Created false means suppressed; Reason
// says why.
type Result struct {
    Created      bool                `json:"created"`
    Reason       string              `json:"reason,omitempty"`
    Notification *model.Notification `json:"notification,omitempty"`
}

// Create runs the suppression checks in order (route rate limit, then
// type dedupe), both skipped when forced. CRITICAL priority always
// forces. Metric emission never fails the call.
func (d *Dispatcher) Create(ctx context.Context, req Request) (Result, error) {
    if req.RecipientID == "" {
        return Result{}, apperr.New(apperr.InvalidArgument, "recipient is required")
    }
    if !model.ValidNotificationType(req.Type) {
        return Result{}, apperr.Newf(apperr.InvalidArgument, "unknown notification type %q", req.Type)
    }
    viewer := req.Viewer
    if viewer == "" { viewer = ViewerOwner }

    now := d.now()
    prio := PriorityFor(req.Type)
    force := req.Force || prio == PriorityCritical

    if !force {
        if req.RouteID != "" {
            since := now.Add(-d.limits.rateWindow(viewer))
            prev, err := d.store.LatestNotificationForRoute(ctx, req.RecipientID, req.RouteID, since)
            if err != nil { return Result{}, err }
            if prev != nil { return Result{Created: false, Reason: ReasonRateLimitRoute}, nil }
        }
        since := now.Add(-d.limits.dedupeWindow(viewer))
        prev, err := d.store.LatestNotificationOfType(ctx, req.RecipientID, req.Type, req.RouteID, req.DeliveryID, since)
        if err != nil { return Result{}, err }
        if prev != nil { return Result{Created: false, Reason: ReasonDeduped}, nil }
    }

    meta := map[string]any{}
    for k, v := range req.Meta { meta[k] = v }
    // computed keys win over caller-supplied meta
    meta["priority"] = string(prio)
    meta["viewer"] = string(viewer)
    meta = requestid.Stamp(ctx, meta)

    n, err := d.store.InsertNotification(ctx, model.Notification{
        ID:          uuid.NewString(),
        RecipientID: req.RecipientID,
        Type:        req.Type,
        Title:       req.Title,
        Message:     req.Message,
        RouteID:     req.RouteID,
        DeliveryID:  req.DeliveryID,
        Status:      "created",
        CreatedAt:   now,
        Meta:        meta,
    })
    if err != nil { return Result{}, err }

    if d.tracker != nil {
        d.tracker.Track(model.MetricEvent{
            EventName:  "NOTIFICATION_SENT",
            OccurredAt: now,
            UserID:     req.RecipientID,
            RouteID:    req.RouteID,
            DeliveryID: req.DeliveryID,
            Properties: requestid.Stamp(ctx, map[string]any{"type": string(req.Type), "priority": string(prio)}),
            Source:     "notify",
        })
    }
    return Result{Created: true, Notification: &n}, nil
}
