package engine

import (
    "context"
    "errors"
    "math"
    "time"

    "github.com/google/uuid"

    "routewatch/internal/apperr"
    "routewatch/internal/auth"
    "routewatch/internal/eta"
    "routewatch/internal/insight"
    "routewatch/internal/metrics"
    "routewatch/internal/model"
    "routewatch/internal/notify"
    "routewatch/internal/risk"
    "routewatch/internal/store"
)

// coarse risk bounds for the recalculation path
const (
    recalcSlowSpeedKmh  = 10.0
    recalcLongEtaSeconds = 24 * 3600
)

type RecalculateInput struct {
    RouteID             string                 `json:"routeId"`
    DistanceRemainingKm float64                `json:"distanceRemainingKm"`
    AvgSpeedKmh         *float64               `json:"avgSpeedKmh,omitempty"`
    Reason              model.EvaluationReason `json:"reason,omitempty"`
}

type RecalculateResult struct {
    Recalculated  bool                `json:"recalculated"`
    Reason        string              `json:"reason,omitempty"`
    NextInSeconds int                 `json:"nextInSeconds,omitempty"`
    LastInsight   *model.AiInsight    `json:"lastInsight,omitempty"`
    Insight       *model.AiInsight    `json:"insight,omitempty"`
    ActiveInsight *model.RouteInsight `json:"activeInsight,omitempty"`
}

// Recalculate computes a fresh ETA for a route and persists it as a new
// history record. Calls arriving while the last record is still fresh
// are throttled unless manually triggered.
func (e *Engine) Recalculate(ctx context.Context, actor auth.Principal, in RecalculateInput) (RecalculateResult, error) {
    if !actor.IsOperator() {
        return RecalculateResult{}, apperr.New(apperr.PermissionDenied, "eta recalculation requires an operator role")
    }
    if in.RouteID == "" {
        return RecalculateResult{}, apperr.New(apperr.InvalidArgument, "routeId is required")
    }
    if math.IsNaN(in.DistanceRemainingKm) || math.IsInf(in.DistanceRemainingKm, 0) || in.DistanceRemainingKm < 0 {
        return RecalculateResult{}, apperr.New(apperr.InvalidArgument, "distanceRemainingKm must be a finite non-negative number")
    }
    if in.AvgSpeedKmh != nil && (*in.AvgSpeedKmh <= 0 || math.IsNaN(*in.AvgSpeedKmh) || math.IsInf(*in.AvgSpeedKmh, 0)) {
        return RecalculateResult{}, apperr.New(apperr.InvalidArgument, "avgSpeedKmh must be a positive finite number")
    }
    reason := in.Reason
    if reason == "" { reason = model.ReasonPeriodic }
    if !model.ValidReason(reason) {
        return RecalculateResult{}, apperr.Newf(apperr.InvalidArgument, "unknown reason %q", reason)
    }

    route, err := e.store.GetRoute(ctx, in.RouteID)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return RecalculateResult{}, apperr.Newf(apperr.NotFound, "route %s not found", in.RouteID)
        }
        return RecalculateResult{}, err
    }

    now := e.now().UTC()
    last, err := e.store.LatestInsight(ctx, in.RouteID)
    if err != nil { return RecalculateResult{}, err }

    if last != nil && reason != model.ReasonManual {
        age := now.Sub(last.GeneratedAt)
        if age < e.cfg.Risk.RecalcMinInterval() {
            metrics.EtaRecalcs.WithLabelValues("throttled").Inc()
            wait := int((e.cfg.Risk.RecalcMinInterval() - age).Seconds())
            if wait < 1 { wait = 1 }
            return RecalculateResult{
                Recalculated:  false,
                Reason:        "THROTTLED",
                NextInSeconds: wait,
                LastInsight:   last,
            }, nil
        }
    }

    var prevSeq int64
    if last != nil { prevSeq = last.Seq }

    avgSpeed := in.AvgSpeedKmh
    sampleSize := 0
    if avgSpeed == nil {
        snaps, err := e.store.SnapshotsSince(ctx, in.RouteID, now.Add(-signalWindow), recentAvgLimit)
        if err != nil { return RecalculateResult{}, err }
        recent := risk.RecentAvgSpeed(snaps)
        avgSpeed = recent.KmhPtr
        sampleSize = recent.SampleSize
    }

    histSpeeds, err := e.store.HistoricalSpeeds(ctx, in.RouteID, now.Add(-historicalWindow), historicalLimit)
    if err != nil { return RecalculateResult{}, err }
    factor := eta.HistoricalFactor(histSpeeds)

    etaSeconds, err := eta.ComputeSeconds(in.DistanceRemainingKm, avgSpeed, factor)
    if err != nil { return RecalculateResult{}, err }
    etaAt := eta.EtaAt(now, etaSeconds)

    effectiveSpeed := eta.MinSpeedKmh
    if avgSpeed != nil && *avgSpeed > eta.MinSpeedKmh { effectiveSpeed = *avgSpeed }

    level := model.RiskNormal
    summary := "ETA recalculated from recent speed."
    if effectiveSpeed <= recalcSlowSpeedKmh || etaSeconds > recalcLongEtaSeconds {
        level = model.RiskAtRisk
        summary = "Low speed or long ETA; route may be at risk of delay."
    }

    features := model.InsightFeatures{
        SchemaVersion:       model.FeatureSchemaVersion,
        Reason:              reason,
        DistanceRemainingKm: &in.DistanceRemainingKm,
        AvgSpeedKmh:         avgSpeed,
        AvgSpeedSampleSize:  sampleSize,
        HistoricalFactor:    factor,
        EtaSeconds:          etaSeconds,
    }
    rec := model.AiInsight{
        ID:          uuid.NewString(),
        RouteID:     in.RouteID,
        Seq:         prevSeq + 1,
        GeneratedAt: now,
        EtaAt:       &etaAt,
        RiskLevel:   level,
        Summary:     summary,
        Features:    features,
        Kind:        insight.Kind,
    }
    rec, err = e.store.InsertInsight(ctx, rec)
    if err != nil {
        if errors.Is(err, store.ErrStale) {
            return RecalculateResult{}, apperr.Wrap(apperr.Conflict, "route was evaluated concurrently, retry", err)
        }
        return RecalculateResult{}, err
    }

    e.track(ctx, model.MetricEvent{
        EventName:  "ETA_RECALCULATED",
        OccurredAt: now,
        UserID:     actor.UserID,
        RouteID:    in.RouteID,
        Properties: map[string]any{"riskLevel": string(level), "etaAt": etaAt, "reason": string(reason)},
        Source:     "engine",
    })
    metrics.EtaRecalcs.WithLabelValues("ok").Inc()

    if err := e.notifyEtaUpdate(ctx, route, actor, last, &etaAt); err != nil {
        return RecalculateResult{}, err
    }

    active, err := e.store.UpsertRouteInsight(ctx, insight.Active(rec, now))
    if err != nil { return RecalculateResult{}, err }

    e.publish(in.RouteID, map[string]any{
        "type":    "eta_recalculated",
        "routeId": in.RouteID,
        "etaAt":   etaAt,
        "risk":    string(level),
        "at":      now,
    })

    return RecalculateResult{Recalculated: true, Insight: &rec, ActiveInsight: &active}, nil
}

// notifyEtaUpdate alerts the route owner when the prediction moved more
// than the audience threshold. Dispatcher-level suppression still applies.
func (e *Engine) notifyEtaUpdate(ctx context.Context, route model.Route, actor auth.Principal, last *model.AiInsight, etaAt *time.Time) error {
    limits := notify.LimitsFrom(e.cfg.Notify)
    var prevEta *time.Time
    if last != nil { prevEta = last.EtaAt }
    if !limits.ShouldNotifyETA(prevEta, etaAt, notify.ViewerOwner) {
        return nil
    }
    recipient := route.OwnerID
    if recipient == "" { recipient = actor.UserID }
    res, err := e.dispatcher.Create(ctx, notify.Request{
        RecipientID: recipient,
        Type:        model.NotifEtaUpdated,
        Title:       "Arrival estimate updated",
        Message:     "The predicted arrival time for this route changed significantly.",
        RouteID:     route.ID,
        Viewer:      notify.ViewerOwner,
    })
    if err != nil { return err }
    metrics.NotificationOutcomes.WithLabelValues(string(model.NotifEtaUpdated), notifyOutcome(res)).Inc()
    return nil
}
