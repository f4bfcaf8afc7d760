package engine

import (
    "context"
    "errors"
    "time"

    "github.com/google/uuid"

    "routewatch/internal/apperr"
    "routewatch/internal/auth"
    "routewatch/internal/eta"
    "routewatch/internal/insight"
    "routewatch/internal/metrics"
    "routewatch/internal/model"
    "routewatch/internal/notify"
    "routewatch/internal/requestid"
    "routewatch/internal/risk"
    "routewatch/internal/store"
)

type EvaluateInput struct {
    RouteID string              `json:"routeId"`
    Reason  model.EvaluationReason `json:"reason,omitempty"`
    Limits  *risk.PartialLimits `json:"limits,omitempty"`
}

type EvaluateResult struct {
    RiskChanged   bool                `json:"riskChanged"`
    Previous      model.RiskLevel     `json:"previous"`
    Proposed      model.RiskLevel     `json:"proposed"`
    Current       model.RiskLevel     `json:"current"`
    Signals       model.RiskSignals   `json:"signals"`
    Counters      model.RiskCounters  `json:"counters"`
    Limits        risk.Limits         `json:"limits"`
    Insight       *model.AiInsight    `json:"insight,omitempty"`
    ActiveInsight *model.RouteInsight `json:"activeInsight,omitempty"`
}

// Evaluate runs one risk evaluation for a route. When the level does not
// change the call is a pure read; all writes happen only on a transition.
func (e *Engine) Evaluate(ctx context.Context, actor auth.Principal, in EvaluateInput) (EvaluateResult, error) {
    if !actor.IsOperator() {
        return EvaluateResult{}, apperr.New(apperr.PermissionDenied, "risk evaluation requires an operator role")
    }
    if in.RouteID == "" {
        return EvaluateResult{}, apperr.New(apperr.InvalidArgument, "routeId is required")
    }
    reason := in.Reason
    if reason == "" { reason = model.ReasonPeriodic }
    if !model.ValidReason(reason) {
        return EvaluateResult{}, apperr.Newf(apperr.InvalidArgument, "unknown reason %q", reason)
    }
    limits, err := risk.MergeLimits(risk.DefaultLimits(e.cfg.Risk), in.Limits)
    if err != nil { return EvaluateResult{}, err }

    route, err := e.store.GetRoute(ctx, in.RouteID)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return EvaluateResult{}, apperr.Newf(apperr.NotFound, "route %s not found", in.RouteID)
        }
        return EvaluateResult{}, err
    }

    now := e.now().UTC()
    last, err := e.store.LatestInsight(ctx, in.RouteID)
    if err != nil { return EvaluateResult{}, err }

    prev := model.RiskNormal
    var prevCounters model.RiskCounters
    var prevSeq int64
    var lastEtaAt *time.Time
    if last != nil {
        prev = last.RiskLevel
        prevSeq = last.Seq
        if last.Features.Counters != nil { prevCounters = *last.Features.Counters }
        lastEtaAt = last.EtaAt
    }

    snaps, histSpeeds, err := e.fetchSignalInputs(ctx, in.RouteID, now)
    if err != nil { return EvaluateResult{}, err }

    factor := eta.HistoricalFactor(histSpeeds)
    recent := risk.RecentAvgSpeed(recentWindow(snaps, recentAvgLimit))
    signals := risk.Derive(snaps, recent, factor, lastEtaAt, now, limits)

    proposed := risk.Propose(signals)
    decision := risk.Step(prev, prevCounters, proposed, limits)

    metrics.RiskEvaluations.WithLabelValues(string(reason), outcomeLabel(decision.Changed)).Inc()

    res := EvaluateResult{
        RiskChanged: decision.Changed,
        Previous:    prev,
        Proposed:    proposed,
        Current:     decision.Next,
        Signals:     signals,
        Counters:    decision.Counters,
        Limits:      limits,
    }
    if !decision.Changed {
        return res, nil
    }

    counters := decision.Counters
    features := model.InsightFeatures{
        SchemaVersion: model.FeatureSchemaVersion,
        Signals:       &signals,
        Counters:      &counters,
        Limits:        limits.AsMap(),
        Reason:        reason,
        PreviousRisk:  prev,
        ProposedRisk:  proposed,
    }
    rec := model.AiInsight{
        ID:          uuid.NewString(),
        RouteID:     in.RouteID,
        Seq:         prevSeq + 1,
        GeneratedAt: now,
        EtaAt:       lastEtaAt,
        RiskLevel:   decision.Next,
        Summary:     insight.Summary(decision.Next),
        Features:    features,
        Kind:        insight.Kind,
    }
    rec, err = e.store.InsertInsight(ctx, rec)
    if err != nil {
        if errors.Is(err, store.ErrStale) {
            return EvaluateResult{}, apperr.Wrap(apperr.Conflict, "route was evaluated concurrently, retry", err)
        }
        return EvaluateResult{}, err
    }

    _, err = e.store.InsertRouteEvent(ctx, model.RouteEvent{
        ID:          uuid.NewString(),
        RouteID:     in.RouteID,
        EventType:   model.EventRiskLevelChanged,
        OccurredAt:  now,
        ActorUserID: actor.UserID,
        Payload: requestid.Stamp(ctx, map[string]any{
            "from":      string(prev),
            "to":        string(decision.Next),
            "reason":    string(reason),
            "insightId": rec.ID,
        }),
    })
    if err != nil { return EvaluateResult{}, err }

    if err := e.notifyRiskChange(ctx, route, actor, decision.Next); err != nil {
        return EvaluateResult{}, err
    }

    e.track(ctx, model.MetricEvent{
        EventName:  "RISK_LEVEL_CHANGED",
        OccurredAt: now,
        UserID:     actor.UserID,
        RouteID:    in.RouteID,
        Properties: map[string]any{"from": string(prev), "to": string(decision.Next), "reason": string(reason)},
        Source:     "engine",
    })
    metrics.RiskTransitions.WithLabelValues(string(prev), string(decision.Next)).Inc()

    active, err := e.store.UpsertRouteInsight(ctx, insight.Active(rec, now))
    if err != nil { return EvaluateResult{}, err }

    e.publish(in.RouteID, map[string]any{
        "type":    "risk_changed",
        "routeId": in.RouteID,
        "from":    string(prev),
        "to":      string(decision.Next),
        "at":      now,
    })

    res.Insight = &rec
    res.ActiveInsight = &active
    return res, nil
}

func (e *Engine) notifyRiskChange(ctx context.Context, route model.Route, actor auth.Principal, next model.RiskLevel) error {
    var typ model.NotificationType
    var title, message string
    switch next {
    case model.RiskAtRisk:
        typ = model.NotifRiskAtRisk
        title = "Route at risk"
        message = "Delay risk signals detected (stop, speed or predicted arrival)."
    case model.RiskDelayed:
        typ = model.NotifRiskDelayed
        title = "Route delayed"
        message = "Predicted arrival exceeded or delay signals persisted; route marked delayed."
    default:
        return nil
    }
    recipient := route.OwnerID
    if recipient == "" { recipient = actor.UserID }
    res, err := e.dispatcher.Create(ctx, notify.Request{
        RecipientID: recipient,
        Type:        typ,
        Title:       title,
        Message:     message,
        RouteID:     route.ID,
        Viewer:      notify.ViewerOwner,
    })
    if err != nil { return err }
    metrics.NotificationOutcomes.WithLabelValues(string(typ), notifyOutcome(res)).Inc()
    return nil
}

func notifyOutcome(res notify.Result) string {
    if res.Created { return "created" }
    return res.Reason
}

func outcomeLabel(changed bool) string {
    if changed { return "changed" }
    return "unchanged"
}
