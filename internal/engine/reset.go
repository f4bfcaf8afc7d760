package engine

import (
    "context"
    "errors"

    "github.com/google/uuid"

    "routewatch/internal/apperr"
    "routewatch/internal/auth"
    "routewatch/internal/insight"
    "routewatch/internal/metrics"
    "routewatch/internal/model"
    "routewatch/internal/requestid"
    "routewatch/internal/store"
)

type ResetInput struct {
    RouteID string `json:"routeId"`
    Note    string `json:"note,omitempty"`
}

type ResetResult struct {
    Previous      model.RiskLevel     `json:"previous"`
    Current       model.RiskLevel     `json:"current"`
    Insight       *model.AiInsight    `json:"insight"`
    ActiveInsight *model.RouteInsight `json:"activeInsight"`
}

// Reset is the manual exit from an elevated risk state. The automatic
// machine never downgrades DELAYED, so this is the only way back.
func (e *Engine) Reset(ctx context.Context, actor auth.Principal, in ResetInput) (ResetResult, error) {
    if !actor.IsOperator() {
        return ResetResult{}, apperr.New(apperr.PermissionDenied, "risk reset requires an operator role")
    }
    if in.RouteID == "" {
        return ResetResult{}, apperr.New(apperr.InvalidArgument, "routeId is required")
    }
    if _, err := e.store.GetRoute(ctx, in.RouteID); err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return ResetResult{}, apperr.Newf(apperr.NotFound, "route %s not found", in.RouteID)
        }
        return ResetResult{}, err
    }

    now := e.now().UTC()
    last, err := e.store.LatestInsight(ctx, in.RouteID)
    if err != nil { return ResetResult{}, err }
    if last == nil || last.RiskLevel == model.RiskNormal {
        return ResetResult{}, apperr.WithDetail(apperr.FailedPrecondition, "RISK_ALREADY_NORMAL", "route risk is not elevated")
    }

    counters := model.RiskCounters{}
    features := model.InsightFeatures{
        SchemaVersion: model.FeatureSchemaVersion,
        Counters:      &counters,
        Reason:        model.ReasonManual,
        PreviousRisk:  last.RiskLevel,
        ProposedRisk:  model.RiskNormal,
    }
    rec := model.AiInsight{
        ID:          uuid.NewString(),
        RouteID:     in.RouteID,
        Seq:         last.Seq + 1,
        GeneratedAt: now,
        EtaAt:       last.EtaAt,
        RiskLevel:   model.RiskNormal,
        Summary:     insight.Summary(model.RiskNormal),
        Features:    features,
        Kind:        insight.Kind,
    }
    rec, err = e.store.InsertInsight(ctx, rec)
    if err != nil {
        if errors.Is(err, store.ErrStale) {
            return ResetResult{}, apperr.Wrap(apperr.Conflict, "route was evaluated concurrently, retry", err)
        }
        return ResetResult{}, err
    }

    payload := map[string]any{
        "from":      string(last.RiskLevel),
        "to":        string(model.RiskNormal),
        "insightId": rec.ID,
    }
    if in.Note != "" { payload["note"] = in.Note }
    _, err = e.store.InsertRouteEvent(ctx, model.RouteEvent{
        ID:          uuid.NewString(),
        RouteID:     in.RouteID,
        EventType:   model.EventRiskLevelReset,
        OccurredAt:  now,
        ActorUserID: actor.UserID,
        Payload:     requestid.Stamp(ctx, payload),
    })
    if err != nil { return ResetResult{}, err }

    e.track(ctx, model.MetricEvent{
        EventName:  "RISK_LEVEL_RESET",
        OccurredAt: now,
        UserID:     actor.UserID,
        RouteID:    in.RouteID,
        Properties: map[string]any{"from": string(last.RiskLevel)},
        Source:     "engine",
    })
    metrics.RiskTransitions.WithLabelValues(string(last.RiskLevel), string(model.RiskNormal)).Inc()

    active, err := e.store.UpsertRouteInsight(ctx, insight.Active(rec, now))
    if err != nil { return ResetResult{}, err }

    e.publish(in.RouteID, map[string]any{
        "type":    "risk_reset",
        "routeId": in.RouteID,
        "from":    string(last.RiskLevel),
        "at":      now,
    })

    return ResetResult{
        Previous:      last.RiskLevel,
        Current:       model.RiskNormal,
        Insight:       &rec,
        ActiveInsight: &active,
    }, nil
}
