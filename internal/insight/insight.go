// Package insight renders the single active human-readable summary per
// route. Sentence selection is a fixed rule over already-computed state,
// so regeneration with identical inputs is idempotent.
package insight

import (
    "time"

    "routewatch/internal/model"
)

// Kind tags which generation of the rule set produced a row.
const Kind = "rule/v1"

const (
    sentenceDelayed       = "Route is delayed: the predicted arrival time has passed."
    sentenceProlongedStop = "Route is at risk: the vehicle has been stopped for an extended period."
    sentenceSpeedAnomaly  = "Route is at risk: recent speed is well below the usual pace."
    sentenceAtRisk        = "Route is at risk of delay."
    sentenceOnSchedule    = "Route is progressing on schedule."
    sentenceNoSignals     = "No relevant signals: route looks normal."
)

// Sentence picks the summary line for a risk level and its signal bag.
func Sentence(level model.RiskLevel, signals *model.RiskSignals, etaAt *time.Time) string {
    switch level {
    case model.RiskDelayed:
        return sentenceDelayed
    case model.RiskAtRisk:
        if signals != nil && signals.StopProlonged { return sentenceProlongedStop }
        if signals != nil && signals.SpeedOutOfPattern { return sentenceSpeedAnomaly }
        return sentenceAtRisk
    }
    if etaAt != nil { return sentenceOnSchedule }
    return sentenceNoSignals
}

// Summary is the one-line explanation stored on a risk-change history
// record.
func Summary(level model.RiskLevel) string {
    switch level {
    case model.RiskDelayed:
        return "Route delayed: predicted arrival exceeded or delay signals persisted."
    case model.RiskAtRisk:
        return "Route at risk: prolonged stop, low speed or delay trend."
    }
    return "Risk normalized: delay signals did not persist."
}

// Active builds the replacement row for the one-active-insight-per-route
// table from the latest history record.
func Active(rec model.AiInsight, now time.Time) model.RouteInsight {
    return model.RouteInsight{
        RouteID:     rec.RouteID,
        GeneratedAt: now,
        Insight:     Sentence(rec.RiskLevel, rec.Features.Signals, rec.EtaAt),
        Kind:        Kind,
        Features:    rec.Features,
    }
}
