// Package risk implements signal derivation and the hysteresis-gated risk
// state machine for delivery routes.
package risk

import (
    "routewatch/internal/apperr"
    "routewatch/internal/config"
)

// Limits tune the signal thresholds and the hysteresis gates.
type Limits struct {
    StopProlongedSeconds       int     `json:"stopProlongedSeconds"`
    SpeedBelowHistoricalFactor float64 `json:"speedBelowHistoricalFactor"`
    MinSpeedSampleSize         int     `json:"minSpeedSampleSize"`
    EtaOverdueGraceSeconds     int     `json:"etaOverdueGraceSeconds"`
    AtRiskMinConsecutiveHits   int     `json:"atRiskMinConsecutiveHits"`
    DelayedMinConsecutiveHits  int     `json:"delayedMinConsecutiveHits"`
}

// PartialLimits is a caller-supplied override; nil fields keep defaults.
type PartialLimits struct {
    StopProlongedSeconds       *int     `json:"stopProlongedSeconds,omitempty"`
    SpeedBelowHistoricalFactor *float64 `json:"speedBelowHistoricalFactor,omitempty"`
    MinSpeedSampleSize         *int     `json:"minSpeedSampleSize,omitempty"`
    EtaOverdueGraceSeconds     *int     `json:"etaOverdueGraceSeconds,omitempty"`
    AtRiskMinConsecutiveHits   *int     `json:"atRiskMinConsecutiveHits,omitempty"`
    DelayedMinConsecutiveHits  *int     `json:"delayedMinConsecutiveHits,omitempty"`
}

// DefaultLimits come from service config.
func DefaultLimits(rc config.RiskConfig) Limits {
    return Limits{
        StopProlongedSeconds:       rc.StopProlongedSeconds,
        SpeedBelowHistoricalFactor: rc.SpeedBelowHistoricalFactor,
        MinSpeedSampleSize:         rc.MinSpeedSampleSize,
        EtaOverdueGraceSeconds:     rc.EtaOverdueGraceSeconds,
        AtRiskMinConsecutiveHits:   rc.AtRiskMinConsecutiveHits,
        DelayedMinConsecutiveHits:  rc.DelayedMinConsecutiveHits,
    }
}

// MergeLimits overlays a partial override onto defaults field by field,
// then validates the result.
func MergeLimits(defaults Limits, p *PartialLimits) (Limits, error) {
    l := defaults
    if p != nil {
        if p.StopProlongedSeconds != nil { l.StopProlongedSeconds = *p.StopProlongedSeconds }
        if p.SpeedBelowHistoricalFactor != nil { l.SpeedBelowHistoricalFactor = *p.SpeedBelowHistoricalFactor }
        if p.MinSpeedSampleSize != nil { l.MinSpeedSampleSize = *p.MinSpeedSampleSize }
        if p.EtaOverdueGraceSeconds != nil { l.EtaOverdueGraceSeconds = *p.EtaOverdueGraceSeconds }
        if p.AtRiskMinConsecutiveHits != nil { l.AtRiskMinConsecutiveHits = *p.AtRiskMinConsecutiveHits }
        if p.DelayedMinConsecutiveHits != nil { l.DelayedMinConsecutiveHits = *p.DelayedMinConsecutiveHits }
    }
    if err := l.Validate(); err != nil { return Limits{}, err }
    return l, nil
}

func (l Limits) Validate() error {
    if l.StopProlongedSeconds < 60 {
        return apperr.New(apperr.InvalidArgument, "stopProlongedSeconds must be >= 60")
    }
    if l.SpeedBelowHistoricalFactor <= 0 || l.SpeedBelowHistoricalFactor >= 1 {
        return apperr.New(apperr.InvalidArgument, "speedBelowHistoricalFactor must be in (0,1)")
    }
    if l.MinSpeedSampleSize < 3 {
        return apperr.New(apperr.InvalidArgument, "minSpeedSampleSize must be >= 3")
    }
    if l.EtaOverdueGraceSeconds < 0 {
        return apperr.New(apperr.InvalidArgument, "etaOverdueGraceSeconds must be >= 0")
    }
    if l.AtRiskMinConsecutiveHits < 1 {
        return apperr.New(apperr.InvalidArgument, "atRiskMinConsecutiveHits must be >= 1")
    }
    if l.DelayedMinConsecutiveHits < 1 {
        return apperr.New(apperr.InvalidArgument, "delayedMinConsecutiveHits must be >= 1")
    }
    return nil
}

// AsMap is the persisted representation inside the feature bag.
func (l Limits) AsMap() map[string]any {
    return map[string]any{
        "stopProlongedSeconds":       l.StopProlongedSeconds,
        "speedBelowHistoricalFactor": l.SpeedBelowHistoricalFactor,
        "minSpeedSampleSize":         l.MinSpeedSampleSize,
        "etaOverdueGraceSeconds":     l.EtaOverdueGraceSeconds,
        "atRiskMinConsecutiveHits":   l.AtRiskMinConsecutiveHits,
        "delayedMinConsecutiveHits":  l.DelayedMinConsecutiveHits,
    }
}
