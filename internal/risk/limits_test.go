package risk

import (
    "testing"

    "routewatch/internal/apperr"
)

func TestMergeLimitsOverlay(t *testing.T) {
    d := testLimits()
    sp := 1800
    factor := 0.5
    got, err := MergeLimits(d, &PartialLimits{StopProlongedSeconds: &sp, SpeedBelowHistoricalFactor: &factor})
    if err != nil {
        t.Fatalf("merge: %v", err)
    }
    if got.StopProlongedSeconds != 1800 || got.SpeedBelowHistoricalFactor != 0.5 {
        t.Fatalf("overrides not applied: %+v", got)
    }
    if got.MinSpeedSampleSize != d.MinSpeedSampleSize {
        t.Fatalf("untouched field changed: %+v", got)
    }

    got, err = MergeLimits(d, nil)
    if err != nil || got != d {
        t.Fatalf("nil override should return defaults: %+v %v", got, err)
    }
}

func TestMergeLimitsRejectsOutOfRange(t *testing.T) {
    d := testLimits()
    cases := []PartialLimits{
        {StopProlongedSeconds: intp(59)},
        {SpeedBelowHistoricalFactor: floatp(0)},
        {SpeedBelowHistoricalFactor: floatp(1)},
        {MinSpeedSampleSize: intp(2)},
        {EtaOverdueGraceSeconds: intp(-1)},
        {AtRiskMinConsecutiveHits: intp(0)},
        {DelayedMinConsecutiveHits: intp(0)},
    }
    for i, p := range cases {
        if _, err := MergeLimits(d, &p); !apperr.IsCode(err, apperr.InvalidArgument) {
            t.Fatalf("case %d: want INVALID_ARGUMENT, got %v", i, err)
        }
    }
}

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }
