package risk

import (
    "math"
    "time"

    "routewatch/internal/model"
)

// StopSpeedThresholdKmh: at or below this a sample counts as stopped.
const StopSpeedThresholdKmh = 2.0

// SpeedBaselineKmh is the fixed expected cruising speed the historical
// factor scales.
const SpeedBaselineKmh = 60.0

// StopRun describes the trailing contiguous run of stopped samples.
type StopRun struct {
    Prolonged       bool
    DurationSeconds *int
}

// DetectTrailingStop scans the snapshot window (ascending by capture time)
// from the end backward. A single non-stopped or null-speed sample breaks
// the run. The run only counts if it spans at least two samples and does
// not consume the entire window.
func DetectTrailingStop(snaps []model.LocationSnapshot, stopProlongedSeconds int) StopRun {
    if len(snaps) < 2 { return StopRun{} }
    end := len(snaps) - 1
    i := end
    for i >= 0 {
        s := snaps[i].SpeedKmh
        stopped := s != nil && !math.IsNaN(*s) && !math.IsInf(*s, 0) && *s <= StopSpeedThresholdKmh
        if !stopped { break }
        i--
    }
    start := i + 1
    if start == 0 || start > end || start >= len(snaps)-1 { return StopRun{} }
    dur := int(snaps[end].CapturedAt.Sub(snaps[start].CapturedAt) / time.Second)
    if dur < 0 { dur = 0 }
    return StopRun{Prolonged: dur >= stopProlongedSeconds, DurationSeconds: &dur}
}

// AvgSpeed is the mean of qualifying recent samples (speed above the stop
// threshold).
type AvgSpeed struct {
    KmhPtr     *float64
    SampleSize int
}

// RecentAvgSpeed averages moving-speed samples. Snapshots may arrive in any
// order; only the speed values matter.
func RecentAvgSpeed(snaps []model.LocationSnapshot) AvgSpeed {
    var sum float64
    n := 0
    for _, s := range snaps {
        if s.SpeedKmh == nil { continue }
        v := *s.SpeedKmh
        if math.IsNaN(v) || math.IsInf(v, 0) || v <= StopSpeedThresholdKmh { continue }
        sum += v
        n++
    }
    if n == 0 { return AvgSpeed{} }
    avg := sum / float64(n)
    return AvgSpeed{KmhPtr: &avg, SampleSize: n}
}

// SpeedOutOfPattern reports whether the recent average is below the
// historically adjusted expectation. Requires enough samples to trust the
// average at all.
func SpeedOutOfPattern(avg AvgSpeed, historicalFactor float64, l Limits) bool {
    if avg.KmhPtr == nil || avg.SampleSize < l.MinSpeedSampleSize { return false }
    expected := SpeedBaselineKmh * historicalFactor
    return *avg.KmhPtr < expected*l.SpeedBelowHistoricalFactor
}

// EtaOverdue reports whether now is past the last predicted ETA plus grace.
func EtaOverdue(etaAt *time.Time, now time.Time, l Limits) bool {
    if etaAt == nil { return false }
    return now.After(etaAt.Add(time.Duration(l.EtaOverdueGraceSeconds) * time.Second))
}

// Derive assembles the full signal set for one evaluation.
func Derive(snaps []model.LocationSnapshot, recent AvgSpeed, historicalFactor float64, lastEtaAt *time.Time, now time.Time, l Limits) model.RiskSignals {
    run := DetectTrailingStop(snaps, l.StopProlongedSeconds)
    return model.RiskSignals{
        StopProlonged:       run.Prolonged,
        StopDurationSeconds: run.DurationSeconds,
        SpeedOutOfPattern:   SpeedOutOfPattern(recent, historicalFactor, l),
        EtaOverdue:          EtaOverdue(lastEtaAt, now, l),
        AvgSpeedKmh:         recent.KmhPtr,
        AvgSpeedSampleSize:  recent.SampleSize,
        HistoricalFactor:    historicalFactor,
        EtaAt:               lastEtaAt,
    }
}
