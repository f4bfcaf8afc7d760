// Package eta computes remaining-time estimates from distance, recent
// speed and a per-route historical pace factor.
package eta

import (
    "math"
    "time"

    "routewatch/internal/apperr"
)

const (
    // MinSpeedKmh is the floor applied to the effective speed so a
    // stationary vehicle still yields a finite estimate.
    MinSpeedKmh = 5.0

    // MaxEtaSeconds caps estimates at ten days.
    MaxEtaSeconds = 864000

    baselineKmh = 60.0

    factorComputeMin = 0.5
    factorComputeMax = 1.5

    factorHistoricalMin = 0.8
    factorHistoricalMax = 1.2

    // HistoricalMinSamples is how many qualifying past samples the
    // route needs before its own pace replaces the neutral factor.
    HistoricalMinSamples = 10
)

// ComputeSeconds estimates remaining travel time. avgSpeedKmh may be nil
// or unusable; the speed floor applies either way. historicalFactor above
// 1 means the route historically runs faster than baseline, shortening
// the estimate.
func ComputeSeconds(distanceKm float64, avgSpeedKmh *float64, historicalFactor float64) (int, error) {
    if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
        return 0, apperr.New(apperr.InvalidArgument, "distanceRemainingKm must be a finite non-negative number")
    }
    speed := MinSpeedKmh
    if avgSpeedKmh != nil && !math.IsNaN(*avgSpeedKmh) && !math.IsInf(*avgSpeedKmh, 0) && *avgSpeedKmh > MinSpeedKmh {
        speed = *avgSpeedKmh
    }
    factor := clamp(historicalFactor, factorComputeMin, factorComputeMax)
    if math.IsNaN(factor) { factor = 1.0 }

    base := distanceKm / speed * 3600
    secs := int(math.Round(base / factor))
    if secs < 0 { secs = 0 }
    if secs > MaxEtaSeconds { secs = MaxEtaSeconds }
    return secs, nil
}

// EtaAt turns a second count into an absolute timestamp.
func EtaAt(now time.Time, seconds int) time.Time {
    return now.Add(time.Duration(seconds) * time.Second)
}

// HistoricalFactor derives a pace factor from a route's past moving
// speeds. With fewer than HistoricalMinSamples qualifying samples the
// factor is neutral.
func HistoricalFactor(speeds []float64) float64 {
    var sum float64
    n := 0
    for _, v := range speeds {
        if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 { continue }
        sum += v
        n++
    }
    if n < HistoricalMinSamples { return 1.0 }
    return clamp(sum/float64(n)/baselineKmh, factorHistoricalMin, factorHistoricalMax)
}

func clamp(v, lo, hi float64) float64 {
    if v < lo { return lo }
    if v > hi { return hi }
    return v
}
