// Package tracking handles driver location ingestion with per-route
// throttling, and viewer-shaped reads of the latest position.
package tracking

import (
    "context"
    "errors"
    "math"
    "time"

    "github.com/google/uuid"

    "routewatch/internal/apperr"
    "routewatch/internal/auth"
    "routewatch/internal/config"
    "routewatch/internal/metrics"
    "routewatch/internal/model"
    "routewatch/internal/store"
)

type Service struct {
    store store.Store
    cfg   config.Config
    now   func() time.Time
}

func NewService(st store.Store, cfg config.Config) *Service {
    return &Service{store: st, cfg: cfg, now: time.Now}
}

type IngestInput struct {
    Lat        float64        `json:"lat"`
    Lng        float64        `json:"lng"`
    CapturedAt *time.Time     `json:"capturedAt,omitempty"`
    SpeedKmh   *float64       `json:"speedKmh,omitempty"`
    HeadingDeg *float64       `json:"headingDeg,omitempty"`
    AccuracyM  *float64       `json:"accuracyM,omitempty"`
    Source     string         `json:"source,omitempty"`
    Meta       map[string]any `json:"meta,omitempty"`
}

type IngestResult struct {
    Accepted      bool                    `json:"accepted"`
    Stored        bool                    `json:"stored"`
    Reason        string                  `json:"reason,omitempty"`
    NextInSeconds int                     `json:"nextInSeconds,omitempty"`
    RouteID       string                  `json:"routeId"`
    Snapshot      *model.LocationSnapshot `json:"snapshot,omitempty"`
}

// Ingest accepts one location sample from the authenticated driver and
// stores it against their active route, at most once per throttle
// window. Samples inside the window are accepted but not stored.
func (s *Service) Ingest(ctx context.Context, actor auth.Principal, in IngestInput) (IngestResult, error) {
    if actor.Role != auth.RoleDriver {
        return IngestResult{}, apperr.New(apperr.PermissionDenied, "location ingestion requires the driver role")
    }
    if err := validateCoords(in.Lat, in.Lng); err != nil {
        metrics.IngestResults.WithLabelValues("rejected").Inc()
        return IngestResult{}, err
    }
    if in.SpeedKmh != nil && (*in.SpeedKmh < 0 || math.IsNaN(*in.SpeedKmh) || math.IsInf(*in.SpeedKmh, 0)) {
        return IngestResult{}, apperr.New(apperr.InvalidArgument, "speedKmh must be a non-negative number")
    }
    if in.HeadingDeg != nil && (*in.HeadingDeg < 0 || *in.HeadingDeg > 360) {
        return IngestResult{}, apperr.New(apperr.InvalidArgument, "headingDeg must be within [0,360]")
    }

    driver, err := s.resolveDriver(ctx, actor)
    if err != nil { return IngestResult{}, err }

    route, err := s.store.ActiveRouteForDriver(ctx, driver.ID)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return IngestResult{}, apperr.WithDetail(apperr.FailedPrecondition, "NO_ACTIVE_ROUTE", "driver has no active route")
        }
        return IngestResult{}, err
    }

    now := s.now().UTC()
    last, err := s.store.LatestSnapshot(ctx, route.ID)
    if err != nil && !errors.Is(err, store.ErrNotFound) {
        return IngestResult{}, err
    }
    if err == nil {
        elapsed := now.Sub(last.RecordedAt)
        if elapsed < s.cfg.Ingest.MinInterval() {
            metrics.IngestResults.WithLabelValues("throttled").Inc()
            wait := int(math.Ceil((s.cfg.Ingest.MinInterval() - elapsed).Seconds()))
            return IngestResult{Accepted: true, Stored: false, Reason: "THROTTLED", NextInSeconds: wait, RouteID: route.ID}, nil
        }
    }

    capturedAt := now
    if in.CapturedAt != nil { capturedAt = in.CapturedAt.UTC() }
    source := in.Source
    if source == "" { source = "device" }

    snap, err := s.store.InsertSnapshot(ctx, model.LocationSnapshot{
        ID:         uuid.NewString(),
        RouteID:    route.ID,
        DriverID:   driver.ID,
        CapturedAt: capturedAt,
        RecordedAt: now,
        Lat:        in.Lat,
        Lng:        in.Lng,
        SpeedKmh:   in.SpeedKmh,
        HeadingDeg: in.HeadingDeg,
        AccuracyM:  in.AccuracyM,
        Source:     source,
        Meta:       in.Meta,
    })
    if err != nil { return IngestResult{}, err }

    metrics.IngestResults.WithLabelValues("stored").Inc()
    return IngestResult{Accepted: true, Stored: true, RouteID: route.ID, Snapshot: &snap}, nil
}

func (s *Service) resolveDriver(ctx context.Context, actor auth.Principal) (model.Driver, error) {
    if actor.DriverID != "" {
        return model.Driver{ID: actor.DriverID, UserID: actor.UserID}, nil
    }
    d, err := s.store.DriverByUserID(ctx, actor.UserID)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return model.Driver{}, apperr.WithDetail(apperr.FailedPrecondition, "NO_DRIVER_PROFILE", "no driver profile for user")
        }
        return model.Driver{}, err
    }
    return d, nil
}

// LocationView is a visibility-shaped latest position.
type LocationView struct {
    RouteID             string    `json:"routeId"`
    DelaySecondsApplied int       `json:"delaySecondsApplied"`
    ID                  string    `json:"id"`
    CapturedAt          time.Time `json:"capturedAt"`
    RecordedAt          time.Time `json:"recordedAt"`
    Lat                 float64   `json:"lat"`
    Lng                 float64   `json:"lng"`
    SpeedKmh            *float64  `json:"speedKmh,omitempty"`
    HeadingDeg          *float64  `json:"headingDeg,omitempty"`
}

// LatestLocation returns the route's freshest position the viewer is
// allowed to see: clients get a longer delay and coarser coordinates
// than operators.
func (s *Service) LatestLocation(ctx context.Context, actor auth.Principal, routeID string) (LocationView, error) {
    if routeID == "" {
        return LocationView{}, apperr.New(apperr.InvalidArgument, "routeId is required")
    }
    delay, decimals := s.visibility(actor.Role)
    cutoff := s.now().UTC().Add(-time.Duration(delay) * time.Second)

    snap, err := s.store.LatestSnapshotBefore(ctx, routeID, cutoff)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return LocationView{}, apperr.WithDetail(apperr.NotFound, "NO_LOCATION", "no location available")
        }
        return LocationView{}, err
    }
    lat, err := roundCoord(snap.Lat, decimals)
    if err != nil { return LocationView{}, err }
    lng, err := roundCoord(snap.Lng, decimals)
    if err != nil { return LocationView{}, err }

    return LocationView{
        RouteID:             routeID,
        DelaySecondsApplied: delay,
        ID:                  snap.ID,
        CapturedAt:          snap.CapturedAt,
        RecordedAt:          snap.RecordedAt,
        Lat:                 lat,
        Lng:                 lng,
        SpeedKmh:            snap.SpeedKmh,
        HeadingDeg:          snap.HeadingDeg,
    }, nil
}

// visibility maps a viewer role to (delay seconds, coordinate decimals).
// Drivers and managers see operator-grade data.
func (s *Service) visibility(role string) (int, int) {
    if role == auth.RoleClient {
        return s.cfg.Tracking.ClientDelaySeconds, s.cfg.Tracking.ClientPrecisionDecimals
    }
    return s.cfg.Tracking.OwnerDelaySeconds, s.cfg.Tracking.OwnerPrecisionDecimals
}

func validateCoords(lat, lng float64) error {
    if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
        return apperr.WithDetail(apperr.InvalidArgument, "INVALID_COORDS", "lat must be within [-90,90]")
    }
    if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < -180 || lng > 180 {
        return apperr.WithDetail(apperr.InvalidArgument, "INVALID_COORDS", "lng must be within [-180,180]")
    }
    return nil
}

func roundCoord(v float64, decimals int) (float64, error) {
    if math.IsNaN(v) || math.IsInf(v, 0) {
        return 0, apperr.WithDetail(apperr.InvalidArgument, "INVALID_COORDS", "invalid coordinates")
    }
    p := math.Pow(10, float64(decimals))
    return math.Round(v*p) / p, nil
}
