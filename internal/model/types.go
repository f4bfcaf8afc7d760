// Package model holds the core domain types shared by the store, the
// evaluation engine and the HTTP layer.
package model

import "time"

// RiskLevel classifies a route's current delay risk.
type RiskLevel string

const (
    RiskNormal  RiskLevel = "NORMAL"
    RiskAtRisk  RiskLevel = "AT_RISK"
    RiskDelayed RiskLevel = "DELAYED"
)

// NormalizeRiskLevel maps stored risk labels to the canonical three.
// Older rows carry lowercase/localized labels; this is the only place
// that knows about them. Applied by the stores on every read.
func NormalizeRiskLevel(v string) RiskLevel {
    switch v {
    case "NORMAL", "AT_RISK", "DELAYED":
        return RiskLevel(v)
    case "normal":
        return RiskNormal
    case "em_risco":
        return RiskAtRisk
    case "atrasada":
        return RiskDelayed
    }
    return RiskNormal
}

// EvaluationReason tags what triggered a risk evaluation or ETA recalc.
type EvaluationReason string

const (
    ReasonLocationIngest EvaluationReason = "LOCATION_INGEST"
    ReasonStatusChange   EvaluationReason = "STATUS_CHANGE"
    ReasonManual         EvaluationReason = "MANUAL"
    ReasonPeriodic       EvaluationReason = "PERIODIC"
)

func ValidReason(r EvaluationReason) bool {
    switch r {
    case ReasonLocationIngest, ReasonStatusChange, ReasonManual, ReasonPeriodic:
        return true
    }
    return false
}

// Route is read-only for this engine: identity and driver linkage.
type Route struct {
    ID        string     `json:"id"`
    OwnerID   string     `json:"ownerId"`
    DriverID  string     `json:"driverId,omitempty"`
    Origin    string     `json:"origin,omitempty"`
    Dest      string     `json:"destination,omitempty"`
    Status    string     `json:"status"`
    PlannedAt *time.Time `json:"plannedAt,omitempty"`
    CreatedAt time.Time  `json:"createdAt"`
}

// Driver links an auth user to the driver identity used on routes.
type Driver struct {
    ID     string `json:"id"`
    UserID string `json:"userId"`
}

// LocationSnapshot is one GPS/speed/heading sample. Append-only.
type LocationSnapshot struct {
    ID         string         `json:"id"`
    RouteID    string         `json:"routeId"`
    DriverID   string         `json:"driverId"`
    CapturedAt time.Time      `json:"capturedAt"` // device-reported
    RecordedAt time.Time      `json:"recordedAt"` // server-received
    Lat        float64        `json:"lat"`
    Lng        float64        `json:"lng"`
    SpeedKmh   *float64       `json:"speedKmh,omitempty"`
    HeadingDeg *float64       `json:"headingDeg,omitempty"`
    AccuracyM  *float64       `json:"accuracyM,omitempty"`
    Source     string         `json:"source,omitempty"`
    Meta       map[string]any `json:"meta,omitempty"`
}

// RiskSignals are the instantaneous per-route signals one evaluation derives.
type RiskSignals struct {
    StopProlonged       bool       `json:"stopProlonged"`
    StopDurationSeconds *int       `json:"stopDurationSeconds,omitempty"`
    SpeedOutOfPattern   bool       `json:"speedOutOfPattern"`
    EtaOverdue          bool       `json:"etaOverdue"`
    AvgSpeedKmh         *float64   `json:"avgSpeedKmh,omitempty"`
    AvgSpeedSampleSize  int        `json:"avgSpeedSampleSize,omitempty"`
    HistoricalFactor    float64    `json:"historicalFactor,omitempty"`
    EtaAt               *time.Time `json:"etaAt,omitempty"`
}

// RiskCounters are the hysteresis hit counters carried between evaluations.
type RiskCounters struct {
    AtRiskHits  int `json:"atRiskHits"`
    DelayedHits int `json:"delayedHits"`
}

// FeatureSchemaVersion tags the shape of InsightFeatures as persisted.
const FeatureSchemaVersion = "v1"

// InsightFeatures is the typed feature bag stored with each history record.
// Replaces the open map the first version of this engine persisted.
type InsightFeatures struct {
    SchemaVersion string           `json:"schemaVersion"`
    Signals       *RiskSignals     `json:"signals,omitempty"`
    Counters      *RiskCounters    `json:"counters,omitempty"`
    Limits        map[string]any   `json:"limits,omitempty"`
    Reason        EvaluationReason `json:"reason,omitempty"`
    PreviousRisk  RiskLevel        `json:"previousRisk,omitempty"`
    ProposedRisk  RiskLevel        `json:"proposedRisk,omitempty"`

    // ETA recalculation inputs (recalc path only)
    DistanceRemainingKm *float64 `json:"distanceRemainingKm,omitempty"`
    AvgSpeedKmh         *float64 `json:"avgSpeedKmh,omitempty"`
    AvgSpeedSampleSize  int      `json:"avgSpeedSampleSize,omitempty"`
    HistoricalFactor    float64  `json:"historicalFactor,omitempty"`
    EtaSeconds          int      `json:"etaSeconds,omitempty"`
}

// AiInsight is one immutable history record: a risk change or an ETA recalc.
// Seq increments per route and guards against concurrent evaluations.
type AiInsight struct {
    ID          string          `json:"id"`
    RouteID     string          `json:"routeId"`
    Seq         int64           `json:"seq"`
    GeneratedAt time.Time       `json:"generatedAt"`
    EtaAt       *time.Time      `json:"etaAt,omitempty"`
    RiskLevel   RiskLevel       `json:"riskLevel"`
    Summary     string          `json:"summary"`
    Features    InsightFeatures `json:"features"`
    Kind        string          `json:"kind"` // engine version tag
}

// RouteInsight is the single active human-readable summary per route,
// replaced on every regeneration.
type RouteInsight struct {
    RouteID     string          `json:"routeId"`
    GeneratedAt time.Time       `json:"generatedAt"`
    Insight     string          `json:"insight"`
    Kind        string          `json:"kind"`
    Features    InsightFeatures `json:"features"`
}

// RouteEvent is an append-only audit entry per route mutation.
type RouteEvent struct {
    ID          string         `json:"id"`
    RouteID     string         `json:"routeId"`
    EventType   string         `json:"eventType"`
    OccurredAt  time.Time      `json:"occurredAt"`
    ActorUserID string         `json:"actorUserId"`
    Payload     map[string]any `json:"payload,omitempty"`
}

const (
    EventRiskLevelChanged      = "RISK_LEVEL_CHANGED"
    EventRiskLevelReset        = "RISK_LEVEL_RESET"
    EventDeliveryCreated       = "DELIVERY_CREATED"
    EventDeliveryStatusChanged = "DELIVERY_STATUS_CHANGED"
)

// NotificationType drives priority and dedupe.
type NotificationType string

const (
    NotifDeliveryStatusChanged NotificationType = "DELIVERY_STATUS_CHANGED"
    NotifEtaUpdated            NotificationType = "ETA_UPDATED"
    NotifRiskAtRisk            NotificationType = "RISK_AT_RISK"
    NotifRiskDelayed           NotificationType = "RISK_DELAYED"
)

func ValidNotificationType(t NotificationType) bool {
    switch t {
    case NotifDeliveryStatusChanged, NotifEtaUpdated, NotifRiskAtRisk, NotifRiskDelayed:
        return true
    }
    return false
}

// Notification is one successfully created alert. Suppressed attempts
// never produce a row.
type Notification struct {
    ID          string           `json:"id"`
    RecipientID string           `json:"recipientUserId"`
    Type        NotificationType `json:"type"`
    Title       string           `json:"title"`
    Message     string           `json:"message"`
    RouteID     string           `json:"routeId,omitempty"`
    DeliveryID  string           `json:"deliveryId,omitempty"`
    Status      string           `json:"status"` // created, opened
    CreatedAt   time.Time        `json:"createdAt"`
    OpenedAt    *time.Time       `json:"openedAt,omitempty"`
    Meta        map[string]any   `json:"meta,omitempty"`
}

// MetricEvent is a write-only analytics record.
type MetricEvent struct {
    ID         string         `json:"id"`
    EventName  string         `json:"eventName"`
    OccurredAt time.Time      `json:"occurredAt"`
    UserID     string         `json:"userId,omitempty"`
    RouteID    string         `json:"routeId,omitempty"`
    DeliveryID string         `json:"deliveryId,omitempty"`
    Properties map[string]any `json:"properties,omitempty"`
    Source     string         `json:"source"`
}

// DeliveryStatus values progress forward only.
type DeliveryStatus string

const (
    DeliveryCollected DeliveryStatus = "COLLECTED"
    DeliveryInTransit DeliveryStatus = "IN_TRANSIT"
    DeliveryStopped   DeliveryStatus = "STOPPED"
    DeliveryDelivered DeliveryStatus = "DELIVERED"
)

// Delivery is one shipment attached to a route.
type Delivery struct {
    ID           string         `json:"id"`
    RouteID      string         `json:"routeId,omitempty"`
    TrackingCode string         `json:"trackingCode"`
    Status       DeliveryStatus `json:"status"`
    DeliveredAt  *time.Time     `json:"deliveredAt,omitempty"`
    CreatedAt    time.Time      `json:"createdAt"`
    UpdatedAt    time.Time      `json:"updatedAt"`
}
