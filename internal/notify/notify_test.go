package notify

import (
    "context"
    "testing"
    "time"

    "routewatch/internal/apperr"
    "routewatch/internal/model"
    "routewatch/internal/requestid"
    "routewatch/internal/store"
)

func testNotifyLimits() Limits {
    return Limits{
        DedupeWindowSecondsOwner:       600,
        DedupeWindowSecondsClient:      3600,
        RateLimitPerRouteSecondsOwner:  60,
        RateLimitPerRouteSecondsClient: 600,
        EtaDeltaMinutesThresholdOwner:  10,
        EtaDeltaMinutesThresholdClient: 30,
    }
}

type captureTracker struct {
    events []model.MetricEvent
}

func (c *captureTracker) Track(ev model.MetricEvent) { c.events = append(c.events, ev) }

func newTestDispatcher() (*Dispatcher, *store.Memory, *captureTracker) {
    mem := store.NewMemory()
    tr := &captureTracker{}
    return NewDispatcher(mem, tr, testNotifyLimits()), mem, tr
}

func TestPriorityFor(t *testing.T) {
    if PriorityFor(model.NotifRiskDelayed) != PriorityCritical || PriorityFor(model.NotifRiskAtRisk) != PriorityCritical {
        t.Fatalf("risk types must be critical")
    }
    if PriorityFor(model.NotifDeliveryStatusChanged) != PriorityNormal {
        t.Fatalf("status change must be normal")
    }
    if PriorityFor(model.NotifEtaUpdated) != PriorityLow {
        t.Fatalf("eta update must be low")
    }
}

func TestCreateDedupeSameType(t *testing.T) {
    d, _, _ := newTestDispatcher()
    ctx := context.Background()
    req := Request{RecipientID: "u1", Type: model.NotifEtaUpdated, Title: "t", Message: "m", RouteID: "r1"}

    res, err := d.Create(ctx, req)
    if err != nil || !res.Created {
        t.Fatalf("first create: %+v, %v", res, err)
    }
    res, err = d.Create(ctx, req)
    if err != nil {
        t.Fatalf("second create: %v", err)
    }
    if res.Created || (res.Reason != ReasonRateLimitRoute && res.Reason != ReasonDeduped) {
        t.Fatalf("second call should be suppressed: %+v", res)
    }

    // force bypasses both checks
    req.Force = true
    res, err = d.Create(ctx, req)
    if err != nil || !res.Created {
        t.Fatalf("forced create: %+v, %v", res, err)
    }
}

func TestCreateRouteRateLimitAcrossTypes(t *testing.T) {
    d, _, _ := newTestDispatcher()
    ctx := context.Background()

    res, err := d.Create(ctx, Request{RecipientID: "u1", Type: model.NotifEtaUpdated, RouteID: "r1"})
    if err != nil || !res.Created {
        t.Fatalf("first: %+v, %v", res, err)
    }
    // different type, same recipient+route, inside the route window
    res, err = d.Create(ctx, Request{RecipientID: "u1", Type: model.NotifDeliveryStatusChanged, RouteID: "r1"})
    if err != nil {
        t.Fatalf("second: %v", err)
    }
    if res.Created || res.Reason != ReasonRateLimitRoute {
        t.Fatalf("want RATE_LIMIT_ROUTE, got %+v", res)
    }
}

func TestCreateCriticalAlwaysDelivers(t *testing.T) {
    d, mem, _ := newTestDispatcher()
    ctx := context.Background()

    for i := 0; i < 3; i++ {
        res, err := d.Create(ctx, Request{RecipientID: "u1", Type: model.NotifRiskDelayed, RouteID: "r1"})
        if err != nil || !res.Created {
            t.Fatalf("critical %d suppressed: %+v, %v", i, res, err)
        }
    }
    list, _ := mem.ListNotifications(ctx, "u1", 0)
    if len(list) != 3 {
        t.Fatalf("rows = %d, want 3", len(list))
    }
}

func TestCreateMergesPriorityAndViewerMeta(t *testing.T) {
    d, _, tr := newTestDispatcher()
    ctx := context.Background()

    res, err := d.Create(ctx, Request{
        RecipientID: "u1", Type: model.NotifRiskAtRisk, RouteID: "r1",
        Viewer: ViewerClient, Meta: map[string]any{"k": "v"},
    })
    if err != nil || !res.Created {
        t.Fatalf("create: %+v, %v", res, err)
    }
    n := res.Notification
    if n.Meta["priority"] != string(PriorityCritical) || n.Meta["viewer"] != string(ViewerClient) || n.Meta["k"] != "v" {
        t.Fatalf("meta = %+v", n.Meta)
    }
    if len(tr.events) != 1 || tr.events[0].EventName != "NOTIFICATION_SENT" {
        t.Fatalf("metric events = %+v", tr.events)
    }
}

func TestCreateComputedMetaWins(t *testing.T) {
    d, _, _ := newTestDispatcher()
    ctx := context.Background()

    // a caller cannot smuggle its own priority or viewer past the dispatcher
    res, err := d.Create(ctx, Request{
        RecipientID: "u1", Type: model.NotifRiskAtRisk, RouteID: "r1",
        Meta: map[string]any{"priority": "LOW", "viewer": "spoofed", "k": "v"},
    })
    if err != nil || !res.Created {
        t.Fatalf("create: %+v, %v", res, err)
    }
    n := res.Notification
    if n.Meta["priority"] != string(PriorityCritical) || n.Meta["viewer"] != string(ViewerOwner) {
        t.Fatalf("computed keys must win: %+v", n.Meta)
    }
    if n.Meta["k"] != "v" {
        t.Fatalf("caller meta lost: %+v", n.Meta)
    }
}

func TestCreateCarriesRequestID(t *testing.T) {
    d, _, tr := newTestDispatcher()
    ctx := requestid.With(context.Background(), "req-7")

    res, err := d.Create(ctx, Request{RecipientID: "u1", Type: model.NotifRiskAtRisk, RouteID: "r1"})
    if err != nil || !res.Created {
        t.Fatalf("create: %+v, %v", res, err)
    }
    if res.Notification.Meta["requestId"] != "req-7" {
        t.Fatalf("meta = %+v", res.Notification.Meta)
    }
    if len(tr.events) != 1 || tr.events[0].Properties["requestId"] != "req-7" {
        t.Fatalf("metric events = %+v", tr.events)
    }
}

func TestCreateValidation(t *testing.T) {
    d, _, _ := newTestDispatcher()
    ctx := context.Background()
    if _, err := d.Create(ctx, Request{Type: model.NotifEtaUpdated}); !apperr.IsCode(err, apperr.InvalidArgument) {
        t.Fatalf("missing recipient: %v", err)
    }
    if _, err := d.Create(ctx, Request{RecipientID: "u1", Type: "BOGUS"}); !apperr.IsCode(err, apperr.InvalidArgument) {
        t.Fatalf("bad type: %v", err)
    }
}

func TestLimitsValidate(t *testing.T) {
    l := testNotifyLimits()
    if err := l.Validate(); err != nil {
        t.Fatalf("defaults invalid: %v", err)
    }
    bad := l
    bad.DedupeWindowSecondsOwner = 5
    if err := bad.Validate(); !apperr.IsCode(err, apperr.InvalidArgument) {
        t.Fatalf("want INVALID_ARGUMENT, got %v", err)
    }
    bad = l
    bad.EtaDeltaMinutesThresholdClient = 4
    if err := bad.Validate(); !apperr.IsCode(err, apperr.InvalidArgument) {
        t.Fatalf("want INVALID_ARGUMENT, got %v", err)
    }
}

func TestShouldNotifyETA(t *testing.T) {
    l := testNotifyLimits()
    now := time.Now()
    small := now.Add(5 * time.Minute)
    mid := now.Add(-20 * time.Minute)
    big := now.Add(45 * time.Minute)

    if !l.ShouldNotifyETA(nil, &now, ViewerOwner) {
        t.Fatalf("first prediction always notifies")
    }
    if l.ShouldNotifyETA(&now, nil, ViewerOwner) {
        t.Fatalf("no new prediction never notifies")
    }
    if l.ShouldNotifyETA(&now, &small, ViewerOwner) {
        t.Fatalf("5m shift below owner threshold")
    }
    if !l.ShouldNotifyETA(&now, &big, ViewerOwner) {
        t.Fatalf("45m shift above owner threshold")
    }
    // delta is absolute, thresholds differ per audience
    if !l.ShouldNotifyETA(&now, &mid, ViewerOwner) {
        t.Fatalf("20m earlier crosses owner threshold")
    }
    if l.ShouldNotifyETA(&now, &mid, ViewerClient) {
        t.Fatalf("20m shift below client threshold")
    }
}
