package deliveries

import (
    "context"
    "sync"
    "testing"
    "time"

    "routewatch/internal/apperr"
    "routewatch/internal/auth"
    "routewatch/internal/config"
    "routewatch/internal/model"
    "routewatch/internal/notify"
    "routewatch/internal/store"
)

type fakeTracker struct {
    mu     sync.Mutex
    events []model.MetricEvent
}

func (f *fakeTracker) Track(ev model.MetricEvent) {
    f.mu.Lock()
    f.events = append(f.events, ev)
    f.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *store.Memory, *fakeTracker) {
    t.Helper()
    mem := store.NewMemory()
    tr := &fakeTracker{}
    disp := notify.NewDispatcher(mem, tr, notify.LimitsFrom(config.Default().Notify))
    return NewService(mem, disp, tr), mem, tr
}

func owner() auth.Principal { return auth.Principal{UserID: "op-1", Role: auth.RoleOwner} }

func TestValidateTransition(t *testing.T) {
    cases := []struct {
        from, to model.DeliveryStatus
        ok       bool
        detail   string
    }{
        {model.DeliveryCollected, model.DeliveryInTransit, true, ""},
        {model.DeliveryCollected, model.DeliveryDelivered, true, ""}, // skipping forward is fine
        {model.DeliveryInTransit, model.DeliveryInTransit, true, ""}, // same status is a no-op
        {model.DeliveryStopped, model.DeliveryCollected, false, "INVALID_STATUS_TRANSITION"},
        {model.DeliveryDelivered, model.DeliveryInTransit, false, "STATUS_FINAL"},
        {model.DeliveryDelivered, model.DeliveryDelivered, true, ""},
        {"BOGUS", model.DeliveryDelivered, false, "INVALID_STATUS"},
    }
    for i, tc := range cases {
        err := ValidateTransition(tc.from, tc.to)
        if tc.ok && err != nil {
            t.Fatalf("case %d: unexpected error %v", i, err)
        }
        if !tc.ok {
            if err == nil {
                t.Fatalf("case %d: expected error", i)
            }
            if ae := apperr.From(err); ae.Detail != tc.detail {
                t.Fatalf("case %d: detail = %q, want %q", i, ae.Detail, tc.detail)
            }
        }
    }
}

func TestCreateDelivery(t *testing.T) {
    s, mem, _ := newTestService(t)
    ctx := context.Background()
    mem.CreateRoute(ctx, model.Route{ID: "r1", OwnerID: "owner-1", Status: "active"})

    d, err := s.Create(ctx, owner(), CreateInput{RouteID: "r1", TrackingCode: "RW-001"})
    if err != nil || d.Status != model.DeliveryCollected {
        t.Fatalf("create: %+v, %v", d, err)
    }
    events, _ := mem.ListRouteEvents(ctx, "r1", 10)
    if len(events) != 1 || events[0].EventType != model.EventDeliveryCreated {
        t.Fatalf("route events: %+v", events)
    }

    if _, err := s.Create(ctx, owner(), CreateInput{TrackingCode: ""}); !apperr.IsCode(err, apperr.InvalidArgument) {
        t.Fatalf("missing code: %v", err)
    }
    if _, err := s.Create(ctx, auth.Principal{Role: auth.RoleClient}, CreateInput{TrackingCode: "X"}); !apperr.IsCode(err, apperr.PermissionDenied) {
        t.Fatalf("client create: %v", err)
    }
    if _, err := s.Create(ctx, owner(), CreateInput{RouteID: "ghost", TrackingCode: "X"}); !apperr.IsCode(err, apperr.NotFound) {
        t.Fatalf("unknown route: %v", err)
    }
}

func TestUpdateStatusHappyPath(t *testing.T) {
    s, mem, _ := newTestService(t)
    ctx := context.Background()
    mem.CreateRoute(ctx, model.Route{ID: "r1", OwnerID: "owner-1", Status: "active"})
    d, _ := s.Create(ctx, owner(), CreateInput{RouteID: "r1", TrackingCode: "RW-001"})

    res, err := s.UpdateStatus(ctx, owner(), d.ID, model.DeliveryInTransit)
    if err != nil || res.Delivery.Status != model.DeliveryInTransit || !res.RouteEventCreated {
        t.Fatalf("update: %+v, %v", res, err)
    }
    notifs, _ := mem.ListNotifications(ctx, "owner-1", 10)
    if len(notifs) != 1 || notifs[0].Type != model.NotifDeliveryStatusChanged {
        t.Fatalf("notifications: %+v", notifs)
    }

    // backwards is rejected
    if _, err := s.UpdateStatus(ctx, owner(), d.ID, model.DeliveryCollected); !apperr.IsCode(err, apperr.FailedPrecondition) {
        t.Fatalf("backwards: %v", err)
    }
}

func TestUpdateStatusDeliveredRecordsEtaError(t *testing.T) {
    s, mem, tr := newTestService(t)
    ctx := context.Background()
    mem.CreateRoute(ctx, model.Route{ID: "r1", OwnerID: "owner-1", Status: "active"})

    eta := time.Now().UTC().Add(-30 * time.Minute)
    mem.InsertInsight(ctx, model.AiInsight{ID: "i1", RouteID: "r1", Seq: 1, GeneratedAt: eta, EtaAt: &eta, RiskLevel: model.RiskNormal})

    d, _ := s.Create(ctx, owner(), CreateInput{RouteID: "r1", TrackingCode: "RW-001"})
    res, err := s.UpdateStatus(ctx, owner(), d.ID, model.DeliveryDelivered)
    if err != nil || res.Delivery.DeliveredAt == nil {
        t.Fatalf("deliver: %+v, %v", res, err)
    }

    var found *model.MetricEvent
    tr.mu.Lock()
    for i := range tr.events {
        if tr.events[i].EventName == "ETA_ERROR_RECORDED" { found = &tr.events[i] }
    }
    tr.mu.Unlock()
    if found == nil {
        t.Fatalf("no ETA_ERROR_RECORDED metric")
    }
    if found.DeliveryID != d.ID || found.RouteID != "r1" {
        t.Fatalf("metric: %+v", found)
    }
    // delivered ~30 minutes late
    secs, _ := found.Properties["errorSeconds"].(int)
    if secs < 1700 || secs > 1900 {
        t.Fatalf("errorSeconds = %v", found.Properties["errorSeconds"])
    }

    // final state locks further movement
    if _, err := s.UpdateStatus(ctx, owner(), d.ID, model.DeliveryInTransit); !apperr.IsCode(err, apperr.FailedPrecondition) {
        t.Fatalf("post-final: %v", err)
    }
}

func TestUpdateStatusNoEtaNoMetric(t *testing.T) {
    s, mem, tr := newTestService(t)
    ctx := context.Background()
    mem.CreateRoute(ctx, model.Route{ID: "r1", OwnerID: "owner-1", Status: "active"})
    d, _ := s.Create(ctx, owner(), CreateInput{RouteID: "r1", TrackingCode: "RW-001"})

    if _, err := s.UpdateStatus(ctx, owner(), d.ID, model.DeliveryDelivered); err != nil {
        t.Fatalf("deliver: %v", err)
    }
    tr.mu.Lock()
    defer tr.mu.Unlock()
    for _, ev := range tr.events {
        if ev.EventName == "ETA_ERROR_RECORDED" {
            t.Fatalf("metric recorded without a prediction")
        }
    }
}
