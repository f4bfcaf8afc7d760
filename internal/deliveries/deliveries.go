// Package deliveries manages shipments attached to routes. Statuses only
// move forward; DELIVERED is final and feeds the ETA accuracy metric.
package deliveries

import (
    "context"
    "errors"
    "time"

    "github.com/google/uuid"

    "routewatch/internal/apperr"
    "routewatch/internal/auth"
    "routewatch/internal/model"
    "routewatch/internal/notify"
    "routewatch/internal/requestid"
    "routewatch/internal/store"
)

var statusOrder = map[model.DeliveryStatus]int{
    model.DeliveryCollected: 0,
    model.DeliveryInTransit: 1,
    model.DeliveryStopped:   2,
    model.DeliveryDelivered: 3,
}

func isFinal(s model.DeliveryStatus) bool { return s == model.DeliveryDelivered }

// ValidateTransition enforces forward-only progression. Repeating the
// current status is a no-op; skipping intermediate statuses is allowed.
func ValidateTransition(from, to model.DeliveryStatus) error {
    if from == to { return nil }
    if isFinal(from) {
        return apperr.WithDetail(apperr.FailedPrecondition, "STATUS_FINAL", "delivery already delivered")
    }
    fromIdx, okFrom := statusOrder[from]
    toIdx, okTo := statusOrder[to]
    if !okFrom || !okTo {
        return apperr.WithDetail(apperr.InvalidArgument, "INVALID_STATUS", "unknown delivery status")
    }
    if toIdx < fromIdx {
        return apperr.WithDetail(apperr.FailedPrecondition, "INVALID_STATUS_TRANSITION", "delivery status cannot move backwards")
    }
    return nil
}

type Tracker interface {
    Track(ev model.MetricEvent)
}

type Service struct {
    store      store.Store
    dispatcher *notify.Dispatcher
    tracker    Tracker
    now        func() time.Time
}

func NewService(st store.Store, dispatcher *notify.Dispatcher, tracker Tracker) *Service {
    return &Service{store: st, dispatcher: dispatcher, tracker: tracker, now: time.Now}
}

type CreateInput struct {
    RouteID      string `json:"routeId,omitempty"`
    TrackingCode string `json:"trackingCode"`
}

// Create registers a new shipment, optionally attached to a route.
func (s *Service) Create(ctx context.Context, actor auth.Principal, in CreateInput) (model.Delivery, error) {
    if !actor.IsOperator() {
        return model.Delivery{}, apperr.New(apperr.PermissionDenied, "delivery creation requires an operator role")
    }
    if in.TrackingCode == "" {
        return model.Delivery{}, apperr.New(apperr.InvalidArgument, "trackingCode is required")
    }
    if in.RouteID != "" {
        if _, err := s.store.GetRoute(ctx, in.RouteID); err != nil {
            if errors.Is(err, store.ErrNotFound) {
                return model.Delivery{}, apperr.Newf(apperr.NotFound, "route %s not found", in.RouteID)
            }
            return model.Delivery{}, err
        }
    }
    now := s.now().UTC()
    d, err := s.store.CreateDelivery(ctx, model.Delivery{
        ID:           uuid.NewString(),
        RouteID:      in.RouteID,
        TrackingCode: in.TrackingCode,
        Status:       model.DeliveryCollected,
        CreatedAt:    now,
        UpdatedAt:    now,
    })
    if err != nil { return model.Delivery{}, err }

    if d.RouteID != "" {
        _, err = s.store.InsertRouteEvent(ctx, model.RouteEvent{
            ID:          uuid.NewString(),
            RouteID:     d.RouteID,
            EventType:   model.EventDeliveryCreated,
            OccurredAt:  now,
            ActorUserID: actor.UserID,
            Payload:     requestid.Stamp(ctx, map[string]any{"deliveryId": d.ID, "trackingCode": d.TrackingCode}),
        })
        if err != nil { return model.Delivery{}, err }
    }
    return d, nil
}

type UpdateStatusResult struct {
    Delivery          model.Delivery `json:"delivery"`
    RouteEventCreated bool           `json:"routeEventCreated"`
}

// UpdateStatus advances a delivery through its lifecycle, records the
// audit event, notifies the route owner and, on DELIVERED, measures the
// prediction error against the last ETA.
func (s *Service) UpdateStatus(ctx context.Context, actor auth.Principal, id string, to model.DeliveryStatus) (UpdateStatusResult, error) {
    if !actor.IsOperator() && actor.Role != auth.RoleDriver {
        return UpdateStatusResult{}, apperr.New(apperr.PermissionDenied, "status update requires an operator or driver role")
    }
    if id == "" {
        return UpdateStatusResult{}, apperr.New(apperr.InvalidArgument, "delivery id is required")
    }

    current, err := s.store.GetDelivery(ctx, id)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            return UpdateStatusResult{}, apperr.Newf(apperr.NotFound, "delivery %s not found", id)
        }
        return UpdateStatusResult{}, err
    }
    if err := ValidateTransition(current.Status, to); err != nil {
        return UpdateStatusResult{}, err
    }

    now := s.now().UTC()
    updated := current
    updated.Status = to
    updated.UpdatedAt = now
    if to == model.DeliveryDelivered && updated.DeliveredAt == nil {
        t := now
        updated.DeliveredAt = &t
    }
    updated, err = s.store.UpdateDelivery(ctx, updated)
    if err != nil { return UpdateStatusResult{}, err }

    if updated.RouteID == "" {
        return UpdateStatusResult{Delivery: updated, RouteEventCreated: false}, nil
    }

    payload := map[string]any{
        "deliveryId": updated.ID,
        "fromStatus": string(current.Status),
        "toStatus":   string(to),
    }
    if isFinal(to) && updated.DeliveredAt != nil { payload["deliveredAt"] = updated.DeliveredAt }
    _, err = s.store.InsertRouteEvent(ctx, model.RouteEvent{
        ID:          uuid.NewString(),
        RouteID:     updated.RouteID,
        EventType:   model.EventDeliveryStatusChanged,
        OccurredAt:  now,
        ActorUserID: actor.UserID,
        Payload:     requestid.Stamp(ctx, payload),
    })
    if err != nil { return UpdateStatusResult{}, err }

    if current.Status != to {
        if err := s.notifyStatusChange(ctx, actor, updated, current.Status); err != nil {
            return UpdateStatusResult{}, err
        }
    }
    if to == model.DeliveryDelivered && updated.DeliveredAt != nil {
        s.recordEtaError(ctx, actor, updated)
    }
    return UpdateStatusResult{Delivery: updated, RouteEventCreated: true}, nil
}

func (s *Service) notifyStatusChange(ctx context.Context, actor auth.Principal, d model.Delivery, from model.DeliveryStatus) error {
    route, err := s.store.GetRoute(ctx, d.RouteID)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) { return nil }
        return err
    }
    recipient := route.OwnerID
    if recipient == "" { recipient = actor.UserID }
    _, err = s.dispatcher.Create(ctx, notify.Request{
        RecipientID: recipient,
        Type:        model.NotifDeliveryStatusChanged,
        Title:       "Delivery status updated",
        Message:     "Delivery " + d.TrackingCode + " moved from " + string(from) + " to " + string(d.Status) + ".",
        RouteID:     d.RouteID,
        DeliveryID:  d.ID,
        Viewer:      notify.ViewerOwner,
    })
    return err
}

// recordEtaError compares the delivery time against the last predicted
// arrival. Best effort: nothing here fails the status update.
func (s *Service) recordEtaError(ctx context.Context, actor auth.Principal, d model.Delivery) {
    last, err := s.store.LatestInsight(ctx, d.RouteID)
    if err != nil || last == nil || last.EtaAt == nil {
        // no prediction on file, nothing to measure
        return
    }
    errorSeconds := int(d.DeliveredAt.Sub(*last.EtaAt).Round(time.Second).Seconds())
    if s.tracker != nil {
        s.tracker.Track(model.MetricEvent{
            EventName:  "ETA_ERROR_RECORDED",
            OccurredAt: s.now().UTC(),
            UserID:     actor.UserID,
            RouteID:    d.RouteID,
            DeliveryID: d.ID,
            Properties: requestid.Stamp(ctx, map[string]any{
                "etaAt":        last.EtaAt,
                "deliveredAt":  d.DeliveredAt,
                "errorSeconds": errorSeconds,
                "errorMinutes": errorSeconds / 60,
                "insightId":    last.ID,
            }),
            Source: "deliveries",
        })
    }
}
