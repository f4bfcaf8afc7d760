package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "os"
    "strings"
    "time"

    "github.com/google/uuid"

    "routewatch/internal/apperr"
    "routewatch/internal/buildinfo"
    "routewatch/internal/deliveries"
    "routewatch/internal/engine"
    "routewatch/internal/model"
    "routewatch/internal/requestid"
    "routewatch/internal/store"
    "routewatch/internal/tracking"
)

// EvaluateRiskHandler handles POST /v1/ai/risk/evaluate
func (s *Server) EvaluateRiskHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var in engine.EvaluateInput
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
        return
    }
    res, err := s.Engine.Evaluate(r.Context(), s.getPrincipal(r), in)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

// ResetRiskHandler handles POST /v1/ai/risk/reset
func (s *Server) ResetRiskHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var in engine.ResetInput
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
        return
    }
    res, err := s.Engine.Reset(r.Context(), s.getPrincipal(r), in)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

// RecalculateEtaHandler handles POST /v1/ai/eta/recalculate
func (s *Server) RecalculateEtaHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var in engine.RecalculateInput
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
        return
    }
    res, err := s.Engine.Recalculate(r.Context(), s.getPrincipal(r), in)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

// RoutesHandler handles POST /v1/routes
func (s *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/routes" {
        writeProblem(w, r, http.StatusNotFound, "Not Found", "")
        return
    }
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    pr := s.getPrincipal(r)
    if !pr.IsOperator() {
        writeError(w, r, apperr.New(apperr.PermissionDenied, "route creation requires an operator role"))
        return
    }
    var in model.Route
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
        return
    }
    if in.ID == "" { in.ID = uuid.NewString() }
    if in.OwnerID == "" { in.OwnerID = pr.UserID }
    if in.Status == "" { in.Status = "active" }
    if in.CreatedAt.IsZero() { in.CreatedAt = time.Now().UTC() }
    route, err := s.Store.CreateRoute(r.Context(), in)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusCreated, route)
}

// RouteByIDHandler dispatches /v1/routes/{id}, /insight, /location,
// /events, /events/stream and /events/ws.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, r, http.StatusNotFound, "Not Found", "missing id")
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    sub := strings.Join(parts[1:], "/")

    switch sub {
    case "":
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        route, err := s.Store.GetRoute(r.Context(), id)
        if err != nil {
            if errors.Is(err, store.ErrNotFound) {
                writeError(w, r, apperr.Newf(apperr.NotFound, "route %s not found", id))
                return
            }
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, route)
    case "insight":
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        ri, err := s.Store.GetRouteInsight(r.Context(), id)
        if err != nil {
            if errors.Is(err, store.ErrNotFound) {
                writeError(w, r, apperr.WithDetail(apperr.NotFound, "NO_INSIGHT", "no insight generated for route"))
                return
            }
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, ri)
    case "location":
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        view, err := s.Tracking.LatestLocation(r.Context(), s.getPrincipal(r), id)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, view)
    case "events":
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        pr := s.getPrincipal(r)
        if !pr.IsOperator() {
            writeError(w, r, apperr.New(apperr.PermissionDenied, "route events require an operator role"))
            return
        }
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        events, err := s.Store.ListRouteEvents(r.Context(), id, limit)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": events})
    case "events/stream":
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        s.routeEventsSSE(w, r, id)
    case "events/ws":
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        s.routeEventsWS(w, r, id)
    default:
        writeProblem(w, r, http.StatusNotFound, "Not Found", "")
    }
}

// IngestLocationHandler handles POST /v1/tracking/locations
func (s *Server) IngestLocationHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    pr := s.getPrincipal(r)
    if !s.ingestLim.allow(pr.UserID) {
        writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests", "ingest rate limit exceeded")
        return
    }
    var in tracking.IngestInput
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
        return
    }
    res, err := s.Tracking.Ingest(r.Context(), pr, in)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusAccepted, res)
}

// DeliveriesHandler handles POST /v1/deliveries
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/deliveries" {
        writeProblem(w, r, http.StatusNotFound, "Not Found", "")
        return
    }
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var in deliveries.CreateInput
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
        return
    }
    d, err := s.Deliveries.Create(r.Context(), s.getPrincipal(r), in)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusCreated, d)
}

// DeliveryByIDHandler handles GET /v1/deliveries/{id} and
// POST /v1/deliveries/{id}/status.
func (s *Server) DeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/deliveries/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, r, http.StatusNotFound, "Not Found", "missing id")
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]

    if len(parts) > 1 && parts[1] == "status" {
        if r.Method != http.MethodPost {
            w.WriteHeader(http.StatusMethodNotAllowed)
            return
        }
        var in struct {
            Status model.DeliveryStatus `json:"status"`
        }
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
            return
        }
        res, err := s.Deliveries.UpdateStatus(r.Context(), s.getPrincipal(r), id, in.Status)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, res)
        return
    }

    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    d, err := s.Store.GetDelivery(r.Context(), id)
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            writeError(w, r, apperr.Newf(apperr.NotFound, "delivery %s not found", id))
            return
        }
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, d)
}

// NotificationsHandler handles GET /v1/notifications (the caller's own).
func (s *Server) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/notifications" {
        writeProblem(w, r, http.StatusNotFound, "Not Found", "")
        return
    }
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    pr := s.getPrincipal(r)
    limit := 50
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, err := s.Store.ListNotifications(r.Context(), pr.UserID, limit)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// NotificationByIDHandler handles POST /v1/notifications/{id}/open
func (s *Server) NotificationByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/notifications/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, r, http.StatusNotFound, "Not Found", "missing id")
        return
    }
    parts := strings.Split(rest, "/")
    if len(parts) != 2 || parts[1] != "open" {
        writeProblem(w, r, http.StatusNotFound, "Not Found", "")
        return
    }
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    pr := s.getPrincipal(r)
    n, err := s.Store.MarkNotificationOpened(r.Context(), parts[0], pr.UserID, time.Now().UTC())
    if err != nil {
        if errors.Is(err, store.ErrNotFound) {
            writeError(w, r, apperr.Newf(apperr.NotFound, "notification %s not found", parts[0]))
            return
        }
        writeError(w, r, err)
        return
    }
    s.Tracker.Track(model.MetricEvent{
        EventName:  "NOTIFICATION_OPENED",
        UserID:     pr.UserID,
        RouteID:    n.RouteID,
        DeliveryID: n.DeliveryID,
        Properties: requestid.Stamp(r.Context(), map[string]any{"notificationId": n.ID, "type": string(n.Type)}),
        Source:     "api",
    })
    writeJSON(w, http.StatusOK, n)
}

// MetricEventsHandler handles POST /v1/metrics/events: fire-and-forget
// client analytics. Always 202 once the payload parses.
func (s *Server) MetricEventsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var in struct {
        EventName  string         `json:"eventName"`
        RouteID    string         `json:"routeId,omitempty"`
        DeliveryID string         `json:"deliveryId,omitempty"`
        Properties map[string]any `json:"properties,omitempty"`
    }
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
        return
    }
    if strings.TrimSpace(in.EventName) == "" {
        writeError(w, r, apperr.New(apperr.InvalidArgument, "eventName is required"))
        return
    }
    pr := s.getPrincipal(r)
    s.Tracker.Track(model.MetricEvent{
        EventName:  in.EventName,
        UserID:     pr.UserID,
        RouteID:    in.RouteID,
        DeliveryID: in.DeliveryID,
        Properties: requestid.Stamp(r.Context(), in.Properties),
        Source:     "client",
    })
    writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    if err := s.Store.Ping(ctx); err != nil {
        writeProblem(w, r, http.StatusServiceUnavailable, "Not Ready", err.Error())
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) DebugInfoHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "addr":         s.Cfg.Addr,
            "authMode":     os.Getenv("AUTH_MODE"),
            "hasDatabase":  s.Cfg.DatabaseURL != "",
            "hasRedis":     s.Cfg.RedisURL != "",
            "ingestWindow": s.Cfg.Ingest.MinIntervalSeconds,
        },
    })
}
