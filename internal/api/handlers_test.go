package api

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "routewatch/internal/auth"
    "routewatch/internal/config"
    "routewatch/internal/model"
)

func newTestServer(t *testing.T) *Server {
    t.Helper()
    s, err := NewServerWithConfig(config.Default())
    if err != nil { t.Fatalf("NewServerWithConfig: %v", err) }
    t.Cleanup(s.Tracker.Close)
    return s
}

func asOwner(req *http.Request) *http.Request {
    req.Header.Set("X-User-Id", "owner-1")
    req.Header.Set("X-Role", auth.RoleOwner)
    return req
}

func asDriver(req *http.Request) *http.Request {
    req.Header.Set("X-User-Id", "u-drv")
    req.Header.Set("X-Role", auth.RoleDriver)
    req.Header.Set("X-Driver-Id", "drv-1")
    return req
}

func seedRoute(t *testing.T, s *Server) string {
    t.Helper()
    body := []byte(`{"id":"r1","driverId":"drv-1","origin":"A","destination":"B"}`)
    rr := httptest.NewRecorder()
    req := asOwner(httptest.NewRequest(http.MethodPost, "/v1/routes", bytes.NewReader(body)))
    req.Header.Set("Content-Type", "application/json")
    s.RoutesHandler(rr, req)
    if rr.Code != http.StatusCreated { t.Fatalf("seed route: %d %s", rr.Code, rr.Body.String()) }
    return "r1"
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
    if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
}

func TestCreateAndGetRoute(t *testing.T) {
    s := newTestServer(t)
    id := seedRoute(t, s)

    rr := httptest.NewRecorder()
    s.RouteByIDHandler(rr, asOwner(httptest.NewRequest(http.MethodGet, "/v1/routes/"+id, nil)))
    if rr.Code != 200 { t.Fatalf("get route: %d", rr.Code) }
    var rt model.Route
    if err := json.Unmarshal(rr.Body.Bytes(), &rt); err != nil { t.Fatalf("decode: %v", err) }
    if rt.ID != id || rt.OwnerID != "owner-1" || rt.Status != "active" {
        t.Fatalf("route: %+v", rt)
    }

    // client role may not create routes
    rr = httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/routes", bytes.NewReader([]byte(`{}`)))
    req.Header.Set("X-Role", auth.RoleClient)
    s.RoutesHandler(rr, req)
    if rr.Code != http.StatusForbidden { t.Fatalf("client create: %d", rr.Code) }
}

func TestEvaluateErrors(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    // non-operator
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/ai/risk/evaluate", bytes.NewReader([]byte(`{"routeId":"r1"}`)))
    req.Header.Set("X-Role", auth.RoleClient)
    s.EvaluateRiskHandler(rr, req)
    if rr.Code != http.StatusForbidden { t.Fatalf("client evaluate: %d", rr.Code) }
    var p Problem
    if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil || p.Title != "PERMISSION_DENIED" {
        t.Fatalf("problem: %+v, %v", p, err)
    }

    // unknown route
    rr = httptest.NewRecorder()
    s.EvaluateRiskHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/ai/risk/evaluate", bytes.NewReader([]byte(`{"routeId":"ghost"}`)))))
    if rr.Code != http.StatusNotFound { t.Fatalf("unknown route: %d", rr.Code) }
}

func TestEvaluateUnchangedIsOK(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    rr := httptest.NewRecorder()
    s.EvaluateRiskHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/ai/risk/evaluate", bytes.NewReader([]byte(`{"routeId":"r1"}`)))))
    if rr.Code != 200 { t.Fatalf("evaluate: %d %s", rr.Code, rr.Body.String()) }
    var res struct {
        RiskChanged bool   `json:"riskChanged"`
        Current     string `json:"current"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode: %v", err) }
    if res.RiskChanged || res.Current != "NORMAL" {
        t.Fatalf("quiet route should stay NORMAL: %+v", res)
    }
}

func TestResetWithoutElevationConflicts(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    rr := httptest.NewRecorder()
    s.ResetRiskHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/ai/risk/reset", bytes.NewReader([]byte(`{"routeId":"r1"}`)))))
    if rr.Code != http.StatusConflict { t.Fatalf("reset: %d", rr.Code) }
    var p Problem
    if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil || p.Code != "RISK_ALREADY_NORMAL" {
        t.Fatalf("problem: %+v, %v", p, err)
    }
}

func TestRecalculateAndInsight(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    body := []byte(`{"routeId":"r1","distanceRemainingKm":120,"avgSpeedKmh":60,"reason":"MANUAL"}`)
    rr := httptest.NewRecorder()
    s.RecalculateEtaHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/ai/eta/recalculate", bytes.NewReader(body))))
    if rr.Code != 200 { t.Fatalf("recalculate: %d %s", rr.Code, rr.Body.String()) }
    var res struct {
        Recalculated bool `json:"recalculated"`
        Insight      *struct {
            EtaAt *time.Time `json:"etaAt"`
        } `json:"insight"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode: %v", err) }
    if !res.Recalculated || res.Insight == nil || res.Insight.EtaAt == nil {
        t.Fatalf("result: %+v", res)
    }

    // the active insight is now readable
    rr = httptest.NewRecorder()
    s.RouteByIDHandler(rr, asOwner(httptest.NewRequest(http.MethodGet, "/v1/routes/r1/insight", nil)))
    if rr.Code != 200 { t.Fatalf("insight: %d", rr.Code) }
    var ri model.RouteInsight
    if err := json.Unmarshal(rr.Body.Bytes(), &ri); err != nil { t.Fatalf("decode insight: %v", err) }
    if ri.RouteID != "r1" || ri.Insight == "" {
        t.Fatalf("insight: %+v", ri)
    }
}

func TestInsightMissing(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)
    rr := httptest.NewRecorder()
    s.RouteByIDHandler(rr, asOwner(httptest.NewRequest(http.MethodGet, "/v1/routes/r1/insight", nil)))
    if rr.Code != http.StatusNotFound { t.Fatalf("insight: %d", rr.Code) }
    var p Problem
    if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil || p.Code != "NO_INSIGHT" {
        t.Fatalf("problem: %+v, %v", p, err)
    }
}

func TestIngestAndThrottle(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    body := []byte(`{"lat":-23.55,"lng":-46.63,"speedKmh":40}`)
    rr := httptest.NewRecorder()
    req := asDriver(httptest.NewRequest(http.MethodPost, "/v1/tracking/locations", bytes.NewReader(body)))
    req.Header.Set("Content-Type", "application/json")
    s.IngestLocationHandler(rr, req)
    if rr.Code != http.StatusAccepted { t.Fatalf("ingest: %d %s", rr.Code, rr.Body.String()) }
    var res struct {
        Accepted bool   `json:"accepted"`
        Stored   bool   `json:"stored"`
        Reason   string `json:"reason"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode: %v", err) }
    if !res.Accepted || !res.Stored { t.Fatalf("first ingest: %+v", res) }

    rr = httptest.NewRecorder()
    s.IngestLocationHandler(rr, asDriver(httptest.NewRequest(http.MethodPost, "/v1/tracking/locations", bytes.NewReader(body))))
    if rr.Code != http.StatusAccepted { t.Fatalf("second ingest: %d", rr.Code) }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode: %v", err) }
    if !res.Accepted || res.Stored || res.Reason != "THROTTLED" {
        t.Fatalf("second ingest should throttle: %+v", res)
    }
}

func TestIngestRateLimited(t *testing.T) {
    cfg := config.Default()
    cfg.Ingest.RatePerSecond = 1
    cfg.Ingest.RateBurst = 1
    s, err := NewServerWithConfig(cfg)
    if err != nil { t.Fatalf("server: %v", err) }
    t.Cleanup(s.Tracker.Close)

    body := []byte(`{"lat":1,"lng":1}`)
    rr := httptest.NewRecorder()
    s.IngestLocationHandler(rr, asDriver(httptest.NewRequest(http.MethodPost, "/v1/tracking/locations", bytes.NewReader(body))))
    // no active route, but the call consumed the only token
    if rr.Code != http.StatusConflict { t.Fatalf("first: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.IngestLocationHandler(rr, asDriver(httptest.NewRequest(http.MethodPost, "/v1/tracking/locations", bytes.NewReader(body))))
    if rr.Code != http.StatusTooManyRequests { t.Fatalf("second: %d", rr.Code) }
}

func TestLatestLocationShaped(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    // old enough for the client delay window too
    old := time.Now().UTC().Add(-10 * time.Minute)
    _, err := s.Store.InsertSnapshot(context.Background(), model.LocationSnapshot{
        ID: "snap-1", RouteID: "r1", DriverID: "drv-1",
        CapturedAt: old, RecordedAt: old, Lat: -23.550519, Lng: -46.633309,
    })
    if err != nil { t.Fatalf("seed snapshot: %v", err) }

    rr := httptest.NewRecorder()
    s.RouteByIDHandler(rr, asOwner(httptest.NewRequest(http.MethodGet, "/v1/routes/r1/location", nil)))
    if rr.Code != 200 { t.Fatalf("location: %d %s", rr.Code, rr.Body.String()) }
    var view struct {
        Lat                 float64 `json:"lat"`
        DelaySecondsApplied int     `json:"delaySecondsApplied"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil { t.Fatalf("decode: %v", err) }
    if view.Lat != -23.550519 || view.DelaySecondsApplied != 10 {
        t.Fatalf("owner view: %+v", view)
    }

    // client gets coarse coordinates
    rr = httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/v1/routes/r1/location", nil)
    req.Header.Set("X-User-Id", "c1")
    req.Header.Set("X-Role", auth.RoleClient)
    s.RouteByIDHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("client location: %d", rr.Code) }
    if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil { t.Fatalf("decode: %v", err) }
    if view.Lat != -23.55 || view.DelaySecondsApplied != 180 {
        t.Fatalf("client view: %+v", view)
    }
}

func TestDeliveryFlow(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    rr := httptest.NewRecorder()
    s.DeliveriesHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/deliveries", bytes.NewReader([]byte(`{"routeId":"r1","trackingCode":"RW-001"}`)))))
    if rr.Code != http.StatusCreated { t.Fatalf("create delivery: %d %s", rr.Code, rr.Body.String()) }
    var d model.Delivery
    if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil { t.Fatalf("decode: %v", err) }
    if d.Status != model.DeliveryCollected { t.Fatalf("delivery: %+v", d) }

    rr = httptest.NewRecorder()
    s.DeliveryByIDHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/deliveries/"+d.ID+"/status", bytes.NewReader([]byte(`{"status":"IN_TRANSIT"}`)))))
    if rr.Code != 200 { t.Fatalf("advance: %d %s", rr.Code, rr.Body.String()) }

    // backwards transition is rejected with the detail code
    rr = httptest.NewRecorder()
    s.DeliveryByIDHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/deliveries/"+d.ID+"/status", bytes.NewReader([]byte(`{"status":"COLLECTED"}`)))))
    if rr.Code != http.StatusConflict { t.Fatalf("backwards: %d", rr.Code) }
    var p Problem
    if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil || p.Code != "INVALID_STATUS_TRANSITION" {
        t.Fatalf("problem: %+v, %v", p, err)
    }

    rr = httptest.NewRecorder()
    s.DeliveryByIDHandler(rr, asOwner(httptest.NewRequest(http.MethodGet, "/v1/deliveries/"+d.ID, nil)))
    if rr.Code != 200 { t.Fatalf("get delivery: %d", rr.Code) }
}

func TestNotificationsListAndOpen(t *testing.T) {
    s := newTestServer(t)
    now := time.Now().UTC()
    _, err := s.Store.InsertNotification(context.Background(), model.Notification{
        ID: "n1", RecipientID: "owner-1", Type: model.NotifRiskAtRisk,
        Title: "Route at risk", Message: "x", RouteID: "r1", Status: "created", CreatedAt: now,
    })
    if err != nil { t.Fatalf("seed notification: %v", err) }

    rr := httptest.NewRecorder()
    s.NotificationsHandler(rr, asOwner(httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)))
    if rr.Code != 200 { t.Fatalf("list: %d", rr.Code) }
    var list struct{ Items []model.Notification `json:"items"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil { t.Fatalf("decode: %v", err) }
    if len(list.Items) != 1 || list.Items[0].ID != "n1" {
        t.Fatalf("items: %+v", list.Items)
    }

    rr = httptest.NewRecorder()
    s.NotificationByIDHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/notifications/n1/open", nil)))
    if rr.Code != 200 { t.Fatalf("open: %d %s", rr.Code, rr.Body.String()) }
    var n model.Notification
    if err := json.Unmarshal(rr.Body.Bytes(), &n); err != nil { t.Fatalf("decode: %v", err) }
    if n.Status != "opened" || n.OpenedAt == nil {
        t.Fatalf("opened: %+v", n)
    }

    // someone else's notification stays hidden
    rr = httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/notifications/n1/open", nil)
    req.Header.Set("X-User-Id", "other")
    s.NotificationByIDHandler(rr, req)
    if rr.Code != http.StatusNotFound { t.Fatalf("foreign open: %d", rr.Code) }
}

func TestMetricEventsAccepted(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.MetricEventsHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/metrics/events", bytes.NewReader([]byte(`{"eventName":"APP_OPENED"}`)))))
    if rr.Code != http.StatusAccepted { t.Fatalf("track: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.MetricEventsHandler(rr, asOwner(httptest.NewRequest(http.MethodPost, "/v1/metrics/events", bytes.NewReader([]byte(`{}`)))))
    if rr.Code != http.StatusBadRequest { t.Fatalf("missing name: %d", rr.Code) }
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
    hdr  http.Header
    buf  bytes.Buffer
    code int
}

func (r *sseRecorder) Header() http.Header { if r.hdr == nil { r.hdr = http.Header{} }; return r.hdr }
func (r *sseRecorder) WriteHeader(c int) { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush() {}

func TestRouteEventsSSE(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    sseReq := asOwner(httptest.NewRequest(http.MethodGet, "/v1/routes/r1/events/stream", nil))
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    sseReq = sseReq.WithContext(ctx)

    rec := &sseRecorder{}
    done := make(chan struct{})
    go func() {
        s.RouteByIDHandler(rec, sseReq)
        close(done)
    }()

    // give the handler time to subscribe and send the heartbeat
    time.Sleep(50 * time.Millisecond)
    s.Broker.Publish("r1", RouteEvent{Type: "risk_changed", Data: map[string]any{"routeId": "r1"}})

    deadline := time.Now().Add(500 * time.Millisecond)
    for time.Now().Before(deadline) {
        if bytes.Contains(rec.buf.Bytes(), []byte("event: risk_changed")) {
            break
        }
        time.Sleep(10 * time.Millisecond)
    }
    if !bytes.Contains(rec.buf.Bytes(), []byte("event: risk_changed")) {
        t.Fatalf("SSE did not contain expected event. Body: %s", rec.buf.String())
    }
    cancel()
    select {
    case <-done:
    case <-time.After(200 * time.Millisecond):
        t.Fatal("handler did not exit after cancel")
    }
}

func TestSSEForbiddenForForeignDriver(t *testing.T) {
    s := newTestServer(t)
    seedRoute(t, s)

    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/v1/routes/r1/events/stream", nil)
    req.Header.Set("X-User-Id", "u-x")
    req.Header.Set("X-Role", auth.RoleDriver)
    req.Header.Set("X-Driver-Id", "someone-else")
    s.RouteByIDHandler(rr, req)
    if rr.Code != http.StatusForbidden { t.Fatalf("foreign driver: %d", rr.Code) }
}

func TestRequestIDEchoedAndInProblems(t *testing.T) {
    s := newTestServer(t)
    h := s.Handler()

    // inbound id is echoed on the response and lands in problem bodies
    rr := httptest.NewRecorder()
    req := asOwner(httptest.NewRequest(http.MethodGet, "/v1/routes/ghost", nil))
    req.Header.Set("X-Request-Id", "req-123")
    h.ServeHTTP(rr, req)
    if rr.Code != http.StatusNotFound { t.Fatalf("ghost route: %d", rr.Code) }
    if got := rr.Header().Get("X-Request-Id"); got != "req-123" {
        t.Fatalf("echoed id = %q", got)
    }
    var p Problem
    if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil || p.RequestID != "req-123" {
        t.Fatalf("problem: %+v, %v", p, err)
    }

    // without an inbound id one is minted
    rr = httptest.NewRecorder()
    h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: %d", rr.Code) }
    if rr.Header().Get("X-Request-Id") == "" {
        t.Fatal("minted request id missing from response")
    }
}

func TestMetricPath(t *testing.T) {
    cases := map[string]string{
        "/v1/routes/abc/insight":      "/v1/routes/:id/insight",
        "/v1/deliveries/xyz/status":   "/v1/deliveries/:id/status",
        "/v1/notifications/n1/open":   "/v1/notifications/:id/open",
        "/v1/ai/risk/evaluate":        "/v1/ai/risk/evaluate",
        "/healthz":                    "/healthz",
    }
    for in, want := range cases {
        if got := metricPath(in); got != want {
            t.Fatalf("metricPath(%q) = %q, want %q", in, got, want)
        }
    }
}
