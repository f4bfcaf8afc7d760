package api

import (
    "log"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "routewatch/internal/analytics"
    "routewatch/internal/auth"
    "routewatch/internal/config"
    "routewatch/internal/deliveries"
    "routewatch/internal/engine"
    "routewatch/internal/metrics"
    "routewatch/internal/notify"
    "routewatch/internal/requestid"
    "routewatch/internal/store"
    "routewatch/internal/tracking"
)

type Server struct {
    Cfg    config.Config
    Store  store.Store
    Auth   *auth.Verifier
    Broker EventBroker

    Engine     *engine.Engine
    Tracking   *tracking.Service
    Deliveries *deliveries.Service
    Dispatcher *notify.Dispatcher
    Tracker    *analytics.Tracker

    ingestLim *ingestLimiter
}

// NewServer wires the full service from environment config. With no
// DATABASE_URL it runs on the in-memory store; with no REDIS_URL the
// event broker is process-local.
func NewServer() (*Server, error) {
    cfg, err := config.Load()
    if err != nil { return nil, err }
    return NewServerWithConfig(cfg)
}

func NewServerWithConfig(cfg config.Config) (*Server, error) {
    metrics.RegisterDefault()

    var st store.Store
    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        st = store.NewMemory()
    } else {
        pg, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil { return nil, err }
        if cfg.Migrate {
            if err := pg.MigrateDir("db/migrations"); err != nil {
                log.Printf("migrations: %v", err)
            }
        }
        st = pg
    }

    var broker EventBroker
    if cfg.RedisURL != "" {
        if rb, err := NewRedisBroker(cfg.RedisURL); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }

    tracker := analytics.NewTracker(st)
    dispatcher := notify.NewDispatcher(st, tracker, notify.LimitsFrom(cfg.Notify))
    eng := engine.New(st, dispatcher, tracker, brokerPublisher{broker: broker}, cfg)

    return &Server{
        Cfg:        cfg,
        Store:      st,
        Auth:       auth.NewVerifierFromEnv(),
        Broker:     broker,
        Engine:     eng,
        Tracking:   tracking.NewService(st, cfg),
        Deliveries: deliveries.NewService(st, dispatcher, tracker),
        Dispatcher: dispatcher,
        Tracker:    tracker,
        ingestLim:  newIngestLimiter(cfg.Ingest.RatePerSecond, cfg.Ingest.RateBurst),
    }, nil
}

// Routes registers every handler on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
    mux := http.NewServeMux()

    // risk and eta operations
    mux.HandleFunc("/v1/ai/risk/evaluate", s.EvaluateRiskHandler)
    mux.HandleFunc("/v1/ai/risk/reset", s.ResetRiskHandler)
    mux.HandleFunc("/v1/ai/eta/recalculate", s.RecalculateEtaHandler)

    // routes: insight, location, audit events and live streams
    mux.HandleFunc("/v1/routes", s.RoutesHandler)
    mux.HandleFunc("/v1/routes/", s.RouteByIDHandler)

    // driver location ingestion
    mux.HandleFunc("/v1/tracking/locations", s.IngestLocationHandler)

    // deliveries
    mux.HandleFunc("/v1/deliveries", s.DeliveriesHandler)
    mux.HandleFunc("/v1/deliveries/", s.DeliveryByIDHandler)

    // notifications
    mux.HandleFunc("/v1/notifications", s.NotificationsHandler)
    mux.HandleFunc("/v1/notifications/", s.NotificationByIDHandler)

    // analytics
    mux.HandleFunc("/v1/metrics/events", s.MetricEventsHandler)

    // ops
    mux.HandleFunc("/healthz", s.HealthHandler)
    mux.HandleFunc("/readyz", s.ReadyHandler)
    mux.HandleFunc("/debug/info", s.DebugInfoHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    return mux
}

// Handler wraps the mux with request-id correlation, logging and
// request metrics.
func (s *Server) Handler() http.Handler {
    return withMetrics(withRequestID(s.Routes()))
}

// withRequestID honors an inbound X-Request-Id or mints one, echoes it
// on the response, and carries it in the request context so downstream
// writes (audit events, notifications, metric events) can correlate.
func withRequestID(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        id := strings.TrimSpace(r.Header.Get(requestid.Header))
        if id == "" { id = uuid.NewString() }
        w.Header().Set(requestid.Header, id)
        next.ServeHTTP(w, r.WithContext(requestid.With(r.Context(), id)))
    })
}

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
    if f, ok := r.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

func withMetrics(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(rec, r)
        dur := time.Since(start)
        path := metricPath(r.URL.Path)
        status := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
        log.Printf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, rec.status, dur)
    })
}

// metricPath collapses ids so the label space stays bounded. Only the
// collections that embed an id in the path need it.
func metricPath(p string) string {
    for _, prefix := range []string{"/v1/routes/", "/v1/deliveries/", "/v1/notifications/"} {
        if !strings.HasPrefix(p, prefix) {
            continue
        }
        rest := strings.TrimPrefix(p, prefix)
        parts := strings.Split(rest, "/")
        parts[0] = ":id"
        return prefix + strings.Join(parts, "/")
    }
    return p
}
