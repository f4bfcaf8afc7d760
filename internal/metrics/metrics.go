package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // RiskTransitions counts applied risk level changes by from/to state
    RiskTransitions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "risk_transitions_total", Help: "Risk level transitions by previous and next state."},
        []string{"from", "to"},
    )
    // RiskEvaluations counts evaluation runs by trigger reason and outcome
    RiskEvaluations = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "risk_evaluations_total", Help: "Risk evaluations by reason and outcome."},
        []string{"reason", "outcome"},
    )
    // EtaRecalcs counts recalculation attempts by outcome (ok/throttled)
    EtaRecalcs = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "eta_recalculations_total", Help: "ETA recalculations by outcome."},
        []string{"outcome"},
    )
    // NotificationOutcomes counts dispatch attempts by type and result
    NotificationOutcomes = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "notification_outcomes_total", Help: "Notification attempts by type and outcome."},
        []string{"type", "outcome"},
    )
    // IngestResults counts location ingest calls by result (stored/throttled/rejected)
    IngestResults = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "location_ingest_total", Help: "Location ingest attempts by result."},
        []string{"result"},
    )
    // TrackerDropped counts analytics events discarded under backpressure
    TrackerDropped = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "analytics_events_dropped_total", Help: "Analytics events dropped due to a full queue."},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func() {
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(RiskTransitions)
        Registry.MustRegister(RiskEvaluations)
        Registry.MustRegister(EtaRecalcs)
        Registry.MustRegister(NotificationOutcomes)
        Registry.MustRegister(IngestResults)
        Registry.MustRegister(TrackerDropped)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
