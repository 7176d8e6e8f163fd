// Package metrics exposes driftwood's runtime counters as Prometheus
// gauges/counters over an HTTP debug endpoint, grounded on the teacher's
// core/system_health_logging.go registry-and-gauges shape but re-pointed
// at gossip/replication activity instead of ledger/chain statistics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "metrics")

// Metrics holds every Prometheus collector driftwood exposes, backed by a
// private registry rather than the global default (teacher's own
// HealthLogger does the same, avoiding cross-process collisions in tests).
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive       prometheus.Gauge
	fetchesInflight      prometheus.Gauge
	fetchesSucceeded     prometheus.Counter
	fetchesFailed        prometheus.Counter
	bytesSent            prometheus.Counter
	bytesReceived        prometheus.Counter
	announcementsRelayed *prometheus.CounterVec
	goroutines           prometheus.Gauge
}

// New creates a Metrics with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftwood_sessions_active",
			Help: "Number of active gossip sessions.",
		}),
		fetchesInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftwood_fetches_inflight",
			Help: "Number of fetch tasks currently in flight.",
		}),
		fetchesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftwood_fetches_succeeded_total",
			Help: "Total number of fetch tasks that completed successfully.",
		}),
		fetchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftwood_fetches_failed_total",
			Help: "Total number of fetch tasks that failed.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftwood_bytes_sent_total",
			Help: "Total bytes written to peer streams.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftwood_bytes_received_total",
			Help: "Total bytes read from peer streams.",
		}),
		announcementsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftwood_announcements_relayed_total",
			Help: "Total number of gossip announcements relayed, by kind.",
		}, []string{"kind"}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftwood_goroutines",
			Help: "Number of running goroutines.",
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.fetchesInflight,
		m.fetchesSucceeded,
		m.fetchesFailed,
		m.bytesSent,
		m.bytesReceived,
		m.announcementsRelayed,
		m.goroutines,
	)
	return m
}

// SetSessionsActive records the current active session count.
func (m *Metrics) SetSessionsActive(n int) { m.sessionsActive.Set(float64(n)) }

// SetFetchesInflight records the current in-flight fetch count.
func (m *Metrics) SetFetchesInflight(n int) { m.fetchesInflight.Set(float64(n)) }

// FetchCompleted records a completed fetch task's outcome.
func (m *Metrics) FetchCompleted(success bool) {
	if success {
		m.fetchesSucceeded.Inc()
	} else {
		m.fetchesFailed.Inc()
	}
}

// AddBytesSent adds n to the sent-bytes counter.
func (m *Metrics) AddBytesSent(n int) { m.bytesSent.Add(float64(n)) }

// AddBytesReceived adds n to the received-bytes counter.
func (m *Metrics) AddBytesReceived(n int) { m.bytesReceived.Add(float64(n)) }

// AnnouncementRelayed increments the relay counter for the given message
// kind (spec.md §4.4's NodeAnnouncement/InventoryAnnouncement/
// RefsAnnouncement relay path).
func (m *Metrics) AnnouncementRelayed(kind string) {
	m.announcementsRelayed.WithLabelValues(kind).Inc()
}

// RunCollector periodically samples runtime.NumGoroutine into the
// goroutines gauge until ctx is cancelled, mirroring the teacher's
// RunMetricsCollector ticker loop.
func (m *Metrics) RunCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		case <-ctx.Done():
			return
		}
	}
}

// DebugMux builds the chi router serving /metrics, used as the HTTP debug
// endpoint mentioned in SPEC_FULL.md's ambient stack.
func (m *Metrics) DebugMux() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// StartServer serves the debug mux on addr in the background, returning
// the *http.Server so the caller can shut it down.
func (m *Metrics) StartServer(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: m.DebugMux()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// ShutdownServer gracefully stops a server returned by StartServer.
func (m *Metrics) ShutdownServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
