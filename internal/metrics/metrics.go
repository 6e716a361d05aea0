// Package metrics holds the prometheus collectors of the relay. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ais-virtualnet/backend/internal/models"
)

const namespace = "aisvnet"

// Metrics groups all collectors.
type Metrics struct {
	reportsBroadcast *prometheus.CounterVec
	reportsSubmitted prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	enqueueDrops     prometheus.Counter
	rateLimited      prometheus.Counter
	sessionsEvicted  *prometheus.CounterVec
	sessions         prometheus.Gauge
	presenceEntries  prometheus.Gauge
	reservations     *prometheus.CounterVec
	authAttempts     *prometheus.CounterVec
	sinkDrops        prometheus.Counter
	feedReconnects   prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reportsBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_broadcast_total",
			Help:      "Total number of reports fanned out to sessions.",
		}, []string{"kind"}),
		reportsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_submitted_total",
			Help:      "Total number of reports submitted by clients.",
		}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of sentences that failed to decode.",
		}, []string{"origin"}),
		enqueueDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_drops_total",
			Help:      "Total number of reports dropped because a session queue was full.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_rate_limited_total",
			Help:      "Total number of client submissions dropped by the inbound rate limit.",
		}),
		sessionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed, by reason.",
		}, []string{"reason"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of connected streaming sessions.",
		}),
		presenceEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_entries",
			Help:      "Number of entries in the target table after the last sweep.",
		}),
		reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Total number of MMSI reservation requests, by result.",
		}, []string{"result"}),
		authAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of credential checks, by outcome.",
		}, []string{"outcome"}),
		sinkDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_drops_total",
			Help:      "Total number of reports dropped by the upstream sink.",
		}),
		feedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Total number of backing feed reconnects.",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(reg,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Timeout: 10 * time.Second}))
}

func (m *Metrics) ReportBroadcast(kind models.ReportKind) {
	if m == nil {
		return
	}
	m.reportsBroadcast.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ReportSubmitted() {
	if m == nil {
		return
	}
	m.reportsSubmitted.Inc()
}

// DecodeError counts a failed decode; origin is "feed" or "client".
func (m *Metrics) DecodeError(origin string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(origin).Inc()
}

func (m *Metrics) EnqueueDrop() {
	if m == nil {
		return
	}
	m.enqueueDrops.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsEvicted.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) SetPresenceEntries(n int) {
	if m == nil {
		return
	}
	m.presenceEntries.Set(float64(n))
}

func (m *Metrics) Reservation(result models.ReserveResult) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(string(result)).Inc()
}

// AuthAttempt counts a credential check; ok selects the outcome label.
func (m *Metrics) AuthAttempt(ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SinkDrop() {
	if m == nil {
		return
	}
	m.sinkDrops.Inc()
}

func (m *Metrics) FeedReconnect() {
	if m == nil {
		return
	}
	m.feedReconnects.Inc()
}
