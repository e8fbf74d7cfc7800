// Package metrics exposes credential refresh events as prometheus metrics.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	namespace = "appsync_anon_auth"
	subsystem = "credential_cache"
)

// Observer records cache and refresh events for a single identity pool.
// It satisfies credentialexchange.Observer.
type Observer struct {
	logger     logrus.FieldLogger
	pool       string
	latencies  *prometheus.SummaryVec
	events     *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	refreshed  *prometheus.GaugeVec
}

// NewObserver registers the credential cache metrics with reg.
// A nil logger discards the refresh log lines.
func NewObserver(reg prometheus.Registerer, pool string, logger logrus.FieldLogger) *Observer {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	f := promauto.With(reg)
	return &Observer{
		logger: logger,
		pool:   pool,
		latencies: f.NewSummaryVec(prometheus.SummaryOpts{
			Help:      "Credential refresh latency in seconds per identity pool and status.",
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refresh_latency_seconds",
		}, []string{"pool", "status"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Help:      "Credential cache event count per identity pool.",
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
		}, []string{"pool", "event"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Help:      "Number of credential requests that overlapped with an in-flight refresh.",
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicates_total",
		}, []string{"pool"}),
		refreshed: f.NewGaugeVec(prometheus.GaugeOpts{
			Help:      "Unix time of the last successful credential refresh.",
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_refresh_timestamp_seconds",
		}, []string{"pool"}),
	}
}

func (o *Observer) OnCacheHit() {
	o.events.WithLabelValues(o.pool, "hit").Inc()
}

func (o *Observer) OnCacheMiss() {
	o.events.WithLabelValues(o.pool, "miss").Inc()
}

func (o *Observer) OnRefresh(latency time.Duration) {
	o.logger.WithField("latency", latency).Debug("credentials refreshed")
	o.refreshed.WithLabelValues(o.pool).SetToCurrentTime()
	o.latencies.WithLabelValues(o.pool, "success").Observe(latency.Seconds())
}

func (o *Observer) OnFailedRefresh(latency time.Duration) {
	o.latencies.WithLabelValues(o.pool, "failure").Observe(latency.Seconds())
}

func (o *Observer) OnDuplicateRequest() {
	o.duplicates.WithLabelValues(o.pool).Inc()
}
