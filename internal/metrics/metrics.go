// Package metrics collects and exposes Prometheus metrics for the live
// session core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector gathers coordination-layer metrics. A nil *Collector is safe to
// call; components created without metrics simply record nothing.
type Collector struct {
	challengesCreated  prometheus.Counter
	challengesResolved *prometheus.CounterVec
	matchesMade        *prometheus.CounterVec
	movesApplied       prometheus.Counter
	movesRejected      prometheus.Counter
	boardResyncs       prometheus.Counter
	confirmLatency     prometheus.Histogram
	openConnections    prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		challengesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clubmaster_challenges_created_total",
			Help: "Bet challenges created.",
		}),
		challengesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clubmaster_challenges_resolved_total",
			Help: "Bet challenges by terminal status.",
		}, []string{"status"}),
		matchesMade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clubmaster_matches_total",
			Help: "Game sessions created, by pairing kind.",
		}, []string{"kind"}),
		movesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clubmaster_moves_applied_total",
			Help: "Moves applied to live game sessions.",
		}),
		movesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clubmaster_moves_rejected_total",
			Help: "Moves rejected (illegal, out of turn, or stale).",
		}),
		boardResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clubmaster_board_resyncs_total",
			Help: "request_board_sync reconciliations served.",
		}),
		confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clubmaster_move_confirm_latency_seconds",
			Help:    "Latency from move receipt to confirmation.",
			Buckets: prometheus.DefBuckets,
		}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clubmaster_open_connections",
			Help: "Currently open websocket connections.",
		}),
	}

	reg.MustRegister(
		c.challengesCreated,
		c.challengesResolved,
		c.matchesMade,
		c.movesApplied,
		c.movesRejected,
		c.boardResyncs,
		c.confirmLatency,
		c.openConnections,
	)
	return c
}

func (c *Collector) RecordChallengeCreated() {
	if c != nil {
		c.challengesCreated.Inc()
	}
}

func (c *Collector) RecordChallengeResolved(status string) {
	if c != nil {
		c.challengesResolved.WithLabelValues(status).Inc()
	}
}

func (c *Collector) RecordMatch(kind string) {
	if c != nil {
		c.matchesMade.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) RecordMoveApplied() {
	if c != nil {
		c.movesApplied.Inc()
	}
}

func (c *Collector) RecordMoveRejected() {
	if c != nil {
		c.movesRejected.Inc()
	}
}

func (c *Collector) RecordBoardResync() {
	if c != nil {
		c.boardResyncs.Inc()
	}
}

func (c *Collector) RecordConfirmLatency(d time.Duration) {
	if c != nil {
		c.confirmLatency.Observe(d.Seconds())
	}
}

func (c *Collector) SetOpenConnections(n int) {
	if c != nil {
		c.openConnections.Set(float64(n))
	}
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute returns an HTTP handler serving /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
