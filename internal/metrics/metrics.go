// Package metrics keeps the daemon's Prometheus collectors and writes them
// to a node-exporter textfile on every tick.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/msageha/specsync/internal/cache"
	"github.com/msageha/specsync/internal/events"
	"github.com/msageha/specsync/internal/model"
	"github.com/msageha/specsync/internal/syncer"
)

type Metrics struct {
	registry *prometheus.Registry

	// Router
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	Suspensions      *prometheus.CounterVec
	Pending          *prometheus.GaugeVec
	Suspended        *prometheus.GaugeVec
	DeadLetters      prometheus.Gauge

	// Sync
	Transactions        *prometheus.CounterVec
	TransactionDuration prometheus.Histogram

	// Consistency
	Verdicts   *prometheus.CounterVec
	Confidence prometheus.Histogram

	// Arbiter
	Conflicts        *prometheus.CounterVec
	PendingConflicts prometheus.Gauge

	// Tracker
	ActiveAssignments prometheus.Gauge
	Completions       *prometheus.CounterVec

	CacheHits   prometheus.Gauge
	CacheMisses prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specsync_router_deliveries_total",
				Help: "Handler invocations by subscriber, event category and result",
			},
			[]string{"subscriber", "category", "success"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "specsync_router_delivery_seconds",
				Help:    "Handler run time in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"subscriber"},
		),
		Suspensions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specsync_router_suspensions_total",
				Help: "Times a subscriber tripped its breaker",
			},
			[]string{"subscriber"},
		),
		Pending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "specsync_router_pending_events",
				Help: "Undelivered events per subscriber",
			},
			[]string{"subscriber"},
		),
		Suspended: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "specsync_router_suspended",
				Help: "1 while the subscriber is suspended",
			},
			[]string{"subscriber"},
		),
		DeadLetters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "specsync_router_dead_letters",
			Help: "Events waiting in the dead-letter queue",
		}),

		Transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specsync_transactions_total",
				Help: "Sync transactions by outcome",
			},
			[]string{"outcome"},
		),
		TransactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "specsync_transaction_seconds",
			Help:    "Sync transaction duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		Verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specsync_verdicts_total",
				Help: "Consistency verdicts by status",
			},
			[]string{"status"},
		),
		Confidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "specsync_verdict_confidence",
			Help:    "Confidence of non-consistent verdicts",
			Buckets: []float64{0.2, 0.35, 0.5, 0.55, 0.7, 0.75, 0.8, 1},
		}),

		Conflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specsync_conflicts_total",
				Help: "Conflict state changes by resulting state and resolver",
			},
			[]string{"state", "resolved_by"},
		),
		PendingConflicts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "specsync_conflicts_pending",
			Help: "Conflicts waiting for manual resolution",
		}),

		ActiveAssignments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "specsync_assignments_active",
			Help: "In-progress assignment records",
		}),
		Completions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specsync_assignments_closed_total",
				Help: "Assignment records closed, by final status",
			},
			[]string{"status"},
		),

		CacheHits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "specsync_snapshot_cache_hits",
			Help: "Snapshot cache hits since start",
		}),
		CacheMisses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "specsync_snapshot_cache_misses",
			Help: "Snapshot cache misses since start",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDelivery matches events.Options.OnDelivery.
func (m *Metrics) ObserveDelivery(subscriber string, ev events.Event, elapsed time.Duration, err error) {
	m.Deliveries.WithLabelValues(subscriber, string(ev.Category), fmt.Sprint(err == nil)).Inc()
	m.DeliveryDuration.WithLabelValues(subscriber).Observe(elapsed.Seconds())
}

// ObserveSuspend matches events.Options.OnSuspend.
func (m *Metrics) ObserveSuspend(subscriber string, _ error) {
	m.Suspensions.WithLabelValues(subscriber).Inc()
}

// ObserveTransaction matches syncer.Options.OnFinish.
func (m *Metrics) ObserveTransaction(rc syncer.Receipt) {
	m.Transactions.WithLabelValues(string(rc.Outcome)).Inc()
	if rc.Outcome != syncer.OutcomeNoop {
		m.TransactionDuration.Observe(rc.Duration.Seconds())
	}
}

func (m *Metrics) ObserveVerdict(v model.ConsistencyVerdict) {
	m.Verdicts.WithLabelValues(string(v.Status)).Inc()
	if v.Status != model.VerdictConsistent {
		m.Confidence.Observe(v.Confidence)
	}
}

// ObserveConflict matches arbiter.Options.OnSettle.
func (m *Metrics) ObserveConflict(cf model.Conflict) {
	m.Conflicts.WithLabelValues(string(cf.State), cf.ResolvedBy).Inc()
}

// ObserveClosed matches tracker.Options.OnClose.
func (m *Metrics) ObserveClosed(rec model.AssignmentRecord) {
	m.Completions.WithLabelValues(string(rec.Status)).Inc()
}

// Gauges is the point-in-time state sampled on each tick.
type Gauges struct {
	Subscribers       []events.SubscriberStats
	DeadLetters       int
	PendingConflicts  int
	ActiveAssignments int
	Cache             cache.Stats
}

func (m *Metrics) Sample(g Gauges) {
	m.Pending.Reset()
	m.Suspended.Reset()
	for _, s := range g.Subscribers {
		m.Pending.WithLabelValues(s.Name).Set(float64(s.Pending))
		suspended := 0.0
		if s.Suspended {
			suspended = 1
		}
		m.Suspended.WithLabelValues(s.Name).Set(suspended)
	}
	m.DeadLetters.Set(float64(g.DeadLetters))
	m.PendingConflicts.Set(float64(g.PendingConflicts))
	m.ActiveAssignments.Set(float64(g.ActiveAssignments))
	m.CacheHits.Set(float64(g.Cache.Hits))
	m.CacheMisses.Set(float64(g.Cache.Misses))
}

// WriteTextfile writes the registry in the text exposition format. The file
// is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
