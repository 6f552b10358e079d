package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/auditmarket-core/internal/core/port"
)

// DefaultNamespace prefixes every collector of the service.
const DefaultNamespace = "auditmarket"

// MetricsOptions controls construction of the domain collectors.
type MetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// Metrics bundles the sync, presence and escrow collectors.
type Metrics struct {
	syncPending    *prometheus.GaugeVec
	syncReconcile  *prometheus.HistogramVec
	syncErrors     *prometheus.CounterVec
	syncConflicts  *prometheus.CounterVec
	syncDropped    *prometheus.CounterVec
	presenceRooms  *prometheus.GaugeVec
	presenceFailed *prometheus.CounterVec
	escrowReleases *prometheus.CounterVec
	escrowFunding  *prometheus.CounterVec
	processorTime  *prometheus.HistogramVec
}

var (
	_ port.SyncMetrics     = (*Metrics)(nil)
	_ port.PresenceMetrics = (*Metrics)(nil)
	_ port.EscrowMetrics   = (*Metrics)(nil)
)

// NewMetrics registers the collectors. Collectors already registered under the same name are reused.
func NewMetrics(opts MetricsOptions) (*Metrics, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{}
	var err error

	if m.syncPending, err = Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "sync", Name: "pending_mutations",
		Help: "Queued local mutations not yet acknowledged, partitioned by table.",
	}, []string{"table"})); err != nil {
		return nil, err
	}
	if m.syncReconcile, err = Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "sync", Name: "reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes partitioned by table and result.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table", "result"})); err != nil {
		return nil, err
	}
	if m.syncErrors, err = Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "sync", Name: "reconcile_errors_total",
		Help: "Failed reconciliation passes partitioned by table.",
	}, []string{"table"})); err != nil {
		return nil, err
	}
	if m.syncConflicts, err = Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "sync", Name: "conflicts_total",
		Help: "Version conflicts resolved, partitioned by table and policy.",
	}, []string{"table", "policy"})); err != nil {
		return nil, err
	}
	if m.syncDropped, err = Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "sync", Name: "dropped_mutations_total",
		Help: "Local mutations dropped without being applied, partitioned by table and reason.",
	}, []string{"table", "reason"})); err != nil {
		return nil, err
	}
	if m.presenceRooms, err = Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "presence", Name: "participants",
		Help: "Participants currently visible per joined room.",
	}, []string{"room"})); err != nil {
		return nil, err
	}
	if m.presenceFailed, err = Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "presence", Name: "subscription_failures_total",
		Help: "Presence channel subscriptions that failed or degraded, partitioned by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.escrowReleases, err = Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "escrow", Name: "releases_total",
		Help: "Milestone release attempts partitioned by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.escrowFunding, err = Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "escrow", Name: "fundings_total",
		Help: "Contract funding attempts partitioned by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.processorTime, err = Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "escrow", Name: "processor_duration_seconds",
		Help:    "Payment processor call latency partitioned by operation and result.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation", "result"})); err != nil {
		return nil, err
	}

	return m, nil
}

// Register registers collector, or returns the collector already registered under the same
// descriptor when its type matches.
func Register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(C)
			if !ok {
				var zero C
				return zero, fmt.Errorf("existing collector has wrong type %T", already.ExistingCollector)
			}
			return existing, nil
		}
		var zero C
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return collector, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) SetPending(table string, pending int) {
	m.syncPending.WithLabelValues(table).Set(float64(pending))
}

func (m *Metrics) ObserveReconcile(table string, d time.Duration, err error) {
	m.syncReconcile.WithLabelValues(table, result(err)).Observe(d.Seconds())
	if err != nil {
		m.syncErrors.WithLabelValues(table).Inc()
	}
}

func (m *Metrics) IncConflict(table, policy string) {
	m.syncConflicts.WithLabelValues(table, policy).Inc()
}

func (m *Metrics) IncDropped(table, reason string) {
	m.syncDropped.WithLabelValues(table, reason).Inc()
}

// SetParticipants records the room size; a zero count removes the series so left rooms do not linger.
func (m *Metrics) SetParticipants(room string, count int) {
	if count == 0 {
		m.presenceRooms.DeleteLabelValues(room)
		return
	}
	m.presenceRooms.WithLabelValues(room).Set(float64(count))
}

func (m *Metrics) IncSubscriptionFailure(reason string) {
	m.presenceFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRelease(outcome string) {
	m.escrowReleases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFunding(outcome string) {
	m.escrowFunding.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveProcessor(operation string, d time.Duration, err error) {
	m.processorTime.WithLabelValues(operation, result(err)).Observe(d.Seconds())
}
