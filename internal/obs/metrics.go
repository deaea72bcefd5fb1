// Package obs holds the prometheus metrics of the agent.
package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conquest.eth/internal/persistence/pendingdb"
)

type Metrics struct {
	Registry *prometheus.Registry

	OpsTotal    *prometheus.CounterVec   // op, code=OK|E_*
	OpLatencyMS *prometheus.HistogramVec // op

	LedgerCallsTotal *prometheus.CounterVec // method, result=ok|rejected|error
	EventsTotal      *prometheus.CounterVec // kind

	Fleets *prometheus.GaugeVec // stage=unsubmitted|in_flight|resolved
	Exits  *prometheus.GaugeVec // stage=in_progress|completed|interrupted|withdrawn

	SweepRunsTotal prometheus.Counter
	SweepLastUnix  prometheus.Gauge

	BackupsTotal *prometheus.CounterVec // stage=export|upload, result=ok|error
}

// NewMetrics registers on a private registry so several engines can coexist in one
// process.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conquest_ops_total",
				Help: "Engine operations by result code",
			},
			[]string{"op", "code"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conquest_op_latency_ms",
				Help:    "Latency of engine operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
			},
			[]string{"op"},
		),
		LedgerCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conquest_ledger_calls_total",
				Help: "Ledger calls by method and result",
			},
			[]string{"method", "result"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conquest_events_total",
				Help: "Lifecycle events emitted by kind",
			},
			[]string{"kind"},
		),
		Fleets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conquest_fleets",
				Help: "Locally tracked fleets by stage",
			},
			[]string{"stage"},
		),
		Exits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conquest_exits",
				Help: "Locally tracked exits by stage",
			},
			[]string{"stage"},
		),
		SweepRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conquest_sweep_runs_total",
			Help: "Completed sweep runs",
		}),
		SweepLastUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conquest_sweep_last_ledger_time",
			Help: "Ledger time of the last completed sweep",
		}),
		BackupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conquest_backups_total",
				Help: "Pending store backups by stage and result",
			},
			[]string{"stage", "result"},
		),
	}

	m.Registry.MustRegister(
		m.OpsTotal,
		m.OpLatencyMS,
		m.LedgerCallsTotal,
		m.EventsTotal,
		m.Fleets,
		m.Exits,
		m.SweepRunsTotal,
		m.SweepLastUnix,
		m.BackupsTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveOp records one engine operation. Safe on a nil receiver.
func (m *Metrics) ObserveOp(op, code string, started time.Time) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(op, code).Inc()
	m.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(started).Microseconds()) / 1000)
}

func (m *Metrics) ObserveLedger(method, result string) {
	if m == nil {
		return
	}
	m.LedgerCallsTotal.WithLabelValues(method, result).Inc()
}

func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// ObserveStore sets the gauges from store counts.
func (m *Metrics) ObserveStore(s pendingdb.Stats) {
	if m == nil {
		return
	}
	m.Fleets.WithLabelValues("unsubmitted").Set(float64(s.FleetsUnsubmitted))
	m.Fleets.WithLabelValues("in_flight").Set(float64(s.FleetsInFlight))
	m.Fleets.WithLabelValues("resolved").Set(float64(s.FleetsResolved))
	m.Exits.WithLabelValues("in_progress").Set(float64(s.ExitsInProgress))
	m.Exits.WithLabelValues("completed").Set(float64(s.ExitsCompleted))
	m.Exits.WithLabelValues("interrupted").Set(float64(s.ExitsInterrupted))
	m.Exits.WithLabelValues("withdrawn").Set(float64(s.ExitsWithdrawn))
}

func (m *Metrics) ObserveSweep(now int64) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.Inc()
	m.SweepLastUnix.Set(float64(now))
}

func (m *Metrics) ObserveBackup(stage string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackupsTotal.WithLabelValues(stage, result).Inc()
}
