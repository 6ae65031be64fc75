// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"grimm.is/synguard/internal/conntable"
)

// Metrics holds all synguard Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Table metrics, labelled by shard
	TableEntries    *prometheus.GaugeVec
	TableSwaps      *prometheus.CounterVec
	TableEvicted    *prometheus.CounterVec
	TablePromotions *prometheus.CounterVec
	TableRejected   *prometheus.CounterVec

	// Classifier metrics
	Decisions       *prometheus.CounterVec
	CookiesIssued   prometheus.Counter
	CookiesRejected prometheus.Counter

	// Validity filter
	PacketsFiltered *prometheus.CounterVec

	// Ad hoc named counters
	Counters *Counters
}

// NewMetrics creates the metric set and registers it, together with the Go
// runtime collectors, on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		TableEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synguard_table_entries",
			Help: "Number of flows held per table generation",
		}, []string{"shard", "generation"}),

		TableSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synguard_table_swaps_total",
			Help: "Total number of generation rotations",
		}, []string{"shard"}),

		TableEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synguard_table_evicted_total",
			Help: "Total number of flows dropped with an expired generation",
		}, []string{"shard"}),

		TablePromotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synguard_table_promotions_total",
			Help: "Total number of flows copied from the old into the current generation",
		}, []string{"shard"}),

		TableRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synguard_table_rejected_total",
			Help: "Total number of inserts refused because the table was full",
		}, []string{"shard"}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synguard_decisions_total",
			Help: "Total number of packet decisions by action",
		}, []string{"action"}),

		CookiesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synguard_cookies_issued_total",
			Help: "Total number of SYN cookies handed out",
		}),

		CookiesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synguard_cookies_rejected_total",
			Help: "Total number of ACKs carrying an invalid or expired cookie",
		}),

		PacketsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synguard_packets_filtered_total",
			Help: "Total number of packets removed by the IPv4 validity filter",
		}, []string{"reason"}),
	}
	m.Counters = NewCounters("synguard_events_total", "Ad hoc event counters by name")

	m.registry.MustRegister(m)
	m.registry.MustRegister(m.Counters)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.TableEntries.Describe(ch)
	m.TableSwaps.Describe(ch)
	m.TableEvicted.Describe(ch)
	m.TablePromotions.Describe(ch)
	m.TableRejected.Describe(ch)

	m.Decisions.Describe(ch)
	m.CookiesIssued.Describe(ch)
	m.CookiesRejected.Describe(ch)

	m.PacketsFiltered.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.TableEntries.Collect(ch)
	m.TableSwaps.Collect(ch)
	m.TableEvicted.Collect(ch)
	m.TablePromotions.Collect(ch)
	m.TableRejected.Collect(ch)

	m.Decisions.Collect(ch)
	m.CookiesIssued.Collect(ch)
	m.CookiesRejected.Collect(ch)

	m.PacketsFiltered.Collect(ch)
}

// ObserveTable publishes generation sizes of one shard's table.
func (m *Metrics) ObserveTable(shard int, stats conntable.Stats) {
	label := strconv.Itoa(shard)
	m.TableEntries.WithLabelValues(label, "current").Set(float64(stats.Current))
	m.TableEntries.WithLabelValues(label, "old").Set(float64(stats.Old))
}

// TableObserver returns a conntable.Observer feeding the counters of one
// shard.
func (m *Metrics) TableObserver(shard int) conntable.Observer {
	label := strconv.Itoa(shard)
	return &tableObserver{
		swaps:      m.TableSwaps.WithLabelValues(label),
		evicted:    m.TableEvicted.WithLabelValues(label),
		promotions: m.TablePromotions.WithLabelValues(label),
		rejected:   m.TableRejected.WithLabelValues(label),
	}
}

// tableObserver holds pre-resolved children so the packet path does not pay
// for label lookups.
type tableObserver struct {
	swaps, evicted, promotions, rejected prometheus.Counter
}

func (o *tableObserver) Swapped(evicted, _ int) {
	o.swaps.Inc()
	o.evicted.Add(float64(evicted))
}

func (o *tableObserver) Promoted() { o.promotions.Inc() }
func (o *tableObserver) Rejected() { o.rejected.Inc() }
