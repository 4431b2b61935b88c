// Package metrics exposes keel component counters as Prometheus
// metrics. The collector reads component stats on scrape; components
// stay unaware of the metrics pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumgrid/keel/consistency"
	"github.com/quorumgrid/keel/faults"
	"github.com/quorumgrid/keel/recovery"
)

var (
	descErrorsTotal = prometheus.NewDesc(
		"keel_errors_total",
		"Terminal failures recorded by the error handler, by operation type.",
		[]string{"type"}, nil,
	)
	descBreakerState = prometheus.NewDesc(
		"keel_breaker_state",
		"Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		nil, nil,
	)
	descChecksRun = prometheus.NewDesc(
		"keel_consistency_checks_total",
		"Consistency checks run.",
		nil, nil,
	)
	descIssuesFound = prometheus.NewDesc(
		"keel_consistency_issues_total",
		"Issues found by consistency checks.",
		nil, nil,
	)
	descRepairsApplied = prometheus.NewDesc(
		"keel_consistency_repairs_total",
		"Repairs applied by auto-repair.",
		nil, nil,
	)
	descIncompleteOps = prometheus.NewDesc(
		"keel_incomplete_operations",
		"Operations recorded as in-flight and not yet completed.",
		nil, nil,
	)
)

// Collector scrapes stats from the components it was built with. Any
// component may be nil; its metrics are simply omitted.
type Collector struct {
	handler *faults.Handler
	checker *consistency.Checker
	manager *recovery.Manager
}

func NewCollector(handler *faults.Handler, checker *consistency.Checker, manager *recovery.Manager) *Collector {
	return &Collector{handler: handler, checker: checker, manager: manager}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	if c.handler != nil {
		ch <- descErrorsTotal
		ch <- descBreakerState
	}
	if c.checker != nil {
		ch <- descChecksRun
		ch <- descIssuesFound
		ch <- descRepairsApplied
	}
	if c.manager != nil {
		ch <- descIncompleteOps
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.handler != nil {
		stats := c.handler.Stats()
		for typ, count := range stats.ByType {
			ch <- prometheus.MustNewConstMetric(descErrorsTotal, prometheus.CounterValue, float64(count), typ)
		}
		if b := c.handler.Breaker(); b != nil {
			ch <- prometheus.MustNewConstMetric(descBreakerState, prometheus.GaugeValue, float64(b.State()))
		}
	}
	if c.checker != nil {
		stats := c.checker.Stats()
		ch <- prometheus.MustNewConstMetric(descChecksRun, prometheus.CounterValue, float64(stats.ChecksRun))
		ch <- prometheus.MustNewConstMetric(descIssuesFound, prometheus.CounterValue, float64(stats.IssuesFound))
		ch <- prometheus.MustNewConstMetric(descRepairsApplied, prometheus.CounterValue, float64(stats.RepairsApplied))
	}
	if c.manager != nil {
		ch <- prometheus.MustNewConstMetric(descIncompleteOps, prometheus.GaugeValue, float64(len(c.manager.IncompleteOperations())))
	}
}
