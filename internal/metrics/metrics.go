// Package metrics exposes orchestration counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/blnkfinance/disburse/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the disbursement metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	disbursements   *prometheus.CounterVec
	gatewayAttempts *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	lockContention  prometheus.Counter
	items           *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	phase2Duration  prometheus.Histogram
}

// NewCollector registers the disbursement metrics on reg. A nil registry gets a fresh
// one with the Go and process collectors attached.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &Collector{
		registry: reg,
		disbursements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disburse_disbursements_total",
			Help: "Disbursement attempts by final orchestration state",
		}, []string{"state"}),
		gatewayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disburse_gateway_attempts_total",
			Help: "Payout gateway calls by result signature",
		}, []string{"result"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disburse_rollbacks_total",
			Help: "Pre-gateway rollbacks by outcome",
		}, []string{"outcome"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "disburse_lock_contention_total",
			Help: "Disbursements refused because the cycle lock was held",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disburse_payout_items_total",
			Help: "Payout items by status after gateway submission",
		}, []string{"status"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "disburse_reconciliations_total",
			Help: "Reconciliation runs by result",
		}, []string{"result"}),
		phase2Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "disburse_phase2_duration_seconds",
			Help:    "Time spent submitting a batch to the gateway, retries included",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(c.disbursements, c.gatewayAttempts, c.rollbacks, c.lockContention,
		c.items, c.reconciliations, c.phase2Duration)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordDisbursement(state model.State) {
	if c == nil {
		return
	}
	c.disbursements.WithLabelValues(string(state)).Inc()
}

// RecordGatewayAttempt records one gateway call; an empty signature means it succeeded.
func (c *Collector) RecordGatewayAttempt(signature string) {
	if c == nil {
		return
	}
	if signature == "" {
		signature = "ok"
	}
	c.gatewayAttempts.WithLabelValues(signature).Inc()
}

func (c *Collector) RecordRollback(succeeded bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !succeeded {
		outcome = "failed"
	}
	c.rollbacks.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordLockContention() {
	if c == nil {
		return
	}
	c.lockContention.Inc()
}

func (c *Collector) RecordItems(counts model.ItemCounts) {
	if c == nil {
		return
	}
	c.items.WithLabelValues(model.ItemStatusSuccess).Add(float64(counts.Successful))
	c.items.WithLabelValues(model.ItemStatusFailed).Add(float64(counts.Failed))
	c.items.WithLabelValues(model.ItemStatusPending).Add(float64(counts.Pending))
	c.items.WithLabelValues(model.ItemStatusUnclaimed).Add(float64(counts.Unclaimed))
}

func (c *Collector) RecordReconciliation(result string) {
	if c == nil {
		return
	}
	c.reconciliations.WithLabelValues(result).Inc()
}

func (c *Collector) ObservePhase2(d time.Duration) {
	if c == nil {
		return
	}
	c.phase2Duration.Observe(d.Seconds())
}
