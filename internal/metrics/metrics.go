// Package metrics exposes scheduler and workflow counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orrn/printfleet/internal/scheduler"
)

const namespace = "printfleet"

// Dispatch outcomes.
const (
	DispatchStarted    = "started"
	DispatchNoJob      = "no_job"
	DispatchRolledBack = "rolled_back"
)

// Collector implements scheduler.Observer.
type Collector struct {
	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	tasksAbandoned *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	queued  prometheus.Gauge
	delayed prometheus.Gauge
	active  prometheus.Gauge

	dispatches *prometheus.CounterVec
	webhooks   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers all metrics with reg. A nil reg uses the default
// registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the scheduler",
		}, []string{"class"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that finished, by outcome",
		}, []string{"class", "outcome"}),
		tasksAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_abandoned_total",
			Help:      "Task loops given up after exhausting retries",
		}, []string{"class"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run time in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"class"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_tasks_queued",
			Help:      "Tasks waiting in the ready queue",
		}),
		delayed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_tasks_delayed",
			Help:      "Tasks waiting for their delay to elapse",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_tasks_active",
			Help:      "Tasks currently running",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch workflow results",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery results",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.tasksSubmitted, c.tasksFinished, c.tasksAbandoned, c.taskDuration,
		c.queued, c.delayed, c.active,
		c.dispatches, c.webhooks,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

func (c *Collector) TaskSubmitted(class scheduler.Class) {
	c.tasksSubmitted.WithLabelValues(class.String()).Inc()
}

func (c *Collector) TaskStarted(class scheduler.Class) {}

func (c *Collector) TaskFinished(class scheduler.Class, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		if isPanic(err) {
			outcome = "panic"
		}
	}
	c.tasksFinished.WithLabelValues(class.String(), outcome).Inc()
	c.taskDuration.WithLabelValues(class.String()).Observe(elapsed.Seconds())
}

func (c *Collector) TaskAbandoned(class scheduler.Class) {
	c.tasksAbandoned.WithLabelValues(class.String()).Inc()
}

func (c *Collector) QueueDepth(stats scheduler.Stats) {
	c.queued.Set(float64(stats.Queued))
	c.delayed.Set(float64(stats.Delayed))
	c.active.Set(float64(stats.Active))
}

func (c *Collector) RecordDispatch(outcome string) {
	c.dispatches.WithLabelValues(outcome).Inc()
}

// RecordWebhook counts a delivery as "delivered" or "failed".
func (c *Collector) RecordWebhook(delivered bool) {
	if delivered {
		c.webhooks.WithLabelValues("delivered").Inc()
		return
	}
	c.webhooks.WithLabelValues("failed").Inc()
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func isPanic(err error) bool {
	var p *scheduler.PanicError
	return errors.As(err, &p)
}
