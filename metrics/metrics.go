// Package metrics exports coordination counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/mohans/jobgate/coord"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements coord.Recorder on top of Prometheus collectors.
type Collector struct {
	submissions     *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	eventsReceived  *prometheus.CounterVec
	sweepDeleted    prometheus.Counter
	sweepDuration   prometheus.Histogram

	gatherer prometheus.Gatherer
}

var _ coord.Recorder = (*Collector)(nil)

// NewCollector creates the collector and registers it on reg. A nil reg
// uses a fresh registry, which keeps tests independent of the global one.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobgate_submissions_total",
			Help: "Submission attempts by result and rejection reason",
		}, []string{"result", "reason"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobgate_tasks_finished_total",
			Help: "Tasks that reached a terminal status",
		}, []string{"status"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobgate_events_published_total",
			Help: "Lifecycle events published to the bus",
		}, []string{"type"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobgate_event_publish_failures_total",
			Help: "Lifecycle events that could not be published",
		}, []string{"type"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobgate_events_received_total",
			Help: "Lifecycle events delivered to local listeners",
		}, []string{"type"}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobgate_sweep_deleted_total",
			Help: "Task records removed by the stale sweep",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobgate_sweep_duration_seconds",
			Help:    "Duration of stale sweep runs",
			Buckets: prometheus.DefBuckets,
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.submissions,
		c.tasksFinished,
		c.eventsPublished,
		c.publishFailures,
		c.eventsReceived,
		c.sweepDeleted,
		c.sweepDuration,
	)
	return c
}

func (c *Collector) SubmissionAccepted() {
	c.submissions.WithLabelValues("accepted", "").Inc()
}

func (c *Collector) SubmissionRejected(reason coord.Reason) {
	c.submissions.WithLabelValues("rejected", string(reason)).Inc()
}

func (c *Collector) TaskFinished(status coord.Status) {
	c.tasksFinished.WithLabelValues(string(status)).Inc()
}

func (c *Collector) EventPublished(typ coord.EventType, err error) {
	if err != nil {
		c.publishFailures.WithLabelValues(string(typ)).Inc()
		return
	}
	c.eventsPublished.WithLabelValues(string(typ)).Inc()
}

func (c *Collector) EventReceived(typ coord.EventType) {
	c.eventsReceived.WithLabelValues(string(typ)).Inc()
}

func (c *Collector) SweepCompleted(deleted int, elapsed time.Duration) {
	c.sweepDeleted.Add(float64(deleted))
	c.sweepDuration.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
