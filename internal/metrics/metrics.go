// Package metrics exposes pipeline counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry    *prometheus.Registry
	submissions *prometheus.CounterVec
	snapshots   prometheus.Counter
	reads       *prometheus.CounterVec
	moderation  *prometheus.CounterVec
}

// New creates a Recorder on its own registry, with the Go runtime collectors attached.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubben_submissions_total",
			Help: "Survey submissions by result.",
		}, []string{"result"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubben_snapshots_total",
			Help: "Aggregation snapshots built.",
		}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubben_report_reads_total",
			Help: "Public report reads by outcome.",
		}, []string{"kind"}),
		moderation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubben_moderation_actions_total",
			Help: "Moderation actions by type.",
		}, []string{"action"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.submissions, r.snapshots, r.reads, r.moderation,
	)
	return r
}

// Submission results.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

// Report read kinds.
const (
	ReadPayload  = "payload"
	ReadRedirect = "redirect"
	ReadDenied   = "denied"
)

func (r *Recorder) Submission(result string) { r.submissions.WithLabelValues(result).Inc() }
func (r *Recorder) Snapshot()                { r.snapshots.Inc() }
func (r *Recorder) ReportRead(kind string)   { r.reads.WithLabelValues(kind).Inc() }
func (r *Recorder) Moderation(action string) { r.moderation.WithLabelValues(action).Inc() }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
