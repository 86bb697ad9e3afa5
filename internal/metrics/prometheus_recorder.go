package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildorch"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	admissions     *prom.CounterVec
	activeBuilds   prom.Gauge
	queueDepth     prom.Gauge
	stageDuration  *prom.HistogramVec
	buildDuration  prom.Histogram
	buildOutcome   *prom.CounterVec
	statusReports  *prom.CounterVec
	reportRetries  prom.Counter
	eventsOut      *prom.CounterVec
	poisonMessages prom.Counter
	cleanups       *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the orchestrator metrics on reg.
// A nil reg gets a private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		admissions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Build requests by admission decision",
		}, []string{"decision"}),
		activeBuilds: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_builds",
			Help:      "Builds currently holding an execution slot",
		}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Build requests waiting for a slot",
		}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of build stages (fetch_sources, sandbox)",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build duration from BUILDING to terminal",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by terminal status",
		}, []string{"status"}),
		statusReports: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Status reports sent to the repository service",
		}, []string{"status", "result"}),
		reportRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "status_report_retries_total",
			Help:      "Status report attempts beyond the first",
		}),
		eventsOut: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Completion events published by subject",
		}, []string{"subject", "result"}),
		poisonMessages: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "poison_messages_total",
			Help:      "Malformed build-started messages acknowledged and dropped",
		}),
		cleanups: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_cleanups_total",
			Help:      "Artifact cleanup attempts by result",
		}, []string{"result"}),
	}
	reg.MustRegister(pr.admissions, pr.activeBuilds, pr.queueDepth, pr.stageDuration, pr.buildDuration,
		pr.buildOutcome, pr.statusReports, pr.reportRetries, pr.eventsOut, pr.poisonMessages, pr.cleanups)
	return pr
}

func (p *PrometheusRecorder) IncAdmission(decision string) {
	p.admissions.WithLabelValues(decision).Inc()
}

func (p *PrometheusRecorder) SetActiveBuilds(n int) { p.activeBuilds.Set(float64(n)) }

func (p *PrometheusRecorder) SetQueueDepth(n int) { p.queueDepth.Set(float64(n)) }

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(status string) {
	p.buildOutcome.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncStatusReport(status string, result ResultLabel) {
	p.statusReports.WithLabelValues(status, string(result)).Inc()
}

func (p *PrometheusRecorder) IncReportRetry() { p.reportRetries.Inc() }

func (p *PrometheusRecorder) IncEventPublished(subject string, result ResultLabel) {
	p.eventsOut.WithLabelValues(subject, string(result)).Inc()
}

func (p *PrometheusRecorder) IncPoisonMessage() { p.poisonMessages.Inc() }

func (p *PrometheusRecorder) IncCleanup(result ResultLabel) {
	p.cleanups.WithLabelValues(string(result)).Inc()
}
