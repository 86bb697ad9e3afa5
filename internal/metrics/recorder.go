package metrics

import "time"

// ResultLabel enumerates result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
)

// ResultOf maps a boolean success flag onto a ResultLabel.
func ResultOf(ok bool) ResultLabel {
	if ok {
		return ResultSuccess
	}
	return ResultFailed
}

// Recorder defines observability hooks for the orchestrator. Implementations
// may forward to Prometheus, OpenTelemetry, etc. NoopRecorder is the default
// so components never need nil checks.
type Recorder interface {
	IncAdmission(decision string) // admitted|queued|duplicate
	SetActiveBuilds(n int)
	SetQueueDepth(n int)
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(status string) // SUCCESS|FAILED
	IncStatusReport(status string, result ResultLabel)
	IncReportRetry()
	IncEventPublished(subject string, result ResultLabel)
	IncPoisonMessage()
	IncCleanup(result ResultLabel)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncAdmission(string)                        {}
func (NoopRecorder) SetActiveBuilds(int)                        {}
func (NoopRecorder) SetQueueDepth(int)                          {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) IncStatusReport(string, ResultLabel)        {}
func (NoopRecorder) IncReportRetry()                            {}
func (NoopRecorder) IncEventPublished(string, ResultLabel)      {}
func (NoopRecorder) IncPoisonMessage()                          {}
func (NoopRecorder) IncCleanup(ResultLabel)                     {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
