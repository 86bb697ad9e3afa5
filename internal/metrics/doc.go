// Package metrics provides the orchestrator's observability hooks.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics stay optional:
//
//	recorder := metrics.NewPrometheusRecorder(registry)
//	controller := admission.New(store, limit, admission.WithRecorder(recorder))
//
// HTTPHandler exposes a registry on the admin listener's /metrics route.
package metrics
