// Package build holds the records that flow through the orchestration core:
// the immutable build request, the build outcome and the build status state machine.
package build
