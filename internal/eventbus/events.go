// Package eventbus connects the orchestrator to the durable event stream:
// it consumes build-started requests and publishes completion events.
package eventbus

import (
	"git.home.luguber.info/inful/buildorch/internal/build"
)

// Default subjects. The configured values take precedence.
const (
	SubjectBuildStarted   = "project.build.started"
	SubjectBuildCompleted = "project.build.completed"
	SubjectBuildFailed    = "project.build.failed"
)

// BuildCompleted is published when a build reaches SUCCESS.
type BuildCompleted struct {
	BuildID     string           `json:"buildId"`
	ProjectID   string           `json:"projectId"`
	BuildNumber int              `json:"buildNumber"`
	Artifacts   []build.Artifact `json:"artifacts"`
	Logs        string           `json:"logs"`
}

// BuildFailed is published when a build reaches FAILED.
type BuildFailed struct {
	BuildID     string `json:"buildId"`
	ProjectID   string `json:"projectId"`
	BuildNumber int    `json:"buildNumber"`
	Error       string `json:"error"`
	Logs        string `json:"logs"`
}

// MessageID is the broker dedupe key for a terminal event.
func MessageID(buildID string, status build.Status) string {
	return buildID + "." + string(status)
}
