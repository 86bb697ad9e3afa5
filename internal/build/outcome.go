package build

import ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"

// SourceFile is one project file handed to the sandbox.
type SourceFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Artifact is one output produced by the sandbox. Its storage format is opaque here.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Outcome is the result of executing one Request. Exactly one is produced per
// admitted request and it is not modified after creation.
type Outcome struct {
	BuildID      string     `json:"buildId"`
	Success      bool       `json:"success"`
	Logs         string     `json:"logs"`
	Artifacts    []Artifact `json:"artifacts"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Succeeded builds a successful outcome.
func Succeeded(buildID, logs string, artifacts []Artifact) Outcome {
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	return Outcome{BuildID: buildID, Success: true, Logs: logs, Artifacts: artifacts}
}

// Failed builds a failed outcome carrying err's message.
func Failed(buildID, logs string, err error) Outcome {
	msg := ferrors.Summary(err)
	if msg == "" {
		msg = "build failed"
	}
	return Outcome{BuildID: buildID, Logs: logs, Artifacts: []Artifact{}, ErrorMessage: msg}
}

// Status maps the outcome onto its terminal status.
func (o Outcome) Status() Status {
	if o.Success {
		return StatusSuccess
	}
	return StatusFailed
}
