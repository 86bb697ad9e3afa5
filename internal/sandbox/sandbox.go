// Package sandbox is the boundary to the isolated compiler execution
// environment. The sandbox itself is a black box; this package only knows how
// to hand it a job and read back the result.
package sandbox

import (
	"context"

	"git.home.luguber.info/inful/buildorch/internal/build"
)

// Job is one compilation request.
type Job struct {
	BuildID   string             `json:"buildId"`
	ProjectID string             `json:"projectId"`
	Files     []build.SourceFile `json:"files"`
}

// Result is what the sandbox reports for a finished job. A job that ran but
// failed to compile is a Result with Success=false, not an error.
type Result struct {
	Success   bool             `json:"success"`
	Logs      string           `json:"logs"`
	Artifacts []build.Artifact `json:"artifacts"`
	Error     string           `json:"error,omitempty"`
}

// Sandbox executes jobs. Run must honour ctx cancellation.
type Sandbox interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// Func adapts a function to Sandbox.
type Func func(ctx context.Context, job Job) (Result, error)

func (f Func) Run(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }
