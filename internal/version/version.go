package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time:
// go build -ldflags "-X git.home.luguber.info/inful/buildorch/internal/version.Version=v0.3.0".
var Version = "dev"

// Build metadata, also set via ldflags.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info is the version payload served by the CLI and the admin API.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// Current returns the build metadata of the running binary.
func Current() Info {
	return Info{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime, GoVersion: runtime.Version()}
}

func (i Info) String() string {
	return fmt.Sprintf("buildorch %s (commit %s, built %s, %s)", i.Version, i.GitCommit, i.BuildTime, i.GoVersion)
}
