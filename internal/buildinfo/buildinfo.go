// Package buildinfo holds version metadata stamped at link time:
//
//	go build -ldflags "-X github.com/nugget/espresense-tracker/internal/buildinfo.Version=v1.2.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Metadata describes the running binary.
type Metadata struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Current returns the metadata of this process.
func Current() Metadata {
	return Metadata{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Fields returns label/value pairs in display order.
func (m Metadata) Fields() [][2]string {
	return [][2]string{
		{"version", m.Version},
		{"git_commit", m.GitCommit},
		{"build_time", m.BuildTime},
		{"go_version", m.GoVersion},
		{"os", m.OS},
		{"arch", m.Arch},
	}
}

// Uptime returns the time since process start, whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("espresense %s (%s) built %s", Version, GitCommit, BuildTime)
}
