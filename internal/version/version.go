// Package version exposes build metadata stamped in at link time.
package version

import (
	"runtime"

	"github.com/openparish/parishd/internal/metrics"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the build metadata snapshot.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// PublishMetric exposes the build metadata as a constant gauge.
func PublishMetric() {
	metrics.BuildInfo.WithLabelValues(Version, Commit, BuildTime, runtime.Version()).Set(1)
}
