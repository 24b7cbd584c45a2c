package version

import "runtime"

// Set at build time with -ldflags "-X github.com/optimus/telemetry/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info describes the running build
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String formats the build as "1.2.0 (commit: abc123)"
func (i Info) String() string {
	return i.Version + " (commit: " + i.Commit + ")"
}
