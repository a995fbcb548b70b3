package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Variables set via -ldflags -X at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info holds complete build version information.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the current build version information.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns a one-line version summary.
func Short() string {
	return fmt.Sprintf("council v%s (commit %s, %s)", Version, GitCommit, BuildDate)
}

// String returns a multi-line version description.
func (i Info) String() string {
	return fmt.Sprintf(
		"council v%s\n"+
			"Git Commit: %s\n"+
			"Build Date: %s\n"+
			"Go Version: %s\n"+
			"Platform:   %s",
		i.Version, i.GitCommit, i.BuildDate, i.GoVersion, i.Platform,
	)
}

// JSON returns the version info as a JSON string.
func (i Info) JSON() string {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}
