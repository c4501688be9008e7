// Package buildinfo reports which ftm build is running.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
)

// Release builds stamp these with ldflags, for example
// -X github.com/otherjamesbrown/fathom-transcripts/pkg/buildinfo.Version=v0.3.0.
// Values left at their defaults are filled from the module's embedded VCS metadata.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// ServiceName identifies the transcript manager in version responses and user agents.
const ServiceName = "ftm"

const shortCommitLen = 7

// Info describes the running binary.
type Info struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
	Version     string `json:"version" yaml:"version"`
	Commit      string `json:"commit" yaml:"commit"`
	BuildTime   string `json:"build_time" yaml:"build_time"`
	Modified    bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion   string `json:"go_version" yaml:"go_version"`
}

// Get returns the build info of the running ftm binary.
func Get() Info {
	bi, _ := debug.ReadBuildInfo()
	return resolve(bi)
}

func resolve(bi *debug.BuildInfo) Info {
	info := Info{
		ServiceName: ServiceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
	if bi == nil {
		return info
	}

	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && s.Value != "" {
				info.Commit = s.Value
				if len(info.Commit) > shortCommitLen {
					info.Commit = info.Commit[:shortCommitLen]
				}
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String returns a one-liner like "v0.3.0 (1f9c2ab, 2026-10-01T09:00:00Z)", with a
// "-dirty" commit suffix for builds from a modified tree.
func (i Info) String() string {
	commit := i.Commit
	if i.Modified {
		commit += "-dirty"
	}
	return i.Version + " (" + commit + ", " + i.BuildTime + ")"
}

// UserAgent is sent on outbound API requests, e.g. "ftm/v0.3.0".
func UserAgent() string {
	return ServiceName + "/" + Get().Version
}

// Handler serves Get as JSON.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get())
	}
}
