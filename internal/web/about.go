package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"
)

type AboutResponse struct {
	Service    string `json:"service"`
	NowUTC     string `json:"now_utc,omitempty"`
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

// BuildInfo describes the running binary from its embedded VCS stamp.
func BuildInfo() AboutResponse {
	resp := AboutResponse{
		Service:   "fallwatch",
		GoVersion: runtime.Version(),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resp
	}
	resp.ModulePath = bi.Main.Path
	resp.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		case "vcs.time":
			resp.BuildTime = s.Value
		}
	}
	return resp
}

// String is the one-line form printed by -version.
func (a AboutResponse) String() string {
	s := a.Service + " " + a.GoVersion
	if a.Version != "" {
		s += " " + a.Version
	}
	if a.Commit != "" {
		s += " " + a.Commit
		if a.Dirty {
			s += "+dirty"
		}
	}
	return s
}

func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := BuildInfo()
		resp.NowUTC = time.Now().UTC().Format(time.RFC3339Nano)
		writeJSON(w, resp)
	})
}
