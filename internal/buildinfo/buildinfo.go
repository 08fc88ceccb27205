// Package buildinfo reports the supervisor version and the modules it was built with.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"sort"
)

// Version is stamped at link time with -ldflags "-X .../buildinfo.Version=v1.2.3".
var Version = ""

const develVersion = "(devel)"

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Module    string `json:"module,omitempty"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// Dependency is one module linked into the binary.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

var readBuildInfo = debug.ReadBuildInfo

// Get returns the version info. Version falls back to the main module
// version, then to "(devel)".
func Get() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}
	bi, ok := readBuildInfo()
	if ok {
		info.Module = bi.Main.Path
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if info.Version == "" && bi.Main.Version != "" {
			info.Version = bi.Main.Version
		}
	}
	if info.Version == "" {
		info.Version = develVersion
	}
	return info
}

// Dependencies lists the linked modules sorted by path.
func Dependencies() []Dependency {
	bi, ok := readBuildInfo()
	if !ok {
		return []Dependency{}
	}
	out := make([]Dependency, 0, len(bi.Deps))
	for _, d := range bi.Deps {
		dep := Dependency{Path: d.Path, Version: d.Version}
		if d.Replace != nil {
			dep.Replace = d.Replace.Path
			if d.Replace.Version != "" {
				dep.Replace += "@" + d.Replace.Version
			}
		}
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
