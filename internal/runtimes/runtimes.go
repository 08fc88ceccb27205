package runtimes

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/blockvisor/internal/properties"
)

// Where a runtime was found.
const (
	SourceJavaHome = "JAVA_HOME"
	SourcePath     = "PATH"
	SourceDir      = "dir"
)

// DefaultDirs are the usual JVM install roots.
var DefaultDirs = []string{
	"/usr/lib/jvm",
	"/usr/java",
	"/usr/local/java",
	"/opt/java",
	"/Library/Java/JavaVirtualMachines",
}

// Runtime is one Java installation.
type Runtime struct {
	Name    string `json:"name"`
	Home    string `json:"home"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
	Source  string `json:"source"`
}

// Discover lists the Java runtimes reachable through JAVA_HOME, PATH and the
// install roots in dirs (DefaultDirs when empty). A runtime reachable several
// ways is reported once, under the first source that found it.
func Discover(dirs ...string) []Runtime {
	if len(dirs) == 0 {
		dirs = DefaultDirs
	}
	var out []Runtime
	seen := make(map[string]bool)
	add := func(bin, source string) {
		resolved, err := filepath.EvalSymlinks(bin)
		if err != nil || !isExecutable(resolved) || seen[resolved] {
			return
		}
		seen[resolved] = true
		home := filepath.Dir(filepath.Dir(resolved))
		out = append(out, Runtime{
			Name:    filepath.Base(home),
			Home:    home,
			Path:    bin,
			Version: releaseVersion(home),
			Source:  source,
		})
	}

	if jh := os.Getenv("JAVA_HOME"); jh != "" {
		add(filepath.Join(jh, "bin", "java"), SourceJavaHome)
	}
	if p, err := exec.LookPath("java"); err == nil {
		add(p, SourcePath)
	}
	for _, root := range dirs {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			home := filepath.Join(root, e.Name())
			// macOS bundles keep the home under Contents/Home
			if _, err := os.Stat(filepath.Join(home, "Contents", "Home")); err == nil {
				home = filepath.Join(home, "Contents", "Home")
			}
			add(filepath.Join(home, "bin", "java"), SourceDir)
		}
	}
	return out
}

// releaseVersion reads JAVA_VERSION from the release file shipped in every JDK/JRE home.
func releaseVersion(home string) string {
	p, err := properties.Load(filepath.Join(home, "release"))
	if err != nil {
		return ""
	}
	return strings.Trim(p.String("java_version", ""), `"`)
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0
}
