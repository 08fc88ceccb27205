package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/blockvisor/internal/env"
	"github.com/loykin/blockvisor/internal/logger"
	"github.com/loykin/blockvisor/internal/properties"
)

// Property keys read from a server's properties file.
const (
	KeyAutostart    = "autostart"
	KeyCommand      = "command"
	KeyJava         = "java"
	KeyJVMArgs      = "jvm-args"
	KeyJar          = "jar"
	KeyServerArgs   = "server-args"
	KeyStopCommand  = "stop-command"
	KeyStopTimeout  = "stop-timeout"
	KeyStartSeconds = "start-seconds"
)

// Defaults fill in what a properties file leaves out.
type Defaults struct {
	Java        string
	Jar         string
	ServerArgs  []string
	StopTimeout time.Duration
	Env         []string
	Log         logger.FileConfig
}

// DefaultStopTimeout bounds the graceful stop wait when nothing else is configured.
const DefaultStopTimeout = 30 * time.Second

// Spec describes how to launch and stop one managed server.
type Spec struct {
	Name          string        `json:"name"`
	WorkDir       string        `json:"work_dir"`
	Command       string        `json:"command,omitempty"` // explicit command line; overrides the java invocation
	Java          string        `json:"java"`
	JVMArgs       []string      `json:"jvm_args,omitempty"`
	Jar           string        `json:"jar"`
	ServerArgs    []string      `json:"server_args,omitempty"`
	StopCommand   string        `json:"stop_command,omitempty"` // console line requesting a graceful stop
	StopTimeout   time.Duration `json:"stop_timeout"`
	StartDuration time.Duration `json:"start_duration"` // process must stay up this long to count as started
	Env           []string      `json:"env,omitempty"`

	// Log routes the child's stdout/stderr; nothing is kept when unset.
	Log logger.FileConfig `json:"-"`
}

// SpecFromProperties derives the invocation for the server living in dir.
func SpecFromProperties(name, dir string, p properties.Properties, d Defaults) Spec {
	java := d.Java
	if java == "" {
		java = "java"
	}
	jar := d.Jar
	if jar == "" {
		jar = "server.jar"
	}
	stopTimeout := d.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	serverArgs := p.Fields(KeyServerArgs)
	if _, ok := p[KeyServerArgs]; !ok {
		serverArgs = append([]string(nil), d.ServerArgs...)
	}
	return Spec{
		Name:          name,
		WorkDir:       dir,
		Command:       p.String(KeyCommand, ""),
		Java:          p.String(KeyJava, java),
		JVMArgs:       p.Fields(KeyJVMArgs),
		Jar:           p.String(KeyJar, jar),
		ServerArgs:    serverArgs,
		StopCommand:   p.String(KeyStopCommand, ""),
		StopTimeout:   p.Duration(KeyStopTimeout, stopTimeout),
		StartDuration: p.Duration(KeyStartSeconds, 0),
		Env:           append([]string(nil), d.Env...),
		Log:           d.Log,
	}
}

// BuildCommand constructs the *exec.Cmd for this spec. An explicit Command is run
// directly when it is a plain argv, or through /bin/sh -c when it uses shell syntax.
// Without a Command the server jar is launched with the configured Java runtime.
func (s *Spec) BuildCommand() *exec.Cmd {
	var cmd *exec.Cmd
	cmdStr := strings.TrimSpace(s.Command)
	switch {
	case cmdStr == "":
		args := append([]string{}, s.JVMArgs...)
		args = append(args, "-jar", s.Jar)
		args = append(args, s.ServerArgs...)
		// #nosec G204
		cmd = exec.Command(s.Java, args...)
	case hasExplicitShell(cmdStr):
		_, script, _ := parseExplicitShell(cmdStr)
		cmd = getShellCommand(script)
	case strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~"):
		cmd = getShellCommand(cmdStr)
	default:
		parts := strings.Fields(cmdStr)
		// #nosec G204
		cmd = exec.Command(parts[0], parts[1:]...)
	}
	cmd.Dir = s.WorkDir
	cmd.Env = s.Environ()
	return cmd
}

// Environ returns the child's environment: the supervisor's own plus Spec.Env
// overrides, which may reference ${VAR}.
func (s *Spec) Environ() []string {
	if len(s.Env) == 0 {
		return nil // inherit
	}
	return env.Merge(os.Environ(), s.Env)
}

// JarPath returns the absolute location of the server jar.
func (s *Spec) JarPath() string {
	if filepath.IsAbs(s.Jar) {
		return s.Jar
	}
	return filepath.Join(s.WorkDir, s.Jar)
}

func hasExplicitShell(cmdStr string) bool {
	_, _, ok := parseExplicitShell(cmdStr)
	return ok
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the script
// with one layer of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
