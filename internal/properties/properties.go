// Package properties reads Java-style .properties files into flat key/value maps.
package properties

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	jprops "github.com/magiconair/properties"
)

// FileName is the marker file identifying a managed server directory.
const FileName = "server.properties"

// ReadError reports a properties file that is missing or malformed.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read properties %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Properties is a flat key/value view of a properties file. Keys are lower case;
// dotted keys (rcon.port) are kept flat.
type Properties map[string]string

// Load parses the properties file at path. Values are taken literally:
// ${...} references are left for the child's shell.
func Load(path string) (Properties, error) {
	if _, err := os.Stat(path); err != nil {
		return Properties{}, &ReadError{Path: path, Err: err}
	}
	l := &jprops.Loader{Encoding: jprops.UTF8, DisableExpansion: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return Properties{}, &ReadError{Path: path, Err: err}
	}
	m := p.Map()
	out := make(Properties, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out, nil
}

// String returns the trimmed value for key or def when absent/empty.
func (p Properties) String(key, def string) string {
	if v, ok := p[key]; ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

// Bool parses key as a boolean, returning def when absent or unparsable.
func (p Properties) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Duration parses key either as a Go duration ("30s") or as whole seconds ("30").
func (p Properties) Duration(key string, def time.Duration) time.Duration {
	v := p.String(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// Fields splits the value of key on whitespace.
func (p Properties) Fields(key string) []string {
	return strings.Fields(p.String(key, ""))
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the sorted key set.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
