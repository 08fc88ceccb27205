// Package env composes the environment of child processes.
package env

import (
	"os"
	"strings"
)

// Merge layers "K=V" lists over base, which defaults to the supervisor's own
// environment when nil. Later layers win; a key keeps the position of its
// first appearance. Layer values may reference ${VAR}, resolved against the
// environment composed so far, so PATH=${PATH}:/opt/bin extends the inherited
// PATH. Unknown references are left as they are and entries without a key
// are skipped.
func Merge(base []string, layers ...[]string) []string {
	if base == nil {
		base = os.Environ()
	}
	vars := make(map[string]string, len(base))
	var order []string
	set := func(k, v string) {
		if _, seen := vars[k]; !seen {
			order = append(order, k)
		}
		vars[k] = v
	}

	for _, kv := range base {
		if k, v, ok := split(kv); ok {
			set(k, v)
		}
	}
	for _, layer := range layers {
		for _, kv := range layer {
			if k, v, ok := split(kv); ok {
				set(k, Expand(v, vars))
			}
		}
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// Expand replaces ${VAR} references found in vars. It does not recurse into
// substituted values.
func Expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
