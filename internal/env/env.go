// Package env composes the environment handed to bot processes.
package env

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Env is a layered set of variables: an optional copy of the daemon's own
// environment overridden by configured variables.
type Env struct {
	base map[string]string
	vars map[string]string
}

// New returns an empty Env. With inherit set the daemon environment is the base layer.
func New(inherit bool) *Env {
	e := &Env{base: map[string]string{}, vars: map[string]string{}}
	if inherit {
		for _, kv := range os.Environ() {
			if k, v, ok := split(kv); ok {
				e.base[k] = v
			}
		}
	}
	return e
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// Set overrides one variable.
func (e *Env) Set(k, v string) {
	if k = strings.TrimSpace(k); k != "" {
		e.vars[k] = v
	}
}

// Load applies "KEY=VALUE" entries in order. Malformed entries are skipped.
func (e *Env) Load(kvs []string) *Env {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.vars[k] = v
		}
	}
	return e
}

// Merge returns the final environment sorted by key, with extra applied
// last and ${VAR} references expanded against the merged set. Unknown
// references are left as written.
func (e *Env) Merge(extra []string) []string {
	m := make(map[string]string, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}

// ReadFile parses a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are ignored; an optional "export " prefix and matching
// surrounding quotes are stripped.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "open env file %s", path)
	}
	defer func() { _ = f.Close() }()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := split(line)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out = append(out, k+"="+v)
	}
	return out, errors.Wrapf(sc.Err(), "read env file %s", path)
}
