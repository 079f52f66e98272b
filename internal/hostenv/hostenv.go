// Package hostenv builds the environment handed to the agent subprocess.
// Only a small allowlist of host variables leaks through, plus any keys the
// operator explicitly allows by name or prefix.
package hostenv

import (
	"os"
	"strings"
)

var baseAllowList = []string{
	"PATH", "HOME", "USER", "SHELL", "TERM",
	"LANG", "LC_ALL", "LC_CTYPE",
	"TMPDIR", "XDG_RUNTIME_DIR", "XDG_CONFIG_HOME", "XDG_DATA_HOME",
}

// Build returns the child environment: the base allowlist, then any host
// variable matching allowedKeys or allowedPrefix.
func Build(allowedKeys map[string]struct{}, allowedPrefix string) []string {
	var env []string
	seen := make(map[string]struct{})
	for _, key := range baseAllowList {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
			seen[key] = struct{}{}
		}
	}
	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		k := kv[:i]
		if _, ok := seen[k]; ok {
			continue
		}
		if _, ok := allowedKeys[k]; ok {
			env = append(env, kv)
			seen[k] = struct{}{}
			continue
		}
		if allowedPrefix != "" && strings.HasPrefix(k, allowedPrefix) {
			env = append(env, kv)
			seen[k] = struct{}{}
		}
	}
	return env
}

// ParseCSV splits a comma-separated flag value, trimming blanks.
func ParseCSV(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s := strings.TrimSpace(r); s != "" {
			out = append(out, s)
		}
	}
	return out
}
