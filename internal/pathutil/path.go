// Package pathutil expands user-supplied filesystem paths. Key files and
// disk store roots arrive from flags, env vars, and URLs, so "~/" and
// "$VAR" forms are accepted everywhere a path is.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv resolves environment variable tokens ($VAR, ${VAR})
// and a leading "~/" in p. The result keeps its relative or absolute
// form; callers decide whether to absolutize.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if len(p) == 1 {
		return home, nil
	}
	if p[1] == '/' || p[1] == '\\' {
		return filepath.Join(home, p[2:]), nil
	}
	// "~otheruser" lookups are not supported; leave untouched.
	return p, nil
}
