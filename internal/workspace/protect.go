package workspace

import (
	"path/filepath"
	"strings"
)

// Guard screens change paths against areas a mission must never write:
// orchestrator state, version control internals, and secret-bearing files.
// The dispatcher drops guarded changes before they reach a branch.
type Guard struct {
	patterns   []string
	extensions []string
}

// NewGuard builds a guard for a project whose orchestrator state lives in
// stateDir, relative to the project root.
func NewGuard(stateDir string) *Guard {
	g := &Guard{
		patterns: []string{
			"**/.git/**",
			"**/.ssh/**",
			"**/secrets/**",
			"**/credentials/**",
			"**/.env",
			"**/.env.*",
		},
		extensions: []string{
			".pem", ".key", ".p12", ".pfx", ".crt", ".cer", ".jks", ".keystore",
		},
	}
	if stateDir != "" {
		g.patterns = append(g.patterns, filepath.ToSlash(filepath.Clean(stateDir))+"/**")
	}
	return g
}

// Protected reports whether the path falls inside a guarded area, along
// with the rule that matched for the log line.
func (g *Guard) Protected(path string) (bool, string) {
	rel := filepath.ToSlash(filepath.Clean(path))
	for _, pattern := range g.patterns {
		if globMatch(rel, pattern) {
			return true, "pattern " + pattern
		}
	}
	ext := strings.ToLower(filepath.Ext(rel))
	for _, protected := range g.extensions {
		if ext == protected {
			return true, "file type " + protected
		}
	}
	return false, ""
}

// globMatch matches a slash path against a pattern where * spans within
// one segment and ** spans any number of segments, including zero.
func globMatch(path, pattern string) bool {
	return matchSegments(strings.Split(path, "/"), strings.Split(pattern, "/"))
}

func matchSegments(path, pattern []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	head, rest := pattern[0], pattern[1:]
	if head == "**" {
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(path); i++ {
			if matchSegments(path[i:], rest) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if !segmentMatch(path[0], head) {
		return false
	}
	return matchSegments(path[1:], rest)
}

func segmentMatch(segment, pattern string) bool {
	if pattern == "*" || pattern == segment {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	parts := strings.Split(pattern, "*")
	rest := segment
	for i, part := range parts {
		if part == "" {
			continue
		}
		switch {
		case i == 0:
			if !strings.HasPrefix(rest, part) {
				return false
			}
			rest = rest[len(part):]
		case i == len(parts)-1:
			// A trailing literal anchors at the end of what is left.
			if !strings.HasSuffix(rest, part) {
				return false
			}
			rest = ""
		default:
			idx := strings.Index(rest, part)
			if idx < 0 {
				return false
			}
			rest = rest[idx+len(part):]
		}
	}
	return true
}
