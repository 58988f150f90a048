package filter

import (
	"path"
	"path/filepath"
	"strings"
)

// PathFilterConfig holds the configuration for changed-path filtering
type PathFilterConfig struct {
	IncludePaths []string // Patterns a path must match to be tracked (e.g., "src/")
	ExcludePaths []string // Patterns for paths to ignore (e.g., "__pycache__/", "*.pyc")
}

// PathFilter decides which changed files take part in classification
type PathFilter struct {
	config PathFilterConfig
}

// NewPathFilter creates a new path filter
func NewPathFilter(config PathFilterConfig) *PathFilter {
	return &PathFilter{config: config}
}

// ShouldTrack returns true if the path should be classified and counted
func (f *PathFilter) ShouldTrack(p string) bool {
	// Check exclusions first
	for _, pattern := range f.config.ExcludePaths {
		if Match(pattern, p) {
			return false
		}
	}

	// If no include patterns specified, track all (that aren't excluded)
	if len(f.config.IncludePaths) == 0 {
		return true
	}

	for _, pattern := range f.config.IncludePaths {
		if Match(pattern, p) {
			return true
		}
	}

	return false
}

// Match reports whether a repository path matches pattern. Supported forms:
//   - "dir/": any path under dir, at the root or nested
//   - glob ("*_test.py", "pages/*.py"): matched against the full path and the base name
//   - plain name ("streamlit_app.py"): exact full path or base name
func Match(pattern, p string) bool {
	p = strings.TrimPrefix(filepath.ToSlash(p), "./")
	if pattern == "" || p == "" {
		return false
	}

	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(p, pattern) || strings.Contains(p, "/"+pattern)
	}

	base := path.Base(p)
	if strings.ContainsAny(pattern, "*?[") {
		return matchGlob(pattern, p) || matchGlob(pattern, base)
	}

	return p == pattern || base == pattern
}

// matchGlob performs a simple glob match (supports * wildcard)
func matchGlob(pattern, s string) bool {
	matched, err := path.Match(pattern, s)
	if err != nil {
		return false
	}
	return matched
}

// DefaultExcludedPaths returns the paths ignored unless configured otherwise
func DefaultExcludedPaths() []string {
	return []string{
		"__pycache__/",
		"*.pyc",
		".deploypulse/",
	}
}
