package filter

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		path     string
		expected bool
	}{
		{"exact base name", "streamlit_app.py", "streamlit_app.py", true},
		{"base name in subdir", "streamlit_app.py", "app/streamlit_app.py", true},
		{"exact full path", "pages/coins.py", "pages/coins.py", true},
		{"different file", "streamlit_app.py", "streamlit_app_old.py", false},
		{"dir prefix at root", "tests/", "tests/test_api.py", true},
		{"dir prefix nested", "__pycache__/", "src/__pycache__/x.pyc", true},
		{"dir prefix partial name", "tests/", "mytests/test_api.py", false},
		{"glob on base", "*.md", "docs/guide/README.md", true},
		{"glob on full path", "pages/*.py", "pages/coins.py", true},
		{"glob contains", "*discord*", "discord_notifier.py", true},
		{"glob no match", "*.md", "notes.txt", false},
		{"leading dot slash", "streamlit_app.py", "./streamlit_app.py", true},
		{"empty pattern", "", "a.py", false},
		{"bad glob", "[", "a.py", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.pattern, tt.path); got != tt.expected {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.expected)
			}
		})
	}
}

func TestPathFilter_ShouldTrack(t *testing.T) {
	tests := []struct {
		name     string
		config   PathFilterConfig
		path     string
		expected bool
	}{
		{"no config tracks everything", PathFilterConfig{}, "anything.py", true},
		{"default exclusions", PathFilterConfig{ExcludePaths: DefaultExcludedPaths()}, "mod/__pycache__/a.pyc", false},
		{"compiled file excluded", PathFilterConfig{ExcludePaths: DefaultExcludedPaths()}, "a.pyc", false},
		{"source kept", PathFilterConfig{ExcludePaths: DefaultExcludedPaths()}, "a.py", true},
		{"include restricts", PathFilterConfig{IncludePaths: []string{"src/"}}, "docs/a.md", false},
		{"include matches", PathFilterConfig{IncludePaths: []string{"src/"}}, "src/a.py", true},
		{
			"exclude wins over include",
			PathFilterConfig{IncludePaths: []string{"src/"}, ExcludePaths: []string{"*.lock"}},
			"src/poetry.lock",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewPathFilter(tt.config)
			if got := f.ShouldTrack(tt.path); got != tt.expected {
				t.Errorf("ShouldTrack(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}
