package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeForFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SDE 1", "SDE-1"},
		{"AI Engineer", "AI-Engineer"},
		{"Backend/Infra: Go?", "Backend-Infra-Go"},
		{"  spaced   out  ", "spaced-out"},
		{"", "Interview"},
		{"***", "Interview"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50)},
	}
	for _, tt := range tests {
		if got := SanitizeForFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeForFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()

	p, err := UniquePath(dir, "report", ".json")
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(dir, "report.json") {
		t.Errorf("first path = %s", p)
	}
	if err := os.WriteFile(p, nil, 0644); err != nil {
		t.Fatal(err)
	}

	p, err = UniquePath(dir, "report", ".json")
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(dir, "report_2.json") {
		t.Errorf("second path = %s", p)
	}
}
