package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	illegalChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
	whitespace   = regexp.MustCompile(`[\s_]+`)
)

// SanitizeForFilename makes input safe for use in a file name.
func SanitizeForFilename(input string) string {
	// Illegal chars: / \ : * ? " < > |
	sanitized := illegalChars.ReplaceAllString(input, "_")
	sanitized = whitespace.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if len(sanitized) > 50 {
		sanitized = strings.TrimRight(sanitized[:50], "-")
	}

	if sanitized == "" {
		return "Interview"
	}
	return sanitized
}

// UniquePath returns dir/base+ext, or dir/base_N+ext for the first N that
// does not exist yet.
func UniquePath(dir, base, ext string) (string, error) {
	path := filepath.Join(dir, base+ext)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}
	for i := 2; i < 100; i++ {
		try := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(try); os.IsNotExist(err) {
			return try, nil
		}
	}
	return "", fmt.Errorf("no free file name for %s in %s", base+ext, dir)
}
