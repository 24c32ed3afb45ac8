package detect

import (
	"bytes"
)

// IsPlausibleContent reports whether a stored body looks like a complete HTML page:
// at least minLen bytes after trimming and containing every marker (case-insensitive).
func IsPlausibleContent(body []byte, minLen int, markers []string) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < minLen || len(trimmed) == 0 {
		return false
	}
	lower := bytes.ToLower(trimmed)
	for _, m := range markers {
		if !bytes.Contains(lower, bytes.ToLower([]byte(m))) {
			return false
		}
	}
	return true
}
