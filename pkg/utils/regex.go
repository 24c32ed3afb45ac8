package utils

import (
	"regexp"
)

// CompileRegexPatterns compiles regex strings into usable *regexp.Regexp objects.
// Patterns are compiled case-insensitively when caseInsensitive is set.
// Returns an error if any pattern is invalid.
func CompileRegexPatterns(patterns []string, caseInsensitive bool) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" { // Skip empty patterns silently
			continue
		}
		if caseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, WrapErrorf(ErrConfigValidation, "invalid regex pattern #%d ('%s')", i+1, patterns[i])
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// MustCompileRegexPatterns is like CompileRegexPatterns but panics on an invalid pattern.
// It is meant for package-level tables of fixed expressions.
func MustCompileRegexPatterns(patterns []string, caseInsensitive bool) []*regexp.Regexp {
	compiled, err := CompileRegexPatterns(patterns, caseInsensitive)
	if err != nil {
		panic(err)
	}
	return compiled
}
