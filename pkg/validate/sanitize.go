package validate

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// injectionPatterns are the known-bad fragments scanned on every string
// leaf. Matches reject the request with the offending field path.
var injectionPatterns = []*regexp.Regexp{
	// SQL meta-fragments.
	regexp.MustCompile(`(?i)('\s*(or|and)\s+'?\d)|(union\s+select)|(;\s*(drop|delete|insert|update)\s)|(--\s*$)`),
	// Script tags.
	regexp.MustCompile(`(?i)<\s*/?\s*script\b`),
	// Path traversal.
	regexp.MustCompile(`\.\./|\.\.\\`),
}

var collapseWhitespace = regexp.MustCompile(`[ \t]{2,}`)

// sanitizeString strips control bytes, normalizes the text to NFC, and
// collapses runs of horizontal whitespace.
func sanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		if r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = norm.NFC.String(s)
	s = collapseWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// sanitizeValue walks the document and returns a sanitized copy. Containers
// are rebuilt so the input is never mutated.
func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return sanitizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[sanitizeString(k)] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	default:
		return v
	}
}

// scanInjection walks string leaves and reports every match with its path.
func scanInjection(v any, path string) []Issue {
	switch t := v.(type) {
	case string:
		for _, p := range injectionPatterns {
			if p.MatchString(t) {
				return []Issue{{
					Path:    path,
					Code:    "injection_detected",
					Message: "value matches a known injection pattern",
				}}
			}
		}
	case map[string]any:
		var issues []Issue
		for k, val := range t {
			issues = append(issues, scanInjection(val, path+"."+k)...)
		}
		return issues
	case []any:
		var issues []Issue
		for i, val := range t {
			issues = append(issues, scanInjection(val, path+"["+strconv.Itoa(i)+"]")...)
		}
		return issues
	}
	return nil
}
