package main

import (
	"strings"

	"github.com/tidwall/match"
)

// titleFilter matches the composed "{METHOD} {URL}" line of a transaction.
// A pattern containing glob metacharacters is matched as a glob, anything
// else as a case-sensitive substring.
type titleFilter struct {
	pattern string
	glob    bool
}

func newTitleFilter(pattern string) titleFilter {
	return titleFilter{pattern: pattern, glob: strings.ContainsAny(pattern, "*?")}
}

// matchTitle reports whether any filter accepts the title. An empty filter
// list accepts everything.
func matchTitle(filters []titleFilter, title string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.glob {
			if match.Match(title, f.pattern) {
				return true
			}
		} else if strings.Contains(title, f.pattern) {
			return true
		}
	}
	return false
}

// matchMime reports whether any filter matches the Content-Type header
// value. An empty filter list accepts everything.
func matchMime(filters []string, contentType string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.Contains(contentType, f) {
			return true
		}
	}
	return false
}

// mimeEssence strips parameters like "; charset=utf-8" from a Content-Type
// header value.
func mimeEssence(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}
