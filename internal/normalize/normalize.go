// Package normalize strips wrapper artifacts from raw model replies.
package normalize

import (
	"regexp"
	"strings"
)

// EndSentinel marks the end of the document; anything after it is discarded.
const EndSentinel = "<!-- END_OF_DOCUMENT -->"

var (
	leadingFence  = regexp.MustCompile("(?i)^```html")
	trailingFence = regexp.MustCompile("```$")
	leadingTag    = regexp.MustCompile(`(?is)^\s*(<!--.*?-->\s*)*<h1[\s>]`)
)

// Document returns the canonical HTML fragment for a raw model reply.
// The result is not checked for HTML validity.
func Document(raw string) string {
	s := strings.TrimSpace(raw)

	if i := strings.Index(s, EndSentinel); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}

	s = leadingFence.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = trailingFence.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	s = unquote(s)
	return strings.TrimSpace(s)
}

// unquote removes a single pair of stray quotes wrapping the whole reply.
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	for _, q := range []string{`"`, "'", "`"} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			inner := strings.TrimSpace(s[1 : len(s)-1])
			if strings.HasPrefix(inner, "<") {
				return inner
			}
		}
	}
	return s
}

// StartsWithHeading reports whether doc opens with an <h1> element,
// ignoring leading comments. Used for diagnostics only.
func StartsWithHeading(doc string) bool {
	return leadingTag.MatchString(doc)
}
