// Package render prepares generated documents for preview and PDF export.
package render

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	documentPolicyOnce sync.Once
	documentPolicy     *bluemonday.Policy
)

// Sanitize applies the document allowlist to externally generated markup.
// Scripts, event handlers, embedded frames and <style> blocks are removed;
// structural and text formatting elements survive.
func Sanitize(fragment string) string {
	trimmed := strings.TrimSpace(fragment)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(documentSanitizer().Sanitize(trimmed))
}

func documentSanitizer() *bluemonday.Policy {
	documentPolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowElements("section", "article", "header", "footer", "main", "address", "u", "s", "small")
		policy.AllowAttrs("class").Globally()
		policy.AllowAttrs("align").OnElements("p", "div", "td", "th", "h1", "h2", "h3", "h4")
		policy.AllowStyles(
			"border", "border-top", "border-bottom", "border-left", "border-right",
			"border-collapse", "border-color", "border-style", "border-width",
			"margin", "margin-top", "margin-bottom", "margin-left", "margin-right",
			"padding", "padding-top", "padding-bottom", "padding-left", "padding-right",
			"text-align", "text-decoration", "text-transform", "vertical-align",
			"font-weight", "font-style", "font-size", "font-family", "line-height",
			"width", "max-width", "min-height", "color", "background-color",
		).Globally()
		documentPolicy = policy
	})
	return documentPolicy
}
