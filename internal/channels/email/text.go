package email

import (
	"html"
	"regexp"
	"strings"
)

var (
	breakTags = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	anyTag    = regexp.MustCompile(`<[^>]*>`)
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// plainText derives the text/plain alternative from an HTML body.
func plainText(body string) string {
	out := breakTags.ReplaceAllString(body, "\n")
	out = anyTag.ReplaceAllString(out, "")
	out = html.UnescapeString(out)
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	out = strings.Join(lines, "\n")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
