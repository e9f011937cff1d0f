package personalize

import (
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy *bluemonday.Policy
	policyOnce   sync.Once

	blockBreakPattern = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|h[1-6]|li|tr|blockquote|pre)>`)
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText produces the plain-text alternative of an HTML body
func HTMLToText(s string) string {
	policyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})

	s = blockBreakPattern.ReplaceAllString(s, "$0\n")
	text := html.UnescapeString(strictPolicy.Sanitize(s))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")

	return strings.TrimSpace(blankLinesPattern.ReplaceAllString(text, "\n\n"))
}
