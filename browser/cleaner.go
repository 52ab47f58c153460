package browser

import (
	"regexp"
	"strings"
)

var (
	scriptRe  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe   = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	h1Re      = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	h2Re      = regexp.MustCompile(`(?is)<h2[^>]*>(.*?)</h2>`)
	h3Re      = regexp.MustCompile(`(?is)<h3[^>]*>(.*?)</h3>`)
	pRe       = regexp.MustCompile(`(?is)<p[^>]*>(.*?)</p>`)
	brRe      = regexp.MustCompile(`(?i)<br\s*/?>`)
	aRe       = regexp.MustCompile(`(?is)<a[^>]*>(.*?)</a>`)
	tagRe     = regexp.MustCompile(`<[^>]*>`)
	spaceRe   = regexp.MustCompile(`[ \t]+`)
	newlineRe = regexp.MustCompile(`\n{3,}`)
)

const maxReadableLen = 10000

// ExtractReadableText strips markup from rendered HTML and returns readable
// text with markdown-style headings. It is deliberately regex-based: the
// input is already rendered DOM serialization, not arbitrary wild HTML.
func ExtractReadableText(html string) string {
	html = scriptRe.ReplaceAllString(html, "")
	html = styleRe.ReplaceAllString(html, "")
	html = commentRe.ReplaceAllString(html, "")

	html = h1Re.ReplaceAllString(html, "\n# $1\n")
	html = h2Re.ReplaceAllString(html, "\n## $1\n")
	html = h3Re.ReplaceAllString(html, "\n### $1\n")
	html = pRe.ReplaceAllString(html, "\n$1\n")
	html = brRe.ReplaceAllString(html, "\n")
	html = aRe.ReplaceAllString(html, "$1")

	html = tagRe.ReplaceAllString(html, "")

	html = strings.ReplaceAll(html, "&nbsp;", " ")
	html = strings.ReplaceAll(html, "&amp;", "&")
	html = strings.ReplaceAll(html, "&lt;", "<")
	html = strings.ReplaceAll(html, "&gt;", ">")
	html = strings.ReplaceAll(html, "&quot;", "\"")
	html = strings.ReplaceAll(html, "&#39;", "'")

	html = spaceRe.ReplaceAllString(html, " ")
	html = newlineRe.ReplaceAllString(html, "\n\n")
	html = strings.TrimSpace(html)

	if len(html) > maxReadableLen {
		html = html[:maxReadableLen] + "\n\n... (content truncated for readability)"
	}
	return html
}
