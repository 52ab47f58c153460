package browser

import (
	"strings"
	"testing"
)

func TestExtractReadableTextStripsScriptsAndStyles(t *testing.T) {
	html := `<html><head><style>body{color:red}</style></head>
<body><script>alert("x")</script><p>Visible text</p></body></html>`

	text := ExtractReadableText(html)
	if strings.Contains(text, "alert") {
		t.Error("script content should be removed")
	}
	if strings.Contains(text, "color:red") {
		t.Error("style content should be removed")
	}
	if !strings.Contains(text, "Visible text") {
		t.Error("paragraph text should survive")
	}
}

func TestExtractReadableTextHeadings(t *testing.T) {
	html := `<h1>Flights</h1><h2>Boston to Seattle</h2><p>From $199</p>`
	text := ExtractReadableText(html)

	if !strings.Contains(text, "# Flights") {
		t.Errorf("h1 should become a markdown heading, got: %s", text)
	}
	if !strings.Contains(text, "## Boston to Seattle") {
		t.Errorf("h2 should become a markdown heading, got: %s", text)
	}
}

func TestExtractReadableTextKeepsAnchorText(t *testing.T) {
	text := ExtractReadableText(`<a href="https://example.com">Book now</a>`)
	if !strings.Contains(text, "Book now") {
		t.Error("anchor text should be kept")
	}
	if strings.Contains(text, "href") {
		t.Error("anchor markup should be removed")
	}
}

func TestExtractReadableTextDecodesEntities(t *testing.T) {
	text := ExtractReadableText(`<p>Fish &amp; Chips &lt;fresh&gt;</p>`)
	if !strings.Contains(text, "Fish & Chips <fresh>") {
		t.Errorf("entities should decode, got: %s", text)
	}
}

func TestExtractReadableTextTruncatesLongContent(t *testing.T) {
	long := "<p>" + strings.Repeat("word ", 5000) + "</p>"
	text := ExtractReadableText(long)
	if len(text) > maxReadableLen+100 {
		t.Errorf("output should be truncated, len=%d", len(text))
	}
	if !strings.Contains(text, "truncated for readability") {
		t.Error("truncation marker missing")
	}
}

func TestExtractReadableTextCollapsesWhitespace(t *testing.T) {
	text := ExtractReadableText("<p>a</p>\n\n\n\n\n<p>b</p>")
	if strings.Contains(text, "\n\n\n") {
		t.Error("runs of newlines should collapse")
	}
}

func TestIsTimeout(t *testing.T) {
	if !isTimeout(errTimeout{}) {
		t.Error("timeout wording should be detected")
	}
	if isTimeout(nil) {
		t.Error("nil is not a timeout")
	}
}

type errTimeout struct{}

func (errTimeout) Error() string { return "playwright: Timeout 30000ms exceeded" }
