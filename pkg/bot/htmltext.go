package bot

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// containsMarkup reports whether parsed attachment content still looks like
// HTML rather than already-extracted text.
func containsMarkup(s string) bool {
	open := strings.IndexByte(s, '<')
	return open >= 0 && strings.IndexByte(s[open:], '>') > 0
}

// htmlToText extracts readable text from an HTML document: scripts, styles,
// and chrome are dropped, block elements become line breaks, and whitespace
// is collapsed.
func htmlToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var sb strings.Builder
	renderText(&sb, doc)
	return collapseBlankLines(sb.String())
}

// suppressedTags are elements whose entire subtree carries no content.
var suppressedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true,
	"nav": true, "footer": true, "svg": true, "iframe": true, "form": true,
}

// lineBreakTags emit a newline before and after their content.
var lineBreakTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"blockquote": true, "li": true, "tr": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

func renderText(sb *strings.Builder, n *html.Node) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		return
	}
	if n.Type == html.ElementNode {
		if suppressedTags[n.Data] {
			return
		}
		if n.Data == "br" {
			sb.WriteByte('\n')
			return
		}
		if lineBreakTags[n.Data] {
			sb.WriteByte('\n')
			defer sb.WriteByte('\n')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(sb, c)
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimFunc(line, unicode.IsSpace)
		if trimmed == "" {
			blanks++
			if blanks <= 1 {
				out = append(out, "")
			}
			continue
		}
		blanks = 0
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
