// Package markup flattens the HTML fragments Moodle stores in question text
// and grade cells.
package markup

import (
	"strings"

	"golang.org/x/net/html"
)

// Contains reports whether s looks like it carries markup.
func Contains(s string) bool {
	return strings.Contains(s, "<")
}

// Text returns the text content of an HTML fragment with whitespace collapsed.
// Strings without markup are only trimmed and collapsed.
func Text(s string) string {
	if !Contains(s) {
		return collapse(html.UnescapeString(s))
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input; keep what was read.
			return collapse(sb.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if isRawText(name) {
				skip++
			}
			if isBlock(name) {
				sb.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if isRawText(name) && skip > 0 {
				skip--
			}
			if isBlock(name) {
				sb.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if isBlock(name) {
				sb.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

func isRawText(tag []byte) bool {
	switch string(tag) {
	case "script", "style":
		return true
	}
	return false
}

func isBlock(tag []byte) bool {
	switch string(tag) {
	case "br", "p", "div", "li", "tr", "td", "th", "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
