package views

import "strings"

// Block is a paragraph, heading or bullet list of the plain-text body.
type Block struct {
	Kind  string // "p", "h", "ul"
	Lines []string
}

// Blocks splits a plain-text body on blank lines. Markdown-style headings
// and runs of "- " or "* " lines are recognized.
func Blocks(body string) []Block {
	var blocks []Block
	for _, para := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		para = strings.Trim(para, "\n")
		if strings.TrimSpace(para) == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		switch {
		case len(lines) == 1 && strings.HasPrefix(lines[0], "#"):
			blocks = append(blocks, Block{Kind: "h", Lines: []string{strings.TrimSpace(strings.TrimLeft(lines[0], "#"))}})
		case allBullets(lines):
			items := make([]string, len(lines))
			for i, l := range lines {
				items[i] = strings.TrimSpace(strings.TrimSpace(l)[2:])
			}
			blocks = append(blocks, Block{Kind: "ul", Lines: items})
		default:
			blocks = append(blocks, Block{Kind: "p", Lines: lines})
		}
	}
	return blocks
}

func allBullets(lines []string) bool {
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if !strings.HasPrefix(l, "- ") && !strings.HasPrefix(l, "* ") {
			return false
		}
	}
	return true
}
