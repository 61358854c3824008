package capture

import (
	"strings"

	"golang.org/x/net/html"
)

const maxOutlineDepth = 50

// Outline renders a compact indented element outline of a page: one line
// per element with tag, id, classes and leading text. The comparator's
// typography heuristic and the advisor prompt both consume it.
func Outline(src string, maxNodes int) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	count := 0

	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if count >= maxNodes || depth > maxOutlineDepth {
			return
		}

		childDepth := depth
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head", "meta", "link", "title":
				return
			}
			writeOutlineLine(&sb, n, depth)
			count++
			childDepth = depth + 1
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, childDepth)
		}
	}
	walk(doc, 0)

	return sb.String(), nil
}

func writeOutlineLine(sb *strings.Builder, n *html.Node, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(n.Data)

	if id := getAttr(n, "id"); id != "" {
		sb.WriteString("#")
		sb.WriteString(id)
	}
	if class := getAttr(n, "class"); class != "" {
		for _, c := range strings.Fields(class) {
			sb.WriteString(".")
			sb.WriteString(c)
		}
	}
	if text := leadingText(n); text != "" {
		sb.WriteString(" \"")
		sb.WriteString(text)
		sb.WriteString("\"")
	}
	sb.WriteString("\n")
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// leadingText returns the first non-empty direct text child, whitespace
// collapsed and truncated.
func leadingText(n *html.Node) string {
	const maxText = 48
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		text := strings.Join(strings.Fields(c.Data), " ")
		if text == "" {
			continue
		}
		if len(text) > maxText {
			text = text[:maxText] + "..."
		}
		return text
	}
	return ""
}
