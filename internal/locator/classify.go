package locator

import (
	"strings"

	"golang.org/x/net/html"
)

// tagSemantics maps tag names to the semantic names surfaced to users in
// the feedback UI ("heading", "link", ...). Resolved at this single
// lookup site; keep it closed rather than scattering literal maps.
var tagSemantics = map[string]string{
	"h1": "heading", "h2": "heading", "h3": "heading",
	"h4": "heading", "h5": "heading", "h6": "heading",
	"a":        "link",
	"button":   "button",
	"input":    "input",
	"textarea": "input",
	"select":   "input",
	"img":      "image",
	"svg":      "image",
	"picture":  "image",
	"video":    "video",
	"audio":    "audio",
	"p":        "paragraph",
	"ul":       "list",
	"ol":       "list",
	"li":       "list item",
	"table":    "table",
	"form":     "form",
	"nav":      "navigation",
	"header":   "banner",
	"footer":   "footer",
	"label":    "label",
}

// Classify returns the semantic element type for a node: the ARIA role
// attribute when present, else a tag-derived name, falling back to
// "element".
func Classify(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return "element"
	}
	return ClassifyTag(n.Data, Attr(n, "role"))
}

// ClassifyTag is the string form of Classify, for callers holding a tag
// name and role from a wire payload rather than a parsed node.
func ClassifyTag(tag, role string) string {
	if role = strings.TrimSpace(role); role != "" {
		return role
	}
	if sem, ok := tagSemantics[strings.ToLower(tag)]; ok {
		return sem
	}
	return "element"
}
