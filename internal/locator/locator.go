// Package locator generates and re-resolves stable element locators
// (CSS selector + absolute XPath) over parsed HTML documents.
//
// The generated pair is the reproducibility contract of the selection
// pipeline: both expressions must independently re-find the element in a
// static document. Selector generation prefers IDs, then falls back to
// tag + class + positional qualifiers with a bounded ancestor climb.
package locator

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

const (
	// DefaultMaxAncestors bounds the bottom-up ancestor climb of the CSS
	// selector builder. The climb runs even when the leaf part is already
	// reasonably specific; that matches the behavior of the shipped
	// selection script, which hosts depend on when deduplicating feedback
	// threads by selector string.
	DefaultMaxAncestors = 2
	// DefaultMaxClasses caps how many class names a selector part uses.
	DefaultMaxClasses = 2
)

// Generator builds CSS selectors and XPaths for elements of a parsed
// document. The zero value is not usable; call NewGenerator.
type Generator struct {
	// MaxAncestors is how many ancestor levels the CSS builder prepends
	// for disambiguation.
	MaxAncestors int
	// MaxClasses caps class names per selector part.
	MaxClasses int
}

// NewGenerator returns a Generator with the production defaults.
func NewGenerator() *Generator {
	return &Generator{
		MaxAncestors: DefaultMaxAncestors,
		MaxClasses:   DefaultMaxClasses,
	}
}

// CSSSelector computes a CSS selector for the node.
//
// An element with an id yields exactly "#<id>". Otherwise the part is
// tag + up to MaxClasses class names + an :nth-of-type(n) qualifier when
// the element has same-tag siblings, prefixed by up to MaxAncestors
// ancestor parts joined with " > ". An ancestor with an id terminates the
// climb early, anchoring the selector.
func (g *Generator) CSSSelector(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	if id := Attr(n, "id"); id != "" {
		return "#" + id
	}

	parts := []string{g.selectorPart(n)}
	climbed := 0
	for p := n.Parent; p != nil && climbed < g.MaxAncestors; p = p.Parent {
		if p.Type != html.ElementNode {
			break
		}
		tag := strings.ToLower(p.Data)
		if tag == "html" || tag == "body" {
			break
		}
		if id := Attr(p, "id"); id != "" {
			parts = append([]string{"#" + id}, parts...)
			break
		}
		parts = append([]string{g.selectorPart(p)}, parts...)
		climbed++
	}
	return strings.Join(parts, " > ")
}

// selectorPart builds the per-element fragment: tag, classes, position.
func (g *Generator) selectorPart(n *html.Node) string {
	var b strings.Builder
	tag := strings.ToLower(n.Data)
	b.WriteString(tag)

	used := 0
	for _, class := range strings.Fields(Attr(n, "class")) {
		if used >= g.MaxClasses {
			break
		}
		if !safeCSSIdent(class) {
			continue
		}
		b.WriteString(".")
		b.WriteString(class)
		used++
	}

	if pos, total := positionAmongSameTag(n); total > 1 {
		fmt.Fprintf(&b, ":nth-of-type(%d)", pos)
	}
	return b.String()
}

// XPath computes the absolute XPath of the node, rooted at the document
// element, with 1-based same-tag sibling indices at every level, e.g.
// /html[1]/body[1]/div[2]/p[1].
func (g *Generator) XPath(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}

	var segs []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		tag := strings.ToLower(cur.Data)
		idx := 1
		for prev := cur.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.EqualFold(prev.Data, cur.Data) {
				idx++
			}
		}
		segs = append(segs, fmt.Sprintf("%s[%d]", tag, idx))
	}

	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return "/" + strings.Join(segs, "/")
}

// positionAmongSameTag returns the element's 1-based position among
// same-tag element siblings and the total count of those siblings.
func positionAmongSameTag(n *html.Node) (pos, total int) {
	if n.Parent == nil {
		return 1, 1
	}
	for sib := n.Parent.FirstChild; sib != nil; sib = sib.NextSibling {
		if sib.Type != html.ElementNode || !strings.EqualFold(sib.Data, n.Data) {
			continue
		}
		total++
		if sib == n {
			pos = total
		}
	}
	if total == 0 {
		return 1, 1
	}
	return pos, total
}

// Attr returns the value of the named attribute, or "".
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// safeCSSIdent reports whether the class name can appear in a selector
// without escaping. Generated utility classes full of colons and brackets
// (tailwind variants, CSS-modules hashes) are skipped rather than escaped;
// a positional qualifier disambiguates instead.
func safeCSSIdent(s string) bool {
	if s == "" {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
