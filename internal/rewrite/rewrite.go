// Package rewrite turns third-party HTML into a same-origin-loadable,
// selectable document: every subresource and navigation URL is rerouted
// through the relay, and the selection script is injected before the
// closing body tag.
package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ProxyFunc wraps an absolute http(s) URL into its relay-routed form.
type ProxyFunc func(absoluteURL string) string

// Options controls a single rewrite pass.
type Options struct {
	// RewriteURLs reroutes src/href/action/srcset/CSS url() references
	// through the relay.
	RewriteURLs bool
	// InjectHTML is appended before the closing body tag (or to the
	// document when no body exists). Typically the selection script and
	// its stylesheet.
	InjectHTML string
}

// Rewriter rewrites fetched HTML documents. Safe for concurrent use.
type Rewriter struct {
	proxyFor ProxyFunc
	logger   *zap.Logger
}

// urlAttrs are the attributes carrying a single URL value. srcset and
// style are handled separately.
var urlAttrs = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"formaction": true,
	"poster":     true,
	"data":       true,
	"cite":       true,
	"background": true,
	"longdesc":   true,
	"manifest":   true,
	"icon":       true,
}

// cssURLPattern matches url(...) tokens in stylesheet text, with single,
// double, or no quoting.
var cssURLPattern = regexp.MustCompile(`(?i)url\(\s*(?:'([^']*)'|"([^"]*)"|([^)'"\s]+))\s*\)`)

// NewRewriter creates a Rewriter that routes URLs through proxyFor.
func NewRewriter(proxyFor ProxyFunc, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{
		proxyFor: proxyFor,
		logger:   logger.Named("rewrite"),
	}
}

// Rewrite parses the document, applies the configured transformations,
// and renders the result. The base URL is the fetched page's own URL;
// relative references resolve against it before relay wrapping.
func (rw *Rewriter) Rewrite(r io.Reader, base *url.URL, opts Options) ([]byte, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	if opts.RewriteURLs {
		rw.rewriteTree(doc, base)
	}

	if opts.InjectHTML != "" {
		if err := rw.inject(doc, opts.InjectHTML); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

// RewriteURL converts one attribute value into its relay-routed form.
// Fragment-only, javascript:, data:, mailto:, tel:, blob: and about:
// references pass through byte-for-byte, as do values that fail to parse.
func (rw *Rewriter) RewriteURL(raw string, base *url.URL) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || preservedRef(trimmed) {
		return raw
	}

	abs, err := base.Parse(trimmed)
	if err != nil {
		rw.logger.Debug("Unparseable URL left untouched",
			zap.String("value", trimmed), zap.String("base", base.String()))
		return raw
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return raw
	}
	return rw.proxyFor(abs.String())
}

// preservedRef reports whether the reference must never be rerouted.
func preservedRef(v string) bool {
	if strings.HasPrefix(v, "#") {
		return true
	}
	lower := strings.ToLower(v)
	for _, scheme := range []string{"javascript:", "data:", "mailto:", "tel:", "blob:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// rewriteTree walks every element and rewrites its URL-bearing attributes
// and embedded stylesheet text.
func (rw *Rewriter) rewriteTree(n *html.Node, base *url.URL) {
	if n.Type == html.ElementNode {
		rw.rewriteElement(n, base)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		rw.rewriteTree(c, base)
	}
}

func (rw *Rewriter) rewriteElement(n *html.Node, base *url.URL) {
	// <style> text contains url(...) references.
	if strings.EqualFold(n.Data, "style") {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				c.Data = rw.RewriteCSSURLs(c.Data, base)
			}
		}
		return
	}

	var kept []html.Attribute
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		switch {
		case urlAttrs[key] && attr.Val != "":
			attr.Val = rw.RewriteURL(attr.Val, base)
		case key == "srcset" && attr.Val != "":
			attr.Val = rw.rewriteSrcset(attr.Val, base)
		case key == "style" && attr.Val != "":
			attr.Val = rw.RewriteCSSURLs(attr.Val, base)
		case key == "integrity" || key == "crossorigin":
			// Rewritten subresources no longer match their hashes, and
			// CORS attributes break relay-served assets. Drop both.
			continue
		}
		kept = append(kept, attr)
	}
	n.Attr = kept
}

// rewriteSrcset handles the comma-separated "url descriptor" candidate
// list of responsive images.
func (rw *Rewriter) rewriteSrcset(val string, base *url.URL) string {
	candidates := strings.Split(val, ",")
	out := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		fields := strings.Fields(strings.TrimSpace(cand))
		if len(fields) == 0 {
			out = append(out, cand)
			continue
		}
		fields[0] = rw.RewriteURL(fields[0], base)
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}

// RewriteCSSURLs reroutes url(...) tokens inside stylesheet text.
// data: references (inlined fonts, images) stay untouched.
func (rw *Rewriter) RewriteCSSURLs(css string, base *url.URL) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssURLPattern.FindStringSubmatch(match)
		raw := sub[1]
		if raw == "" {
			raw = sub[2]
		}
		if raw == "" {
			raw = sub[3]
		}
		rewritten := rw.RewriteURL(raw, base)
		if rewritten == raw {
			return match
		}
		return fmt.Sprintf("url('%s')", rewritten)
	})
}

// inject appends the fragment to the body element, or to the document
// root when the page has no body tag. Injection is idempotent per marker:
// if an element id from the fragment already exists in the document the
// fragment is skipped.
func (rw *Rewriter) inject(doc *html.Node, fragment string) error {
	body := findElement(doc, "body")

	parent := body
	if parent == nil {
		rw.logger.Warn("Document has no body tag, appending injection at document level")
		parent = findElement(doc, "html")
		if parent == nil {
			parent = doc
		}
	}

	nodes, err := html.ParseFragment(strings.NewReader(fragment), contextNode(parent))
	if err != nil {
		return fmt.Errorf("parse injection fragment: %w", err)
	}

	for _, n := range nodes {
		if id := elementID(n); id != "" && findByID(doc, id) != nil {
			continue
		}
		parent.AppendChild(n)
	}
	return nil
}

// contextNode returns the parse-fragment context for a parent. Fragments
// must be parsed in a body context to keep script/style nodes intact.
func contextNode(parent *html.Node) *html.Node {
	if parent.Type == html.ElementNode {
		return parent
	}
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, tag) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode && elementID(n) == id {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func elementID(n *html.Node) string {
	if n.Type != html.ElementNode {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == "id" {
			return a.Val
		}
	}
	return ""
}
