package locator

import (
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Resolution errors. Both expressions failing is the signal that the page
// has mutated past the point of re-identification.
var (
	ErrNoMatch  = errors.New("locator matches no element")
	ErrDiverged = errors.New("selector and xpath resolve to different elements")
)

// ResolveSelector evaluates a CSS selector against the document and
// returns the first match.
func ResolveSelector(doc *html.Node, selector string) (*html.Node, error) {
	if selector == "" {
		return nil, fmt.Errorf("%w: empty selector", ErrNoMatch)
	}
	sel := goquery.NewDocumentFromNode(doc).Find(selector)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, selector)
	}
	return sel.Nodes[0], nil
}

// ResolveXPath evaluates an XPath expression against the document and
// returns the first match.
func ResolveXPath(doc *html.Node, xpath string) (*html.Node, error) {
	if xpath == "" {
		return nil, fmt.Errorf("%w: empty xpath", ErrNoMatch)
	}
	n, err := htmlquery.Query(doc, xpath)
	if err != nil {
		return nil, fmt.Errorf("xpath query %q: %w", xpath, err)
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, xpath)
	}
	return n, nil
}

// Verify re-evaluates both halves of a locator pair against a document.
// It returns the resolved node when selector and xpath agree. Divergence
// means the record cannot be trusted for precise re-identification,
// though either half may still be usable on its own.
func Verify(doc *html.Node, selector, xpath string) (*html.Node, error) {
	bySel, selErr := ResolveSelector(doc, selector)
	byXP, xpErr := ResolveXPath(doc, xpath)

	switch {
	case selErr == nil && xpErr == nil:
		if bySel != byXP {
			return nil, ErrDiverged
		}
		return bySel, nil
	case selErr == nil:
		return bySel, nil
	case xpErr == nil:
		return byXP, nil
	default:
		return nil, errors.Join(selErr, xpErr)
	}
}
