// Package schemas defines the serializable artifacts that cross the
// boundary of the selection pipeline: the locator record produced for
// every completed selection, and the wire messages exchanged with
// instrumented frames.
//
// Nothing in this package holds live DOM references. Every type is fully
// serializable so records can be handed to external collaborators
// (feedback persistence, notification delivery) without coupling them to
// the pipeline internals.
package schemas

import (
	"errors"
	"fmt"
	"time"
)

// Rect is a bounding box in page coordinates. Width and Height must be
// non-negative; Top/Left may be negative for elements scrolled out of view.
type Rect struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
}

// Valid reports whether the rectangle has sane dimensions.
func (r Rect) Valid() bool {
	return r.Width >= 0 && r.Height >= 0
}

// Offset returns a copy of the rectangle translated by (dx, dy).
// Used to convert frame-relative coordinates into host-page coordinates
// by adding the embedding frame's own bounding-box origin.
func (r Rect) Offset(dx, dy float64) Rect {
	r.Left += dx
	r.Top += dy
	return r
}

// Viewport describes the dimensions of the viewport a selection was made in.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PageContext carries provenance metadata attached at selection time.
type PageContext struct {
	URL          string    `json:"url"`
	Timestamp    time.Time `json:"timestamp"`
	ViewportSize Viewport  `json:"viewportSize"`
	UserAgent    string    `json:"userAgent"`
}

// VisualFingerprint captures enough visual identity to re-identify an
// element later, even after the page has changed underneath the selector.
type VisualFingerprint struct {
	BoundingBox    Rect   `json:"boundingBox"`
	ScreenshotHash string `json:"screenshotHash"`
}

// Locator is the primary output artifact of the selection pipeline.
// Exactly one Locator is produced per completed user selection.
type Locator struct {
	// Selector re-finds the element via CSS: ID-based when available,
	// otherwise tag+class+nth-of-type built bottom-up to a bounded
	// ancestor depth.
	Selector string `json:"selector"`
	// XPath is the absolute path computed by sibling-index counting
	// from the document root.
	XPath string `json:"xpath"`
	// ElementType is the semantic classification: the ARIA role when
	// present, else a tag-derived name, falling back to "element".
	ElementType string `json:"elementType"`
	// Dimensions is the element's bounding box translated into
	// host-page coordinates.
	Dimensions Rect `json:"dimensions"`
	// Screenshot is an optional base64 data URL of a rasterized capture
	// of the element or the whole frame.
	Screenshot string `json:"screenshot,omitempty"`

	PageContext PageContext `json:"pageContext"`

	VisualFingerprint *VisualFingerprint `json:"visualFingerprint,omitempty"`
}

// ErrInvalidLocator is returned when a locator record is structurally
// unusable by downstream consumers.
var ErrInvalidLocator = errors.New("invalid locator record")

// Validate checks the structural invariants of a locator record.
// A record must be anchored by a selector, an xpath, or a visual
// fingerprint (coordinate-only selections made over a page capture),
// and must carry a sane bounding box; everything else is best-effort
// metadata.
func (l *Locator) Validate() error {
	if l == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidLocator)
	}
	if l.Selector == "" && l.XPath == "" && l.VisualFingerprint == nil {
		return fmt.Errorf("%w: no selector, xpath or visual anchor present", ErrInvalidLocator)
	}
	if !l.Dimensions.Valid() {
		return fmt.Errorf("%w: negative dimensions %.1fx%.1f", ErrInvalidLocator, l.Dimensions.Width, l.Dimensions.Height)
	}
	return nil
}
