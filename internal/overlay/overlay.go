// Package overlay implements the pointer state machine behind visual
// region selection: the user drags a rectangle over a rendered page
// capture and the tracker turns the gesture into page coordinates.
package overlay

import (
	"math"

	"github.com/FedericoTs/FeedbackforFounders-sub002/api/schemas"
)

// PointThreshold is the drag size, in CSS pixels of the displayed
// capture, below which a gesture counts as a point click rather than a
// region. Point clicks resolve to the mousedown coordinates.
const PointThreshold = 5.0

// Phase is the tracker's gesture state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDragging
)

// Point is a position in displayed-capture coordinates.
type Point struct {
	X float64
	Y float64
}

// Selection is a finished gesture.
type Selection struct {
	// Rect is the selected region in displayed-capture coordinates.
	// For point selections it is zero sized at the click position.
	Rect schemas.Rect
	// IsPoint reports that the drag never exceeded PointThreshold in
	// either dimension.
	IsPoint bool
}

// Tracker accumulates a single drag gesture. It is not safe for
// concurrent use; each overlay instance owns one tracker.
type Tracker struct {
	phase     Phase
	origin    Point
	last      Point
	bounds    schemas.Viewport
	threshold float64
}

// NewTracker creates a tracker clamped to the displayed capture size,
// using the default point threshold.
func NewTracker(bounds schemas.Viewport) *Tracker {
	return NewTrackerWithThreshold(bounds, PointThreshold)
}

// NewTrackerWithThreshold creates a tracker with a custom point
// threshold. Non-positive values fall back to the default.
func NewTrackerWithThreshold(bounds schemas.Viewport, threshold float64) *Tracker {
	if threshold <= 0 {
		threshold = PointThreshold
	}
	return &Tracker{bounds: bounds, threshold: threshold}
}

// Phase returns the current gesture state.
func (t *Tracker) Phase() Phase { return t.phase }

// Begin starts a drag at the given position. A drag already in progress
// is discarded.
func (t *Tracker) Begin(x, y float64) {
	p := t.clamp(Point{X: x, Y: y})
	t.phase = PhaseDragging
	t.origin = p
	t.last = p
}

// Move extends the drag and returns the live marquee rectangle, used to
// render the in-progress selection. Calls while idle return a zero rect.
func (t *Tracker) Move(x, y float64) schemas.Rect {
	if t.phase != PhaseDragging {
		return schemas.Rect{}
	}
	t.last = t.clamp(Point{X: x, Y: y})
	return rectBetween(t.origin, t.last)
}

// End finishes the drag and returns the selection. Small drags collapse
// to a point at the origin, matching where the user pressed down.
func (t *Tracker) End(x, y float64) (Selection, bool) {
	if t.phase != PhaseDragging {
		return Selection{}, false
	}
	t.last = t.clamp(Point{X: x, Y: y})
	t.phase = PhaseIdle

	r := rectBetween(t.origin, t.last)
	if r.Width < t.threshold && r.Height < t.threshold {
		return Selection{
			Rect:    schemas.Rect{Top: t.origin.Y, Left: t.origin.X},
			IsPoint: true,
		}, true
	}
	return Selection{Rect: r}, true
}

// Cancel aborts the drag without producing a selection.
func (t *Tracker) Cancel() {
	t.phase = PhaseIdle
}

func (t *Tracker) clamp(p Point) Point {
	if t.bounds.Width > 0 {
		p.X = math.Min(math.Max(p.X, 0), float64(t.bounds.Width))
	}
	if t.bounds.Height > 0 {
		p.Y = math.Min(math.Max(p.Y, 0), float64(t.bounds.Height))
	}
	return p
}

func rectBetween(a, b Point) schemas.Rect {
	return schemas.Rect{
		Left:   math.Min(a.X, b.X),
		Top:    math.Min(a.Y, b.Y),
		Width:  math.Abs(a.X - b.X),
		Height: math.Abs(a.Y - b.Y),
	}
}

// ScaleToNatural converts a rect in displayed-capture coordinates to the
// capture's natural pixel size. Captures are often rendered scaled down;
// locators need natural coordinates.
func ScaleToNatural(r schemas.Rect, displayed, natural schemas.Viewport) schemas.Rect {
	if displayed.Width <= 0 || displayed.Height <= 0 {
		return r
	}
	sx := float64(natural.Width) / float64(displayed.Width)
	sy := float64(natural.Height) / float64(displayed.Height)
	return schemas.Rect{
		Left:   r.Left * sx,
		Top:    r.Top * sy,
		Width:  r.Width * sx,
		Height: r.Height * sy,
	}
}
