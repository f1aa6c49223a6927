package selection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/api/schemas"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/locator"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/overlay"
)

// State is the controller's selection lifecycle state.
type State int

const (
	// StateIdle means selection mode is off; pointer events pass through.
	StateIdle State = iota
	// StateActive means the user is choosing an element.
	StateActive
	// StateSelected means a locator was produced and selection mode shut
	// itself off until reactivated.
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateSelected:
		return "selected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotActive is returned for selection events arriving while the
	// controller is not in selection mode.
	ErrNotActive = errors.New("selection mode is not active")
	// ErrNotSelectable rejects document roots as selection targets.
	ErrNotSelectable = errors.New("element is not selectable")
)

// CaptureFunc rasterizes the current page state and returns a base64
// data URL plus a content hash. Controllers fall back to coordinate
// selection over the capture when the selection script cannot run.
type CaptureFunc func(ctx context.Context) (dataURL, hash string, err error)

// SelectHandler receives the single locator produced by a completed
// selection.
type SelectHandler func(schemas.Locator)

// ControllerConfig configures a selection controller.
type ControllerConfig struct {
	// UserAgent stamped into locator page context.
	UserAgent string
	// DebounceInterval for mutation re-verification. Zero means the
	// default.
	DebounceInterval time.Duration
	// Capture, when set, enables the visual fallback path.
	Capture CaptureFunc
	// MaxAncestors and MaxClasses bound server-side selector generation
	// during snapshot verification. Zero means the defaults.
	MaxAncestors int
	MaxClasses   int
	Logger       *zap.Logger
}

// Controller owns the selection state machine for one frame. Events
// arrive from the wire (validated messages) or from the visual fallback
// overlay; each completed selection invokes the handler exactly once.
type Controller struct {
	logger   *zap.Logger
	sess     *Session
	onSelect SelectHandler
	capture  CaptureFunc
	gen      *locator.Generator
	ua       string

	mu          sync.Mutex
	state       State
	scriptReady bool
	offsetX     float64
	offsetY     float64
	selected    *schemas.Locator
	debounce    *Debouncer
}

// NewController creates an idle controller bound to a document session.
// The session may be nil when the host has no direct access to the page
// (relay-proxied frames); locator verification is skipped in that case.
func NewController(sess *Session, onSelect SelectHandler, cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	gen := locator.NewGenerator()
	if cfg.MaxAncestors > 0 {
		gen.MaxAncestors = cfg.MaxAncestors
	}
	if cfg.MaxClasses > 0 {
		gen.MaxClasses = cfg.MaxClasses
	}
	c := &Controller{
		logger:   cfg.Logger,
		sess:     sess,
		onSelect: onSelect,
		capture:  cfg.Capture,
		gen:      gen,
		ua:       cfg.UserAgent,
	}
	c.debounce = NewDebouncer(cfg.DebounceInterval, c.reverifySelection)
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ScriptReady reports whether the instrumented frame announced itself.
func (c *Controller) ScriptReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scriptReady
}

// SetFrameOffset records the embedding frame's origin in host-page
// coordinates. Selection rects are translated by this offset so locator
// dimensions always live in host coordinates.
func (c *Controller) SetFrameOffset(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetX = x
	c.offsetY = y
}

// Activate enters selection mode. Activating from StateSelected discards
// the previous selection.
func (c *Controller) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateActive
	c.selected = nil
}

// Deactivate leaves selection mode and clears any held selection.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.selected = nil
}

// Selected returns a copy of the held locator, if any.
func (c *Controller) Selected() (schemas.Locator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return schemas.Locator{}, false
	}
	return *c.selected, true
}

// Close stops the mutation debouncer.
func (c *Controller) Close() {
	c.debounce.Stop()
}

// HandleMessage processes a validated wire message from the frame.
func (c *Controller) HandleMessage(msg schemas.Message) error {
	switch msg.Type {
	case schemas.MessageSelectorReady:
		c.mu.Lock()
		c.scriptReady = true
		c.mu.Unlock()
		return nil

	case schemas.MessageActivateSelection:
		// Echoed activation state from the frame side.
		if msg.Activate != nil && !msg.Activate.Active {
			c.Deactivate()
		}
		return nil

	case schemas.MessageElementSelected:
		if msg.Element == nil {
			return schemas.ErrMalformedPayload
		}
		return c.handleElementSelected(*msg.Element)

	case schemas.MessageDOMMutation:
		c.NotifyMutation()
		return nil

	default:
		return fmt.Errorf("%w: %q", schemas.ErrUnknownMessageType, msg.Type)
	}
}

func (c *Controller) handleElementSelected(p schemas.ElementSelectedPayload) error {
	tag := strings.ToLower(strings.TrimSpace(p.TagName))
	if tag == "html" || tag == "body" {
		return fmt.Errorf("%w: %s", ErrNotSelectable, tag)
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	offsetX, offsetY := c.offsetX, c.offsetY
	c.mu.Unlock()

	loc := schemas.Locator{
		Selector:    p.Selector,
		XPath:       p.XPath,
		ElementType: locator.ClassifyTag(tag, p.Attributes["role"]),
		Dimensions:  p.Rect.Offset(offsetX, offsetY),
		PageContext: schemas.PageContext{
			URL:          p.PageURL,
			Timestamp:    time.Now().UTC(),
			ViewportSize: p.Viewport,
			UserAgent:    c.ua,
		},
	}

	if c.sess != nil && c.sess.Document() != nil {
		node, err := c.sess.Resolve(p.Selector, p.XPath)
		if err != nil {
			// The frame saw an element the snapshot cannot re-find.
			// Scripted pages mutate after load, so keep the locator but
			// note the divergence.
			c.logger.Warn("Selected element did not resolve against document snapshot",
				zap.String("selector", p.Selector),
				zap.String("xpath", p.XPath),
				zap.Error(err))
		} else {
			// Regenerate the canonical locator pair from the resolved node.
			// The frame script and the server builder follow the same rules,
			// so a mismatch means the page mutated between click and report.
			canonical := c.gen.CSSSelector(node)
			canonicalXPath := c.gen.XPath(node)
			if loc.Selector == "" {
				loc.Selector = canonical
			} else if canonical != "" && canonical != loc.Selector {
				c.logger.Warn("Frame selector diverges from snapshot-derived selector",
					zap.String("frame_selector", loc.Selector),
					zap.String("snapshot_selector", canonical))
			}
			if loc.XPath == "" {
				loc.XPath = canonicalXPath
			} else if canonicalXPath != "" && canonicalXPath != loc.XPath {
				c.logger.Warn("Frame xpath diverges from snapshot-derived xpath",
					zap.String("frame_xpath", loc.XPath),
					zap.String("snapshot_xpath", canonicalXPath))
			}
		}
	}

	if err := loc.Validate(); err != nil {
		return err
	}
	return c.commit(loc)
}

// SelectRegion completes a selection from the visual fallback overlay:
// a region or point drawn over a page capture instead of a live element.
func (c *Controller) SelectRegion(ctx context.Context, sel overlay.Selection, displayed, natural schemas.Viewport) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	offsetX, offsetY := c.offsetX, c.offsetY
	c.mu.Unlock()

	rect := overlay.ScaleToNatural(sel.Rect, displayed, natural).Offset(offsetX, offsetY)

	var dataURL, hash string
	if c.capture != nil {
		var err error
		dataURL, hash, err = c.capture(ctx)
		if err != nil {
			c.logger.Warn("Page capture failed, emitting coordinate-only locator", zap.Error(err))
		}
	}

	pageURL := ""
	if c.sess != nil {
		pageURL = c.sess.CurrentURL()
	}

	loc := schemas.Locator{
		ElementType: "region",
		Dimensions:  rect,
		Screenshot:  dataURL,
		PageContext: schemas.PageContext{
			URL:          pageURL,
			Timestamp:    time.Now().UTC(),
			ViewportSize: natural,
			UserAgent:    c.ua,
		},
		VisualFingerprint: &schemas.VisualFingerprint{
			BoundingBox:    rect,
			ScreenshotHash: hash,
		},
	}

	if err := loc.Validate(); err != nil {
		return err
	}
	return c.commit(loc)
}

// commit transitions Active -> Selected and invokes the handler once.
func (c *Controller) commit(loc schemas.Locator) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.state = StateSelected
	c.selected = &loc
	handler := c.onSelect
	c.mu.Unlock()

	c.logger.Info("Selection completed",
		zap.String("selector", loc.Selector),
		zap.String("element_type", loc.ElementType))

	if handler != nil {
		handler(loc)
	}
	return nil
}

// NotifyMutation signals that the observed document changed. Bursts are
// debounced; once quiet, the held selection is re-verified against the
// snapshot and dropped if it no longer resolves.
func (c *Controller) NotifyMutation() {
	c.debounce.Trigger()
}

func (c *Controller) reverifySelection() {
	c.mu.Lock()
	loc := c.selected
	c.mu.Unlock()

	if loc == nil || c.sess == nil || c.sess.Document() == nil {
		return
	}
	if loc.Selector == "" && loc.XPath == "" {
		// Visual fallback selections have no structural anchor.
		return
	}

	if _, err := c.sess.Resolve(loc.Selector, loc.XPath); err != nil {
		c.logger.Info("Held selection no longer resolves after mutation, clearing",
			zap.String("selector", loc.Selector))
		c.mu.Lock()
		if c.selected == loc {
			c.selected = nil
			c.state = StateIdle
		}
		c.mu.Unlock()
	}
}
