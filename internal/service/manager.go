// Package service exposes the selection pipeline over HTTP: frame
// lifecycle endpoints, the relay-backed page proxy, embedded selector
// assets, and a websocket event channel.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/api/schemas"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/frame"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/network"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/overlay"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/proxy"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/relay"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/rewrite"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/selection"
)

// frameEntry couples a frame controller with its last load result and
// the subscribers waiting on its locator events.
type frameEntry struct {
	ctrl *frame.Controller
	sel  *selection.Controller

	mu       sync.Mutex
	load     *frame.LoadResult
	locators chan schemas.Locator
}

// Manager owns the live frame controllers and the collaborators shared
// between them.
type Manager struct {
	logger     *zap.Logger
	pool       *relay.Pool
	client     *network.Client
	injectHTML string
	hostOrigin string
	userAgent  string
	debounce   time.Duration
	threshold  float64
	capture    selection.CaptureFunc
	ancestors  int
	classes    int

	mu     sync.RWMutex
	frames map[string]*frameEntry
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Pool       *relay.Pool
	Client     *network.Client
	InjectHTML string
	HostOrigin string
	UserAgent  string
	// DebounceInterval for mutation re-verification; zero uses the
	// selection package default.
	DebounceInterval time.Duration
	// PointThreshold is the drag distance (px) under which a visual
	// fallback selection collapses to a point. Zero uses the overlay
	// default.
	PointThreshold float64
	// Capture, when set, attaches page captures to visual fallback
	// locators.
	Capture selection.CaptureFunc
	// MaxAncestors and MaxClasses bound server-side selector generation.
	MaxAncestors int
	MaxClasses   int
	Logger       *zap.Logger
}

// NewManager creates an empty frame manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:     logger.Named("frames"),
		pool:       cfg.Pool,
		client:     cfg.Client,
		injectHTML: cfg.InjectHTML,
		hostOrigin: cfg.HostOrigin,
		userAgent:  cfg.UserAgent,
		debounce:   cfg.DebounceInterval,
		threshold:  cfg.PointThreshold,
		capture:    cfg.Capture,
		ancestors:  cfg.MaxAncestors,
		classes:    cfg.MaxClasses,
		frames:     make(map[string]*frameEntry),
	}
}

// CreateFrame builds a frame controller, loads the target, and registers
// the frame. The load decides direct versus proxy mode.
func (m *Manager) CreateFrame(ctx context.Context, targetURL string) (string, *frame.LoadResult, error) {
	sess := selection.NewSession(ctx, m.client, m.logger)

	rewriter := rewrite.NewRewriter(m.pool.ProxiedURL, m.logger)
	proxySess, err := proxy.NewSession(proxy.SessionConfig{
		Pool:       m.pool,
		Rewriter:   rewriter,
		Client:     m.client,
		InjectHTML: m.injectHTML,
		Logger:     m.logger,
	})
	if err != nil {
		sess.Close()
		return "", nil, err
	}

	entry := &frameEntry{
		locators: make(chan schemas.Locator, 4),
	}
	entry.sel = selection.NewController(sess, func(loc schemas.Locator) {
		select {
		case entry.locators <- loc:
		default:
			m.logger.Warn("Locator event dropped, subscriber too slow")
		}
	}, selection.ControllerConfig{
		UserAgent:        m.userAgent,
		DebounceInterval: m.debounce,
		Capture:          m.capture,
		MaxAncestors:     m.ancestors,
		MaxClasses:       m.classes,
		Logger:           m.logger,
	})
	entry.ctrl = frame.NewController(m.pool, sess, proxySess, entry.sel, frame.Config{
		HostOrigin: m.hostOrigin,
		Logger:     m.logger,
	})

	res, err := entry.ctrl.Load(ctx, targetURL)
	if err != nil {
		entry.ctrl.Close()
		return "", nil, err
	}
	entry.load = res

	m.mu.Lock()
	m.frames[entry.ctrl.ID()] = entry
	m.mu.Unlock()

	return entry.ctrl.ID(), res, nil
}

// FetchOnce runs a single relay fetch of the target with rewriting and
// instrumentation, without registering a frame.
func (m *Manager) FetchOnce(ctx context.Context, targetURL string) (*proxy.Content, error) {
	sess, err := proxy.NewSession(proxy.SessionConfig{
		Pool:       m.pool,
		Rewriter:   rewrite.NewRewriter(m.pool.ProxiedURL, m.logger),
		Client:     m.client,
		InjectHTML: m.injectHTML,
		Logger:     m.logger,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.FetchContent(ctx, targetURL)
}

// Reload fetches the frame's target again, replacing the stored result.
func (m *Manager) Reload(ctx context.Context, id, targetURL string) (*frame.LoadResult, error) {
	entry, err := m.frame(id)
	if err != nil {
		return nil, err
	}
	res, err := entry.ctrl.Load(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	entry.load = res
	entry.mu.Unlock()
	return res, nil
}

// ErrUnknownFrame reports a frame id with no live controller.
var ErrUnknownFrame = errors.New("unknown frame")

func (m *Manager) frame(id string) (*frameEntry, error) {
	m.mu.RLock()
	entry, ok := m.frames[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownFrame, id)
	}
	return entry, nil
}

// Content returns the stored proxy-mode document for a frame.
func (m *Manager) Content(id string) (*proxy.Content, error) {
	entry, err := m.frame(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.load == nil || entry.load.Content == nil {
		return nil, fmt.Errorf("frame %q has no proxied content", id)
	}
	return entry.load.Content, nil
}

// Load returns the stored load result.
func (m *Manager) Load(id string) (*frame.LoadResult, error) {
	entry, err := m.frame(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.load, nil
}

// Activate enables selection mode and returns the wire message to
// forward into the frame.
func (m *Manager) Activate(id string) ([]byte, error) {
	entry, err := m.frame(id)
	if err != nil {
		return nil, err
	}
	return entry.ctrl.Activate()
}

// Deactivate disables selection mode.
func (m *Manager) Deactivate(id string) ([]byte, error) {
	entry, err := m.frame(id)
	if err != nil {
		return nil, err
	}
	return entry.ctrl.Deactivate()
}

// RegionDrag is a completed drag gesture over a frame's rendered
// capture, in displayed-capture coordinates.
type RegionDrag struct {
	BeginX float64 `json:"beginX"`
	BeginY float64 `json:"beginY"`
	EndX   float64 `json:"endX"`
	EndY   float64 `json:"endY"`
	// Displayed is the size the capture renders at in the host page;
	// Natural is the page's real viewport. Rects scale between the two.
	Displayed schemas.Viewport `json:"displayed"`
	Natural   schemas.Viewport `json:"natural"`
	// FrameOffsetX/Y position the frame inside the host page, so the
	// resulting locator lands in host coordinates.
	FrameOffsetX float64 `json:"frameOffsetX"`
	FrameOffsetY float64 `json:"frameOffsetY"`
}

// SelectRegion completes a visual fallback selection for a frame whose
// selection script cannot run. The drag is replayed through a tracker so
// small gestures collapse to points under the configured threshold.
func (m *Manager) SelectRegion(ctx context.Context, id string, drag RegionDrag) (schemas.Locator, error) {
	entry, err := m.frame(id)
	if err != nil {
		return schemas.Locator{}, err
	}

	tr := overlay.NewTrackerWithThreshold(drag.Displayed, m.threshold)
	tr.Begin(drag.BeginX, drag.BeginY)
	sel, ok := tr.End(drag.EndX, drag.EndY)
	if !ok {
		return schemas.Locator{}, fmt.Errorf("frame %q: region gesture did not complete", id)
	}

	entry.sel.SetFrameOffset(drag.FrameOffsetX, drag.FrameOffsetY)
	if err := entry.sel.SelectRegion(ctx, sel, drag.Displayed, drag.Natural); err != nil {
		return schemas.Locator{}, err
	}
	loc, _ := entry.sel.Selected()
	return loc, nil
}

// HandleMessage routes a raw frame message through the frame's boundary
// checks.
func (m *Manager) HandleMessage(id, origin string, raw []byte) error {
	entry, err := m.frame(id)
	if err != nil {
		return err
	}
	return entry.ctrl.HandleRawMessage(origin, raw)
}

// Locator returns the frame's held locator, if a selection completed.
func (m *Manager) Locator(id string) (schemas.Locator, bool, error) {
	entry, err := m.frame(id)
	if err != nil {
		return schemas.Locator{}, false, err
	}
	loc, ok := entry.sel.Selected()
	return loc, ok, nil
}

// Locators returns the frame's locator event channel for streaming.
func (m *Manager) Locators(id string) (<-chan schemas.Locator, error) {
	entry, err := m.frame(id)
	if err != nil {
		return nil, err
	}
	return entry.locators, nil
}

// CloseFrame tears down one frame.
func (m *Manager) CloseFrame(id string) error {
	m.mu.Lock()
	entry, ok := m.frames[id]
	delete(m.frames, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownFrame, id)
	}
	entry.ctrl.Close()
	return nil
}

// Close tears down every frame.
func (m *Manager) Close() {
	m.mu.Lock()
	frames := m.frames
	m.frames = make(map[string]*frameEntry)
	m.mu.Unlock()
	for _, entry := range frames {
		entry.ctrl.Close()
	}
}
