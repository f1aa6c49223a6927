// Package frame orchestrates one embedded target frame: deciding between
// direct embedding and relay-proxied content, policing the message
// boundary, and forwarding validated events to the selection controller.
package frame

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/api/schemas"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/proxy"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/relay"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/selection"
)

// Mode is how the target page reaches the user's browser.
type Mode int

const (
	// ModeDirect embeds the target URL as-is; its headers allow framing.
	ModeDirect Mode = iota
	// ModeProxy serves a relay-fetched, rewritten copy of the page.
	ModeProxy
)

func (m Mode) String() string {
	if m == ModeProxy {
		return "proxy"
	}
	return "direct"
}

// ErrOriginRejected marks a message dropped by the origin allow-list.
var ErrOriginRejected = errors.New("message origin not allowed")

// LoadResult describes a completed page load.
type LoadResult struct {
	Mode Mode
	// FrameURL is what the host should embed: the target itself in
	// direct mode, empty in proxy mode (the host serves Content).
	FrameURL string
	// Content is the rewritten document in proxy mode.
	Content *proxy.Content
	// Generation is the fetch generation that produced this result.
	Generation uint64
}

// Config configures a frame controller.
// ModePolicy constrains how a frame is allowed to load its target.
type ModePolicy int

const (
	// PolicyAuto probes for direct embeddability and falls back to the
	// relay when the target refuses framing.
	PolicyAuto ModePolicy = iota
	// PolicyDirect never proxies; an unembeddable target is an error.
	PolicyDirect
	// PolicyProxy always loads through the relay, skipping the probe.
	PolicyProxy
)

type Config struct {
	// HostOrigin is the origin of the page embedding the frame.
	HostOrigin string
	// ExtraOrigins are additional allowed message origins beyond the
	// host, the relay set, and the loaded target.
	ExtraOrigins []string
	// Policy defaults to PolicyAuto.
	Policy ModePolicy
	Logger *zap.Logger
}

// Controller owns one frame's lifecycle. A load probes the target for
// direct embeddability and falls back to relay proxying; messages from
// the frame pass origin and schema checks before they reach the
// selection state machine.
type Controller struct {
	id        string
	logger    *zap.Logger
	pool      *relay.Pool
	sess      *selection.Session
	proxySess *proxy.Session
	selCtrl   *selection.Controller

	mu      sync.RWMutex
	mode    Mode
	target  *url.URL
	allowed map[string]bool
	extra   []string
	host    string
	policy  ModePolicy
}

// NewController wires a frame controller from its collaborators.
func NewController(pool *relay.Pool, sess *selection.Session, proxySess *proxy.Session, selCtrl *selection.Controller, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()

	c := &Controller{
		id:        id,
		logger:    logger.With(zap.String("frame_id", id)),
		pool:      pool,
		sess:      sess,
		proxySess: proxySess,
		selCtrl:   selCtrl,
		host:      cfg.HostOrigin,
		extra:     cfg.ExtraOrigins,
		policy:    cfg.Policy,
	}
	c.rebuildAllowList()
	return c
}

// ID returns the frame identifier.
func (c *Controller) ID() string { return c.id }

// Mode returns the current embedding mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Load resolves how to embed the target and, in proxy mode, fetches and
// rewrites the page. Frame-busting hosts skip the direct probe entirely.
// A load superseded by a newer one returns proxy.ErrStaleFetch; the
// caller discards the result without rendering.
func (c *Controller) Load(ctx context.Context, targetURL string) (*LoadResult, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parsing target url %q: %w", targetURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q for target url", u.Scheme)
	}

	direct := c.pool == nil || c.pool.IsLikelyEmbeddable(targetURL)
	switch c.policy {
	case PolicyDirect:
		direct = true
	case PolicyProxy:
		direct = false
	}
	if direct && c.sess != nil {
		if err := c.sess.Navigate(ctx, targetURL); err != nil {
			if c.policy == PolicyDirect {
				return nil, fmt.Errorf("direct load of %q failed: %w", targetURL, err)
			}
			c.logger.Info("Direct probe failed, switching to proxy mode",
				zap.String("target", targetURL), zap.Error(err))
			direct = false
		} else if !c.sess.Embeddable() {
			if c.policy == PolicyDirect {
				return nil, fmt.Errorf("target %q refuses framing", targetURL)
			}
			c.logger.Info("Target refuses framing, switching to proxy mode",
				zap.String("target", targetURL))
			direct = false
		}
	}

	c.mu.Lock()
	c.target = u
	c.mu.Unlock()

	if direct {
		c.setMode(ModeDirect)
		c.logger.Info("Frame loading directly", zap.String("target", targetURL))
		return &LoadResult{Mode: ModeDirect, FrameURL: targetURL}, nil
	}

	if c.proxySess == nil {
		return nil, fmt.Errorf("target %q cannot be embedded directly and no proxy session is configured", targetURL)
	}

	content, err := c.proxySess.FetchContent(ctx, targetURL)
	if err != nil {
		return nil, err
	}

	c.setMode(ModeProxy)
	c.logger.Info("Frame loading via relay",
		zap.String("target", targetURL),
		zap.String("relay", content.Relay.Name))
	return &LoadResult{
		Mode:       ModeProxy,
		Content:    content,
		Generation: content.Generation,
	}, nil
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
	c.rebuildAllowList()
}

// rebuildAllowList recomputes the accepted message origins: the host,
// the relay origins, the loaded target's origin, and configured extras.
func (c *Controller) rebuildAllowList() {
	allowed := make(map[string]bool)
	add := func(origin string) {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin != "" {
			allowed[origin] = true
		}
	}

	add(c.host)
	for _, o := range c.extra {
		add(o)
	}
	if c.pool != nil {
		for _, o := range c.pool.Origins() {
			add(o)
		}
	}

	c.mu.Lock()
	if c.target != nil {
		add(c.target.Scheme + "://" + c.target.Host)
	}
	c.allowed = allowed
	c.mu.Unlock()
}

// OriginAllowed reports whether messages from the given origin are
// accepted.
func (c *Controller) OriginAllowed(origin string) bool {
	origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allowed[origin]
}

// HandleRawMessage validates origin and schema, then forwards the event
// to the selection controller. Rejected messages are dropped with an
// error; they never reach selection state.
func (c *Controller) HandleRawMessage(origin string, raw []byte) error {
	if !c.OriginAllowed(origin) {
		c.logger.Warn("Dropping message from disallowed origin", zap.String("origin", origin))
		return fmt.Errorf("%w: %q", ErrOriginRejected, origin)
	}

	msg, err := schemas.DecodeMessage(raw)
	if err != nil {
		c.logger.Warn("Dropping malformed frame message", zap.Error(err))
		return err
	}

	if c.selCtrl == nil {
		return nil
	}
	return c.selCtrl.HandleMessage(*msg)
}

// Activate turns on selection mode and returns the encoded activation
// message the host forwards into the frame.
func (c *Controller) Activate() ([]byte, error) {
	if c.selCtrl != nil {
		c.selCtrl.Activate()
	}
	return schemas.EncodeMessage(&schemas.Message{
		Type:     schemas.MessageActivateSelection,
		Activate: &schemas.ActivatePayload{Active: true},
	})
}

// Deactivate turns off selection mode and returns the encoded
// deactivation message.
func (c *Controller) Deactivate() ([]byte, error) {
	if c.selCtrl != nil {
		c.selCtrl.Deactivate()
	}
	return schemas.EncodeMessage(&schemas.Message{
		Type:     schemas.MessageActivateSelection,
		Activate: &schemas.ActivatePayload{Active: false},
	})
}

// Close releases the controller's collaborators.
func (c *Controller) Close() {
	if c.selCtrl != nil {
		c.selCtrl.Close()
	}
	if c.proxySess != nil {
		c.proxySess.Close()
	}
	if c.sess != nil {
		c.sess.Close()
	}
}
