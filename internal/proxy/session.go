// Package proxy fetches target pages through CORS relays, rewrites them
// for same-origin display, and optionally serves as a full interception
// proxy for local development targets.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/network"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/relay"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/rewrite"
)

const (
	// DefaultFetchTimeout bounds a single relay fetch attempt.
	DefaultFetchTimeout = 20 * time.Second

	// maxBodyBytes bounds how much relayed HTML is buffered.
	maxBodyBytes = 8 << 20
)

// ErrStaleFetch marks a fetch superseded by a newer request; callers
// discard the result instead of rendering it.
var ErrStaleFetch = errors.New("fetch superseded by a newer request")

// ErrAllRelaysFailed is returned when every configured relay endpoint
// failed for a target.
var ErrAllRelaysFailed = errors.New("all relay endpoints failed")

// Content is a fetched, rewritten, instrumented document.
type Content struct {
	HTML string
	// Relay that served the fetch.
	Relay relay.Endpoint
	// Generation orders fetches within a session. Compare with
	// Session.Generation to detect staleness.
	Generation uint64
	TargetURL  string
}

// SessionConfig configures a proxy session.
type SessionConfig struct {
	Pool     *relay.Pool
	Rewriter *rewrite.Rewriter
	Client   *network.Client
	// InjectHTML is appended before </body> of every fetched document.
	InjectHTML string
	// FetchTimeout per relay attempt. Zero means DefaultFetchTimeout.
	FetchTimeout time.Duration
	Logger       *zap.Logger
}

// Session fetches pages through the relay pool, one instance per
// selection workflow. Concurrent fetches of the same target are
// deduplicated; a new fetch supersedes in-flight older ones via the
// generation counter.
type Session struct {
	pool         *relay.Pool
	rewriter     *rewrite.Rewriter
	client       *network.Client
	injectHTML   string
	fetchTimeout time.Duration
	logger       *zap.Logger

	generation atomic.Uint64
	group      singleflight.Group
	closed     atomic.Bool
}

// NewSession creates a session. Pool and Rewriter are required.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Pool == nil {
		return nil, errors.New("proxy session requires a relay pool")
	}
	if cfg.Rewriter == nil {
		return nil, errors.New("proxy session requires a rewriter")
	}
	if cfg.Client == nil {
		cfg.Client = network.NewClient(network.NewFetchClientConfig())
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		pool:         cfg.Pool,
		rewriter:     cfg.Rewriter,
		client:       cfg.Client,
		injectHTML:   cfg.InjectHTML,
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger,
	}, nil
}

// Generation returns the most recently issued fetch generation.
func (s *Session) Generation() uint64 {
	return s.generation.Load()
}

// FetchContent loads the target through the relay pool, rotating past
// failing endpoints, and returns the rewritten document. If another
// FetchContent call was issued after this one, ErrStaleFetch is
// returned so the caller never renders an outdated page.
func (s *Session) FetchContent(ctx context.Context, targetURL string) (*Content, error) {
	if s.closed.Load() {
		return nil, errors.New("proxy session is closed")
	}

	gen := s.generation.Add(1)

	// Key on the current relay as well as the target: after a rotation,
	// a fresh fetch must not join an in-flight one pinned to the retired
	// relay.
	endpoint, _ := s.pool.Current()
	key := endpoint.Name + "|" + targetURL

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.fetchAndRewrite(ctx, targetURL)
	})
	if err != nil {
		return nil, err
	}

	if s.generation.Load() != gen {
		return nil, ErrStaleFetch
	}

	content := v.(*Content)
	out := *content
	out.Generation = gen
	return &out, nil
}

func (s *Session) fetchAndRewrite(ctx context.Context, targetURL string) (*Content, error) {
	base, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parsing target url %q: %w", targetURL, err)
	}

	attempts := s.pool.Len()
	var lastErr error

	for i := 0; i < attempts; i++ {
		endpoint, _ := s.pool.Current()

		body, err := s.fetchOnce(ctx, targetURL)
		if err != nil {
			lastErr = err
			s.logger.Warn("Relay fetch failed, rotating",
				zap.String("relay", endpoint.Name),
				zap.String("target", targetURL),
				zap.Error(err))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.pool.Rotate()
			continue
		}

		out, err := s.rewriter.Rewrite(body, base, rewrite.Options{
			RewriteURLs: true,
			InjectHTML:  s.injectHTML,
		})
		if err != nil {
			return nil, fmt.Errorf("rewriting document from %q: %w", targetURL, err)
		}

		return &Content{
			HTML:      string(out),
			Relay:     endpoint,
			TargetURL: targetURL,
		}, nil
	}

	return nil, fmt.Errorf("%w for %q: %v", ErrAllRelaysFailed, targetURL, lastErr)
}

func (s *Session) fetchOnce(ctx context.Context, targetURL string) (io.Reader, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	if err := s.pool.Wait(fetchCtx); err != nil {
		return nil, fmt.Errorf("relay rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, s.pool.ProxiedURL(targetURL), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("relay returned status %s", resp.Status)
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading relayed body: %w", err)
	}
	return bytes.NewReader(buf), nil
}

// Close marks the session closed and releases idle connections.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) && s.client != nil {
		s.client.CloseIdleConnections()
	}
}
