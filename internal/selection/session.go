// Package selection implements the host side of element selection: a
// lightweight document session over fetched target pages, and the
// controller state machine that turns wire events from an instrumented
// frame into locator records.
package selection

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/locator"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/network"
)

// maxDocumentBytes bounds how much of a target page the session will
// parse. Pages past this size are truncated, not rejected.
const maxDocumentBytes = 8 << 20

// ErrNotHTML is returned when a navigated URL serves something other
// than an HTML document.
var ErrNotHTML = fmt.Errorf("target did not serve an HTML document")

// Session holds the fetched and parsed document for one selection
// workflow. It is the server-side stand-in for a live page: locators are
// resolved and re-verified against its DOM snapshot.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	client *network.Client

	mu         sync.RWMutex
	currentURL *url.URL
	doc        *html.Node
	embeddable bool

	closeOnce sync.Once
}

// NewSession creates a session with its own lifecycle context. A nil
// client gets the default page-fetch client.
func NewSession(parentCtx context.Context, client *network.Client, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = network.NewClient(network.NewFetchClientConfig())
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	return &Session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("session_id", id)),
		client: client,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Navigate fetches the target URL and replaces the session's DOM
// snapshot. The embeddability verdict from the response headers is
// recorded for the frame controller.
func (s *Session) Navigate(ctx context.Context, targetURL string) error {
	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("parsing target url %q: %w", targetURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q for target url", u.Scheme)
	}

	navCtx, navCancel := combineContext(s.ctx, ctx)
	defer navCancel()

	req, err := http.NewRequestWithContext(navCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request for %q: %w", targetURL, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %q: %w", targetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetching %q: status %s", targetURL, resp.Status)
	}
	if !isHTMLContentType(resp.Header.Get("Content-Type")) {
		return fmt.Errorf("%w: content type %q", ErrNotHTML, resp.Header.Get("Content-Type"))
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return fmt.Errorf("parsing document from %q: %w", targetURL, err)
	}

	finalURL := u
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	embeddable := HeadersAllowEmbedding(resp.Header)

	s.mu.Lock()
	s.currentURL = finalURL
	s.doc = doc
	s.embeddable = embeddable
	s.mu.Unlock()

	s.logger.Debug("Session navigated",
		zap.String("url", finalURL.String()),
		zap.Bool("embeddable", embeddable))
	return nil
}

// CurrentURL returns the final URL after redirects, or "" before the
// first navigation.
func (s *Session) CurrentURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentURL == nil {
		return ""
	}
	return s.currentURL.String()
}

// Document returns the parsed DOM snapshot, or nil before navigation.
func (s *Session) Document() *html.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Embeddable reports whether the last navigated page allowed itself to
// be framed, per its response headers.
func (s *Session) Embeddable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embeddable
}

// Resolve re-finds an element in the snapshot by CSS selector and XPath,
// preferring agreement between the two.
func (s *Session) Resolve(selector, xpath string) (*html.Node, error) {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	if doc == nil {
		return nil, fmt.Errorf("session has no document")
	}
	return locator.Verify(doc, selector, xpath)
}

// Close cancels the session context and releases idle connections.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.client != nil {
			s.client.CloseIdleConnections()
		}
	})
}

// HeadersAllowEmbedding inspects X-Frame-Options and the CSP
// frame-ancestors directive to decide whether a cross-origin host may
// frame the page. Absent headers mean embeddable.
func HeadersAllowEmbedding(h http.Header) bool {
	switch strings.ToLower(strings.TrimSpace(h.Get("X-Frame-Options"))) {
	case "deny", "sameorigin":
		return false
	}

	for _, csp := range h.Values("Content-Security-Policy") {
		for _, directive := range strings.Split(csp, ";") {
			directive = strings.TrimSpace(directive)
			lower := strings.ToLower(directive)
			if !strings.HasPrefix(lower, "frame-ancestors") {
				continue
			}
			sources := strings.Fields(directive)[1:]
			for _, src := range sources {
				switch strings.ToLower(strings.Trim(src, "'")) {
				case "*", "https:", "http:":
					return true
				}
			}
			// frame-ancestors present without a wildcard source locks
			// framing to the listed origins, which will not include us.
			return false
		}
	}
	return true
}

func isHTMLContentType(ct string) bool {
	if ct == "" {
		// Servers that omit the header usually serve HTML; let the
		// parser decide.
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// combineContext derives a context cancelled when either parent is done.
func combineContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
