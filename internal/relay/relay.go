// Package relay manages the ordered set of CORS relay endpoints the
// pipeline routes third-party fetches through, the rotation policy used
// after failures, and the embeddability heuristics for target hosts.
package relay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Endpoint is one relay URL template. The template receives the target
// URL via a single %s verb, query-escaped when EscapeTarget is set.
type Endpoint struct {
	Name         string
	Template     string
	EscapeTarget bool
}

// Apply wraps the target URL with this relay's template.
func (e Endpoint) Apply(target string) string {
	if e.EscapeTarget {
		target = url.QueryEscape(target)
	}
	return fmt.Sprintf(e.Template, target)
}

// Origin returns the relay's scheme://host origin, used by the message
// boundary's origin allow-list.
func (e Endpoint) Origin() string {
	u, err := url.Parse(fmt.Sprintf(e.Template, ""))
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// DefaultEndpoints is the ordered relay set; index 0 is the preferred
// default. These are public relays, configuration rather than secrets.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Name: "allorigins", Template: "https://api.allorigins.win/raw?url=%s", EscapeTarget: true},
		{Name: "corsproxy", Template: "https://corsproxy.io/?%s", EscapeTarget: true},
		{Name: "codetabs", Template: "https://api.codetabs.com/v1/proxy?quest=%s", EscapeTarget: true},
		{Name: "thingproxy", Template: "https://thingproxy.freeboard.io/fetch/%s"},
		{Name: "cors-anywhere", Template: "https://cors-anywhere.herokuapp.com/%s"},
	}
}

// DefaultDenylist lists hosts known to frame-bust or refuse embedding.
// Matching is a substring check against the hostname; the result is a UX
// hint, never a hard gate.
func DefaultDenylist() []string {
	return []string{
		"google.com",
		"facebook.com",
		"instagram.com",
		"twitter.com",
		"x.com",
		"linkedin.com",
		"github.com",
		"paypal.com",
		"stripe.com",
		"chase.com",
		"bankofamerica.com",
		"wellsfargo.com",
		"netflix.com",
		"apple.com",
		"icloud.com",
		"okta.com",
		"microsoftonline.com",
	}
}

// Config holds pool construction settings.
type Config struct {
	// Endpoints overrides the default relay set when non-empty.
	Endpoints []Endpoint
	// Denylist overrides the default frame-busting host list when
	// non-empty.
	Denylist []string
	// RequestsPerSecond rate-limits fetches per relay endpoint.
	// Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the limiter burst size; defaults to 4 when limiting is on.
	Burst int
}

// Pool tracks the relay set and the currently selected relay. All methods
// are safe for concurrent use.
type Pool struct {
	mu        sync.RWMutex
	endpoints []Endpoint
	current   int
	denylist  []string
	limiters  []*rate.Limiter
	logger    *zap.Logger
}

// NewPool builds a Pool from config, falling back to the default relay
// set and deny-list.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints()
	}
	denylist := cfg.Denylist
	if len(denylist) == 0 {
		denylist = DefaultDenylist()
	}

	var limiters []*rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 4
		}
		limiters = make([]*rate.Limiter, len(endpoints))
		for i := range limiters {
			limiters[i] = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
		}
	}

	return &Pool{
		endpoints: endpoints,
		denylist:  denylist,
		limiters:  limiters,
		logger:    logger.Named("relay"),
	}
}

// Len returns the relay count.
func (p *Pool) Len() int {
	return len(p.endpoints)
}

// Endpoints returns a copy of the relay set in order.
func (p *Pool) Endpoints() []Endpoint {
	out := make([]Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// Current returns the selected relay and its index.
func (p *Pool) Current() (Endpoint, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[p.current], p.current
}

// ProxiedURL wraps the target URL with the currently selected relay.
func (p *Pool) ProxiedURL(target string) string {
	e, _ := p.Current()
	return e.Apply(target)
}

// Rotate advances the selection pointer modulo the relay count and
// returns the newly selected relay. Called after detected failures.
func (p *Pool) Rotate() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = (p.current + 1) % len(p.endpoints)
	e := p.endpoints[p.current]
	p.logger.Info("Rotated relay", zap.String("relay", e.Name), zap.Int("index", p.current))
	return e
}

// Select sets the selection pointer to the given index.
func (p *Pool) Select(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.endpoints) {
		return fmt.Errorf("relay index %d out of range [0,%d)", index, len(p.endpoints))
	}
	p.current = index
	return nil
}

// Origins returns the origin of every relay, for the message boundary's
// allow-list.
func (p *Pool) Origins() []string {
	origins := make([]string, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if o := e.Origin(); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// IsLikelyEmbeddable reports whether the target URL's host is expected to
// tolerate being framed. False means the host matches the frame-busting
// deny-list. Unparseable URLs are treated as embeddable; the load itself
// will surface the real failure.
func (p *Pool) IsLikelyEmbeddable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, blocked := range p.denylist {
		if strings.Contains(host, blocked) {
			return false
		}
	}
	return true
}
