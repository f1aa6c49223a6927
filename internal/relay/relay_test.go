package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/relay"
)

func newPool(t *testing.T, cfg relay.Config) *relay.Pool {
	t.Helper()
	return relay.NewPool(cfg, zap.NewNop())
}

func TestProxiedURLUsesCurrentRelay(t *testing.T) {
	p := newPool(t, relay.Config{})

	first, idx := p.Current()
	assert.Equal(t, 0, idx)
	assert.Equal(t, "allorigins", first.Name)

	got := p.ProxiedURL("https://example.com/page?a=1")
	assert.Equal(t,
		"https://api.allorigins.win/raw?url="+url.QueryEscape("https://example.com/page?a=1"),
		got)
}

func TestRotateWrapsAround(t *testing.T) {
	p := newPool(t, relay.Config{})

	seen := map[string]bool{}
	for i := 0; i < p.Len(); i++ {
		e, _ := p.Current()
		seen[e.Name] = true
		p.Rotate()
	}
	assert.Len(t, seen, p.Len(), "rotation should visit every relay")

	// Full cycle lands back on the default.
	e, idx := p.Current()
	assert.Equal(t, 0, idx)
	assert.Equal(t, "allorigins", e.Name)
}

func TestSelectOutOfRange(t *testing.T) {
	p := newPool(t, relay.Config{})
	assert.Error(t, p.Select(-1))
	assert.Error(t, p.Select(p.Len()))
	assert.NoError(t, p.Select(2))
	_, idx := p.Current()
	assert.Equal(t, 2, idx)
}

func TestIsLikelyEmbeddable(t *testing.T) {
	p := newPool(t, relay.Config{})

	tests := []struct {
		url  string
		want bool
	}{
		{"https://mail.google.com", false},
		{"https://example.com", true},
		{"https://www.facebook.com/somepage", false},
		{"https://docs.example.io/guide", true},
		{"not a url at all", true}, // hint only; the load surfaces real failures
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.IsLikelyEmbeddable(tt.url), tt.url)
	}
}

func TestProbeReportsHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	p := newPool(t, relay.Config{Endpoints: []relay.Endpoint{
		{Name: "broken", Template: broken.URL + "/?url=%s", EscapeTarget: true},
		{Name: "healthy", Template: healthy.URL + "/?url=%s", EscapeTarget: true},
	}})

	statuses := p.Probe(context.Background(), healthy.Client(), "https://example.com/", 5*time.Second)
	require.Len(t, statuses, 2)
	assert.False(t, statuses[0].Healthy)
	assert.NotEmpty(t, statuses[0].Error)
	assert.True(t, statuses[1].Healthy)

	// Selection moves off the broken default onto the healthy relay.
	require.True(t, p.SelectHealthy(statuses))
	e, idx := p.Current()
	assert.Equal(t, 1, idx)
	assert.Equal(t, "healthy", e.Name)

	// A healthy current relay is kept.
	require.True(t, p.SelectHealthy(statuses))
	_, idx = p.Current()
	assert.Equal(t, 1, idx)
}

func TestSelectHealthyAllDown(t *testing.T) {
	p := newPool(t, relay.Config{Endpoints: []relay.Endpoint{
		{Name: "a", Template: "https://a.invalid/?u=%s", EscapeTarget: true},
		{Name: "b", Template: "https://b.invalid/?u=%s", EscapeTarget: true},
	}})
	ok := p.SelectHealthy([]relay.Status{
		{Index: 0, Healthy: false},
		{Index: 1, Healthy: false},
	})
	assert.False(t, ok)
	_, idx := p.Current()
	assert.Equal(t, 0, idx, "selection unchanged when nothing is healthy")
}

func TestWaitHonorsRateLimit(t *testing.T) {
	p := newPool(t, relay.Config{
		Endpoints:         []relay.Endpoint{{Name: "a", Template: "https://a.invalid/?u=%s", EscapeTarget: true}},
		RequestsPerSecond: 100,
		Burst:             1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, p.Wait(ctx)) // burst token
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestEndpointOrigin(t *testing.T) {
	e := relay.Endpoint{Name: "allorigins", Template: "https://api.allorigins.win/raw?url=%s", EscapeTarget: true}
	assert.Equal(t, "https://api.allorigins.win", e.Origin())
}
