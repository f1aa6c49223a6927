// Package inject embeds the selection script and stylesheet and builds
// the HTML fragment appended to proxied documents.
package inject

import (
	_ "embed"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

//go:embed selector.js
var selectorScript string

//go:embed selector.css
var selectorStyle string

// Element IDs used as idempotency markers: injection skips any fragment
// element whose id already exists in the document, so every injected tag
// carries one.
const (
	ScriptID = "tempo-selector-script"
	StyleID  = "tempo-selector-style"
	ConfigID = "tempo-selector-config"
)

// Options configures the injected script instance.
type Options struct {
	// HostOrigin is the postMessage target origin for selection events.
	// Empty means "*", which is only appropriate for local development.
	HostOrigin string

	// Active starts the script in selection mode without waiting for an
	// activate message from the host.
	Active bool

	// MaxAncestors and MaxClasses bound the generated CSS selectors.
	// Zero values fall back to the script defaults.
	MaxAncestors int
	MaxClasses   int
}

type scriptConfig struct {
	HostOrigin   string `json:"hostOrigin,omitempty"`
	Active       bool   `json:"active"`
	MaxAncestors int    `json:"maxAncestors,omitempty"`
	MaxClasses   int    `json:"maxClasses,omitempty"`
}

// Script returns the raw embedded selection script.
func Script() string { return selectorScript }

// Stylesheet returns the raw embedded highlight stylesheet.
func Stylesheet() string { return selectorStyle }

// Fragment renders the style, config and script tags injected before the
// closing body tag of a proxied document.
func Fragment(opts Options) (string, error) {
	cfg := scriptConfig{
		HostOrigin:   opts.HostOrigin,
		Active:       opts.Active,
		MaxAncestors: opts.MaxAncestors,
		MaxClasses:   opts.MaxClasses,
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling selector config: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<style id=%q>%s</style>\n", StyleID, selectorStyle)
	fmt.Fprintf(&b, "<script id=%q>window.__tempoSelectorConfig = %s;</script>\n", ConfigID, raw)
	fmt.Fprintf(&b, "<script id=%q>%s</script>", ScriptID, selectorScript)
	return b.String(), nil
}
