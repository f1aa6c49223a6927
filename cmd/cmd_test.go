package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCommand executes a fresh root command against a clean global viper.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeConfig drops a YAML config into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedbacksel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCommand()

	names := make(map[string]bool)
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["fetch"])
	assert.True(t, names["relays"])
}

func TestVersionFlag(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestRelaysList(t *testing.T) {
	cfgPath := writeConfig(t, `
relay:
  endpoints:
    - name: local
      template: "http://relay.local/?url=%s"
      escape_target: true
`)

	out, err := runCommand(t, "--config", cfgPath, "relays")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "http://relay.local")
}

func TestRelaysListDefaults(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := runCommand(t, "--config", cfgPath, "relays")
	require.NoError(t, err)
	// The built-in rotation set applies when none is configured.
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "corsproxy")
}

func TestFetchWritesInstrumentedDocument(t *testing.T) {
	relayStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Stub</title></head><body><h1>Relayed</h1></body></html>`)
	}))
	defer relayStub.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(`
network:
  force_http2: false
relay:
  endpoints:
    - name: stub
      template: %q
      escape_target: true
`, relayStub.URL+"/?u=%s"))

	out, err := runCommand(t, "--config", cfgPath, "fetch", "--instrument", "https://target.example.com/page")
	require.NoError(t, err)
	assert.Contains(t, out, "Relayed")
	assert.Contains(t, out, "tempo-selector-script")
}

func TestFetchFailsWhenAllRelaysFail(t *testing.T) {
	relayStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer relayStub.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(`
network:
  force_http2: false
relay:
  endpoints:
    - name: broken
      template: %q
      escape_target: true
`, relayStub.URL+"/?u=%s"))

	_, err := runCommand(t, "--config", cfgPath, "fetch", "https://target.example.com/")
	require.Error(t, err)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfgPath := writeConfig(t, `
server:
  host_origin: "not-an-origin"
`)

	_, err := runCommand(t, "--config", cfgPath, "relays")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host_origin")
}
