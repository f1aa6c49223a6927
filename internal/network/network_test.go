package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBody(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func brotliBody(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	return buf.Bytes()
}

func TestDecompressResponseGzip(t *testing.T) {
	const payload = "<html><body>hello</body></html>"

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(bytes.NewReader(gzipBody(t, payload))),
	}

	require.NoError(t, DecompressResponse(resp))
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.True(t, resp.Uncompressed)
	assert.Equal(t, int64(-1), resp.ContentLength)
}

func TestDecompressResponseBrotli(t *testing.T) {
	const payload = "brotli encoded page"

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"br"}},
		Body:   io.NopCloser(bytes.NewReader(brotliBody(t, payload))),
	}

	require.NoError(t, DecompressResponse(resp))
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
}

func TestDecompressResponseDeflateVariants(t *testing.T) {
	const payload = "deflate encoded page"

	var zlibBuf bytes.Buffer
	zw := zlib.NewWriter(&zlibBuf)
	_, err := zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var rawBuf bytes.Buffer
	fw, err := flate.NewWriter(&rawBuf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	cases := []struct {
		name string
		body []byte
	}{
		{"zlib wrapped", zlibBuf.Bytes()},
		{"raw deflate", rawBuf.Bytes()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{
				Header: http.Header{"Content-Encoding": []string{"deflate"}},
				Body:   io.NopCloser(bytes.NewReader(tc.body)),
			}
			require.NoError(t, DecompressResponse(resp))
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, string(body))
		})
	}
}

func TestDecompressResponseUnsupportedEncoding(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"zstd"}},
		Body:   io.NopCloser(bytes.NewReader([]byte("x"))),
	}
	err := DecompressResponse(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zstd")
}

func TestDecompressResponseIdentityPassthrough(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"identity"}},
		Body:   io.NopCloser(bytes.NewReader([]byte("plain"))),
	}
	require.NoError(t, DecompressResponse(resp))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(body))
}

func TestCompressionMiddlewareEndToEnd(t *testing.T) {
	const payload = "<html><body>compressed over the wire</body></html>"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(gzipBody(t, payload))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewCompressionMiddleware(nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
}

func TestClientFollowsBoundedRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/final":
			_, _ = io.WriteString(w, "arrived")
		default:
			http.Redirect(w, r, "/final", http.StatusFound)
		}
	}))
	defer srv.Close()

	cfg := NewFetchClientConfig()
	cfg.ForceHTTP2 = false
	client := NewClient(cfg)

	resp, err := client.Get(srv.URL + "/start")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "arrived", string(body))
}

func TestClientRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	hops := 0
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, fmt.Sprintf("/loop/%d", hops), http.StatusFound)
	}))
	defer srv.Close()

	cfg := NewFetchClientConfig()
	cfg.ForceHTTP2 = false
	client := NewClient(cfg)

	resp, err := client.Get(srv.URL)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirects")
}

func TestProbeClientDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	client := NewClient(NewProbeClientConfig())
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
}
