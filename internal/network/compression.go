package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Pools for decompression readers. Page fetches decode a lot of HTML;
// reusing readers keeps allocation pressure down.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			return new(gzip.Reader)
		},
	}

	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewReader(nil)
		},
	}
)

// Shared empty reader used for resetting pooled readers on return.
var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	if zr == nil {
		return
	}
	// Reset with an empty reader rather than nil: Reset(nil) reads a
	// header unconditionally and can panic on older Go versions.
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	if br == nil {
		return
	}
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// CompressionMiddleware is an http.RoundTripper that negotiates response
// compression and transparently decodes the body. It supports gzip,
// deflate (zlib and raw) and brotli, with pooled readers for gzip and
// brotli.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps the given transport. A nil transport
// defaults to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate, identity")
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := DecompressResponse(resp); err != nil {
		// The body stream may be partially consumed; discard the response.
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}

	return resp, nil
}

// closeWrapper closes the decompression reader and the underlying body,
// returning pooled readers via the callback.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
	poolCallback func()
}

func (w *closeWrapper) Close() error {
	if w.poolCallback != nil {
		w.poolCallback()
		w.poolCallback = nil
	}
	err1 := w.ReadCloser.Close()
	err2 := w.originalBody.Close()
	return errors.Join(err1, err2)
}

// DecompressResponse wraps resp.Body with the decoders named by the
// Content-Encoding header, applied in reverse order for layered
// encodings. On success it clears Content-Encoding and Content-Length
// and marks the response uncompressed.
//
// On error the body may be partially read; the caller must close it and
// discard the response.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}

	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		encoding := strings.ToLower(strings.TrimSpace(encodings[i]))

		var reader io.ReadCloser
		var err error
		var poolCallback func()

		switch encoding {
		case "gzip":
			gzipReader, err := getGzipReader(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = gzipReader
			poolCallback = func() {
				putGzipReader(gzipReader)
			}

		case "deflate":
			reader, err = tryDeflate(resp.Body)
			if err != nil {
				return fmt.Errorf("deflate initialization error: %w", err)
			}

		case "br":
			brReader, err := getBrotliReader(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			// brotli.Reader does not implement io.Closer.
			reader = io.NopCloser(brReader)
			poolCallback = func() {
				putBrotliReader(brReader)
			}

		case "identity", "":
			continue

		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", encoding)
		}

		resp.Body = &closeWrapper{
			ReadCloser:   reader,
			originalBody: resp.Body,
			poolCallback: poolCallback,
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.ContentLength = -1
	resp.Header.Del("Content-Length")
	resp.Uncompressed = true

	return nil
}

// resettableReader buffers the start of a stream so a failed decoder
// attempt can be retried from the beginning.
type resettableReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newResettableReader(r io.Reader) *resettableReader {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	return &resettableReader{
		r:      io.TeeReader(r, buf),
		buf:    buf,
		source: r,
	}
}

func (rr *resettableReader) Read(p []byte) (int, error) {
	return rr.r.Read(p)
}

func (rr *resettableReader) Reset() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

// tryDeflate attempts zlib (RFC 1950) first, then falls back to raw
// deflate (RFC 1951). Servers disagree about what "deflate" means.
func tryDeflate(r io.Reader) (io.ReadCloser, error) {
	rr := newResettableReader(r)

	zlibReader, err := zlib.NewReader(rr)
	if err == nil {
		return zlibReader, nil
	}

	rr.Reset()
	return flate.NewReader(rr), nil
}
