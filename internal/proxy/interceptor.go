package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/network"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/rewrite"
)

var (
	// goproxy's CA is package-global state; configure it exactly once.
	mitmInitOnce  sync.Once
	mitmInitError error
	isMITMEnabled bool
)

// Interceptor is an intercepting HTTP proxy that injects the selection
// script into every HTML response passing through it. It serves local
// development targets, where pointing the browser at a proxy is simpler
// than routing pages through a public relay.
type Interceptor struct {
	proxy       *goproxy.ProxyHttpServer
	server      *http.Server
	serverMutex sync.Mutex
	rewriter    *rewrite.Rewriter
	injectHTML  string
	logger      *zap.Logger
}

// InterceptorConfig configures an interception proxy.
type InterceptorConfig struct {
	// CACert and CAKey enable HTTPS interception. Without them, TLS
	// traffic is tunneled untouched and only plain HTTP is instrumented.
	CACert []byte
	CAKey  []byte
	// ClientConfig for upstream connections. Nil gets fetch defaults
	// with TLS verification relaxed, since local targets tend to carry
	// self signed certificates.
	ClientConfig *network.ClientConfig
	// InjectHTML is appended before </body> of instrumented documents.
	InjectHTML string
	Logger     *zap.Logger
}

// NewInterceptor creates and wires the proxy.
func NewInterceptor(cfg InterceptorConfig) (*Interceptor, error) {
	p := goproxy.NewProxyHttpServer()

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("interceptor")

	clientCfg := cfg.ClientConfig
	if clientCfg == nil {
		clientCfg = network.NewFetchClientConfig()
		clientCfg.IgnoreTLSErrors = true
	}
	transport := network.NewHTTPTransport(clientCfg)
	if tr, ok := transport.(*network.CompressionMiddleware); ok {
		// goproxy requires a concrete *http.Transport for CONNECT
		// handling; decompression happens in the response hook instead.
		if inner, ok := tr.Transport.(*http.Transport); ok {
			p.Tr = inner
		}
	}

	if cfg.CACert != nil && cfg.CAKey != nil {
		if err := configureMITM(cfg.CACert, cfg.CAKey); err != nil {
			return nil, fmt.Errorf("configuring HTTPS interception: %w", err)
		}
		log.Info("HTTPS interception enabled.")
	} else {
		log.Warn("No CA configured; HTTPS traffic is tunneled without instrumentation.")
	}

	ic := &Interceptor{
		proxy: p,
		// Pages stay on their own origin through the interceptor, so
		// the rewriter is identity-routed and only injection applies.
		rewriter:   rewrite.NewRewriter(func(u string) string { return u }, logger),
		injectHTML: cfg.InjectHTML,
		logger:     log,
	}
	ic.setupHandlers()
	return ic, nil
}

func (ic *Interceptor) setupHandlers() {
	ic.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if isMITMEnabled {
			return goproxy.MitmConnect, host
		}
		return goproxy.OkConnect, host
	}))

	ic.proxy.OnResponse().DoFunc(ic.instrumentResponse)
}

// instrumentResponse injects the selection script into HTML responses.
// Non-HTML and failed responses pass through untouched.
func (ic *Interceptor) instrumentResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil {
		msg := "upstream connection failed"
		if ctx.Error != nil {
			msg = ctx.Error.Error()
		}
		ic.logger.Warn("Upstream failure", zap.String("error", msg))
		if ctx.Req == nil {
			return &http.Response{
				StatusCode: http.StatusBadGateway,
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header:     make(http.Header),
				Body:       io.NopCloser(bytes.NewBufferString(msg)),
			}
		}
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, msg)
	}

	if resp.StatusCode != http.StatusOK || ic.injectHTML == "" {
		return resp
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/html" {
		return resp
	}

	if err := network.DecompressResponse(resp); err != nil {
		ic.logger.Warn("Could not decode response for instrumentation", zap.Error(err))
		return resp
	}

	base := ctx.Req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	out, err := ic.rewriter.Rewrite(body, base, rewrite.Options{InjectHTML: ic.injectHTML})
	closeErr := resp.Body.Close()
	if err != nil || closeErr != nil {
		ic.logger.Warn("Instrumentation failed, passing response through",
			zap.Error(errors.Join(err, closeErr)))
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway, "instrumentation failed")
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return resp
}

// Start runs the proxy and blocks until the context is cancelled or the
// listener fails.
func (ic *Interceptor) Start(ctx context.Context, addr string) error {
	ic.serverMutex.Lock()
	if ic.server != nil {
		ic.serverMutex.Unlock()
		return errors.New("interceptor already started")
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      ic.proxy,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     zap.NewStdLog(ic.logger.Named("http_server")),
	}
	ic.server = server
	ic.serverMutex.Unlock()

	shutdownErr := make(chan error)
	go func() {
		<-ctx.Done()
		ic.logger.Info("Shutdown signal received, stopping interceptor...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	ic.logger.Info("Starting interception proxy", zap.String("address", addr))
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = <-shutdownErr
	}

	ic.serverMutex.Lock()
	if ic.server == server {
		ic.server = nil
	}
	ic.serverMutex.Unlock()

	if err != nil {
		return fmt.Errorf("interception proxy failed: %w", err)
	}
	ic.logger.Info("Interception proxy stopped gracefully.")
	return nil
}

// Handler exposes the proxy as an http.Handler for tests and embedding.
func (ic *Interceptor) Handler() http.Handler {
	return ic.proxy
}

func configureMITM(caCert, caKey []byte) error {
	mitmInitOnce.Do(func() {
		ca, err := tls.X509KeyPair(caCert, caKey)
		if err != nil {
			mitmInitError = fmt.Errorf("invalid CA certificate/key pair: %w", err)
			return
		}
		if len(ca.Certificate) == 0 {
			mitmInitError = errors.New("CA certificate chain is empty")
			return
		}
		if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
			mitmInitError = fmt.Errorf("failed to parse CA certificate leaf: %w", err)
			return
		}

		goproxy.GoproxyCa = ca
		tlsConfig := goproxy.TLSConfigFromCA(&ca)
		goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: tlsConfig}
		goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: tlsConfig}
		goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: tlsConfig}
		goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: tlsConfig}

		isMITMEnabled = true
	})
	return mitmInitError
}
