package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// DialerConfig holds configuration for the TCP dialer used when fetching
// target pages and probing relay endpoints.
type DialerConfig struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	// NoDelay controls TCP_NODELAY. Kept on so small relay probes do not
	// sit behind Nagle's algorithm.
	NoDelay bool
	// Resolver allows custom DNS resolution logic.
	Resolver *net.Resolver
}

// Clone returns a copy of the DialerConfig.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return NewDialerConfig()
	}
	clone := *c
	return &clone
}

// NewDialerConfig creates the default dialer configuration.
func NewDialerConfig() *DialerConfig {
	return &DialerConfig{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		NoDelay:   true,
		Resolver:  net.DefaultResolver,
	}
}

// DialTCPContext establishes a TCP connection with the configured options.
// Suitable for http.Transport.DialContext.
func DialTCPContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}

	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: config.KeepAlive,
		// Happy Eyeballs (RFC 8305) for faster IPv4/IPv6 fallback.
		FallbackDelay: 300 * time.Millisecond,
		Resolver:      config.Resolver,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(tcpConn, config); err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
	}
	return rawConn, nil
}

func configureTCP(conn *net.TCPConn, config *DialerConfig) error {
	// Keep-alive failures are non-fatal; not every platform supports them.
	_ = conn.SetKeepAlive(true)
	if config.KeepAlive > 0 {
		_ = conn.SetKeepAlivePeriod(config.KeepAlive)
	}
	if err := conn.SetNoDelay(config.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP NoDelay: %w", err)
	}
	return nil
}

// defaultTLSConfig enforces TLS 1.2+ with forward-secret suites and
// session resumption for repeated fetches against the same origins.
func defaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(512),
	}
}
