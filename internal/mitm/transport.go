package mitm

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Upstream connection defaults.
const (
	DefaultDialTimeout           = 15 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultMaxIdleConns          = 200
	DefaultMaxIdleConnsPerHost   = 10
	DefaultIdleConnTimeout       = 90 * time.Second
)

// TransportConfig configures the proxy's upstream transport.
type TransportConfig struct {
	DialerConfig       *DialerConfig
	InsecureSkipVerify bool
	// DisableHTTP2 keeps upstream connections on HTTP/1.1.
	DisableHTTP2 bool
}

// NewTransport builds the transport requests are forwarded with. Response
// bodies are passed through still encoded so the browser sees exactly what
// the origin sent.
func NewTransport(cfg TransportConfig, logger *zap.Logger) *http.Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialerCfg := cfg.DialerConfig.Clone()

	tlsConfig := dialerCfg.TLSConfig.Clone()
	if tlsConfig == nil {
		tlsConfig = NewDialerConfig().TLSConfig
	}
	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify

	// The transport performs the TLS handshake itself, and when an upstream
	// proxy is set it dials the proxy directly.
	transportDialer := dialerCfg.Clone()
	transportDialer.TLSConfig = nil
	transportDialer.ProxyURL = nil

	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return DialTCPContext(ctx, network, addr, transportDialer)
		},
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	if dialerCfg.ProxyURL != nil {
		t.Proxy = http.ProxyURL(dialerCfg.ProxyURL)
		logger.Info("Configured upstream proxy chaining.", zap.String("upstream_proxy", dialerCfg.ProxyURL.Redacted()))
	}

	if !cfg.DisableHTTP2 {
		if _, err := http2.ConfigureTransports(t); err != nil {
			logger.Warn("HTTP/2 could not be enabled for upstream connections", zap.Error(err))
		}
	}
	return t
}
