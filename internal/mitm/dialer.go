package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/xkilldash9x/scalpel-puppet/internal/emulation"
)

// DialerConfig configures the proxy's upstream connections.
type DialerConfig struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	TLSConfig *tls.Config
	NoDelay   bool
	Resolver  *net.Resolver
	// ProxyURL chains upstream traffic through another HTTP(S) proxy using
	// CONNECT.
	ProxyURL *url.URL
}

// Clone returns a deep copy of the DialerConfig.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return NewDialerConfig()
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	if c.ProxyURL != nil {
		u := *c.ProxyURL
		clone.ProxyURL = &u
	}
	return &clone
}

// NewDialerConfig creates the default upstream dialer configuration.
func NewDialerConfig() *DialerConfig {
	return &DialerConfig{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.X25519,
				tls.CurveP256,
			},
			ClientSessionCache: tls.NewLRUClientSessionCache(512),
		},
		NoDelay:  true,
		Resolver: net.DefaultResolver,
	}
}

type socketOptionsKey struct{}

func withSocketOptions(ctx context.Context, o emulation.SocketOptions) context.Context {
	return context.WithValue(ctx, socketOptionsKey{}, o)
}

func socketOptionsFrom(ctx context.Context) (emulation.SocketOptions, bool) {
	o, ok := ctx.Value(socketOptionsKey{}).(emulation.SocketOptions)
	return o, ok
}

// DialTCPContext opens a TCP connection to address, tunnelling through the
// configured upstream proxy when there is one. Socket options attached to
// ctx by the forwarding stage are applied to direct connections.
func DialTCPContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}
	if config.ProxyURL != nil {
		return dialViaProxy(ctx, network, address, config)
	}
	return dialDirect(ctx, network, address, config)
}

func dialDirect(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:       config.Timeout,
		KeepAlive:     config.KeepAlive,
		FallbackDelay: 300 * time.Millisecond,
		Resolver:      config.Resolver,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(ctx, tcpConn, config); err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
	}
	return rawConn, nil
}

// configureTCP applies TCP settings and any emulated socket options.
func configureTCP(ctx context.Context, conn *net.TCPConn, config *DialerConfig) error {
	if err := conn.SetNoDelay(config.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP NoDelay: %w", err)
	}
	if config.KeepAlive > 0 {
		_ = conn.SetKeepAlive(true)
		_ = conn.SetKeepAlivePeriod(config.KeepAlive)
	}

	o, ok := socketOptionsFrom(ctx)
	if !ok {
		return nil
	}
	if o.TTL > 0 {
		var err error
		if ip, isTCP := conn.RemoteAddr().(*net.TCPAddr); isTCP && ip.IP.To4() == nil {
			err = ipv6.NewConn(conn).SetHopLimit(o.TTL)
		} else {
			err = ipv4.NewConn(conn).SetTTL(o.TTL)
		}
		if err != nil {
			return fmt.Errorf("failed to set TTL: %w", err)
		}
	}
	if o.WindowSize > 0 {
		if err := conn.SetReadBuffer(o.WindowSize); err != nil {
			return fmt.Errorf("failed to set receive window: %w", err)
		}
	}
	return nil
}

func dialViaProxy(ctx context.Context, network, targetAddress string, config *DialerConfig) (net.Conn, error) {
	proxyURL := config.ProxyURL
	proxyAddress := proxyURL.Host

	var proxyConn net.Conn
	var err error
	switch proxyURL.Scheme {
	case "http":
		proxyConn, err = dialDirect(ctx, network, proxyAddress, config)
	case "https":
		proxyDialerConfig := config.Clone()
		if proxyDialerConfig.TLSConfig == nil {
			proxyDialerConfig.TLSConfig = NewDialerConfig().TLSConfig
		}
		// ALPN meant for the origin must not reach the proxy.
		proxyDialerConfig.TLSConfig.NextProtos = nil

		rawConn, derr := dialDirect(ctx, network, proxyAddress, proxyDialerConfig)
		if derr != nil {
			return nil, derr
		}
		proxyConn, err = wrapTLS(ctx, rawConn, proxyAddress, proxyDialerConfig)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (only http/https supported)", proxyURL.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyAddress, err)
	}

	return establishProxyTunnel(ctx, proxyConn, targetAddress, proxyURL)
}

// establishProxyTunnel sends CONNECT and returns the tunnel, keeping any
// bytes the proxy sent after its response.
func establishProxyTunnel(ctx context.Context, conn net.Conn, targetAddress string, proxyURL *url.URL) (net.Conn, error) {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddress},
		Host:   targetAddress,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		if password, ok := proxyURL.User.Password(); ok {
			auth := proxyURL.User.Username() + ":" + password
			connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy responded with non-200 status for CONNECT: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &prefixedConn{Conn: conn, prefix: br}, nil
	}
	return conn, nil
}

// prefixedConn reads from prefix before the underlying Conn.
type prefixedConn struct {
	net.Conn
	prefix io.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(p)
		if err == io.EOF {
			c.prefix = nil
			if n > 0 {
				return n, nil
			}
		} else if n > 0 || err != nil {
			return n, err
		}
	}
	return c.Conn.Read(p)
}

func wrapTLS(ctx context.Context, conn net.Conn, address string, config *DialerConfig) (net.Conn, error) {
	tlsConfig := config.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		if net.ParseIP(host) == nil {
			tlsConfig.ServerName = host
		}
	}

	tlsConn := tls.Client(conn, tlsConfig)
	handshakeTimeout := config.Timeout
	if handshakeTimeout == 0 || handshakeTimeout > DefaultTLSHandshakeTimeout {
		handshakeTimeout = DefaultTLSHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return tlsConn, nil
}
