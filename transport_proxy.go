package iotmqtt

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// ProxyConfig holds proxy configuration for broker connections.
type ProxyConfig struct {
	// URL is the proxy URL: http://host:port, https://host:port or
	// socks5://host:port. Empty selects the proxy from the environment
	// (HTTP_PROXY, HTTPS_PROXY, NO_PROXY).
	URL string `yaml:"url"`

	// Username for proxy authentication (optional).
	Username string `yaml:"username"`

	// Password for proxy authentication (optional).
	Password string `yaml:"password"`
}

// ProxyDialer dials through an HTTP CONNECT or SOCKS5 proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// NewProxyDialer creates a proxy dialer for proxyURL.
// Supported schemes: http, https (HTTP CONNECT), socks5, socks5h.
func NewProxyDialer(proxyURL, username, password string) (*ProxyDialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid proxy URL: %w", ErrBadParameter, err)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%w: unsupported proxy scheme %q", ErrBadParameter, u.Scheme)
	}

	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyDialer{
		proxyURL: u,
		username: username,
		password: password,
	}, nil
}

// DialContext connects to addr through the proxy.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch d.proxyURL.Scheme {
	case "http", "https":
		return d.dialHTTPConnect(ctx, addr)
	default:
		return d.dialSOCKS5(ctx, network, addr)
	}
}

func (d *ProxyDialer) dialHTTPConnect(ctx context.Context, targetAddr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		port := "8080"
		if d.proxyURL.Scheme == "https" {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), port)
	}

	conn, err := d.forward.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddr},
		Host:   targetAddr,
		Header: make(http.Header),
	}

	if d.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	return conn, nil
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, targetAddr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "1080")
	}

	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}

	conn, err := cd.DialContext(ctx, network, targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dial failed: %w", err)
	}

	return conn, nil
}

// ProxyFromEnvironment returns the proxy URL for a broker address from
// HTTP_PROXY, HTTPS_PROXY and NO_PROXY (or their lower-case forms).
// TLS schemes (ssl, tls, mqtts, wss) use HTTPS_PROXY. It returns nil when
// no proxy applies.
func ProxyFromEnvironment(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %w", ErrBadParameter, err)
	}

	target := &url.URL{Scheme: "http", Host: u.Host}
	switch u.Scheme {
	case "https", "tls", "ssl", "mqtts", "wss", "quic":
		target.Scheme = "https"
	}

	cfg := httpproxy.FromEnvironment()
	if target.Scheme == "https" && cfg.HTTPSProxy == "" {
		cfg.HTTPSProxy = cfg.HTTPProxy
	}

	return cfg.ProxyFunc()(target)
}

// resolveProxy picks the proxy for address: the explicit configuration
// when its URL is set, otherwise the environment. Nil means dial directly.
func resolveProxy(config *ProxyConfig, address string) (*ProxyDialer, error) {
	if config == nil {
		return nil, nil
	}

	if config.URL != "" {
		return NewProxyDialer(config.URL, config.Username, config.Password)
	}

	u, err := ProxyFromEnvironment(address)
	if err != nil || u == nil {
		return nil, err
	}

	return NewProxyDialer(u.String(), config.Username, config.Password)
}
