// Package fingerprint makes the browserless session look like a browser on
// the wire by presenting a browser's TLS ClientHello.
package fingerprint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Profile names the TLS ClientHello the HTTP session driver presents.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // standard crypto/tls
	ProfileRandom  Profile = "random" // randomized uTLS hello
)

var hellos = map[Profile]utls.ClientHelloID{
	ProfileChrome:  utls.HelloChrome_Auto,
	ProfileFirefox: utls.HelloFirefox_Auto,
	ProfileSafari:  utls.HelloIOS_Auto,
	// The randomized variant without ALPN, so servers never pick h2.
	ProfileRandom: utls.HelloRandomizedNoALPN,
}

// ParseProfile maps a configuration value onto a Profile. Empty means chrome,
// matching the user agents the session presents.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	switch {
	case p == "":
		return ProfileChrome, nil
	case p == ProfileGo:
		return p, nil
	}
	if _, ok := hellos[p]; !ok {
		return "", fmt.Errorf("fingerprint: unknown profile %q", p)
	}
	return p, nil
}

// Options tunes the transport built by Transport.
type Options struct {
	// Proxy selects the upstream proxy per request. Nil means direct.
	Proxy func(*http.Request) (*url.URL, error)
	// InsecureSkipVerify disables certificate checks. Only for tests
	// against self-signed servers.
	InsecureSkipVerify bool
}

// Transport returns an http.RoundTripper presenting the TLS fingerprint of p.
// The handshake offers only http/1.1, since net/http cannot speak h2 over a
// utls connection.
func Transport(p Profile, opts Options) (http.RoundTripper, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != nil {
		transport.Proxy = opts.Proxy
	}
	if p == ProfileGo {
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return transport, nil
	}

	id, ok := hellos[p]
	if !ok {
		return nil, fmt.Errorf("fingerprint: unknown profile %q", p)
	}
	d := &dialer{id: id, dial: transport.DialContext, insecure: opts.InsecureSkipVerify}
	transport.DialTLSContext = d.dialTLS
	transport.ForceAttemptHTTP2 = false
	return transport, nil
}

type dialer struct {
	id       utls.ClientHelloID
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	insecure bool
}

func (d *dialer) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	conn, err := d.dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	uConn, err := d.client(conn, host)
	if err == nil {
		err = uConn.HandshakeContext(ctx)
	}
	if err == nil && uConn.ConnectionState().NegotiatedProtocol == "h2" {
		err = fmt.Errorf("server %s insisted on h2", host)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("fingerprint: %s handshake with %s: %w", d.id.Client, host, err)
	}
	return uConn, nil
}

// client builds the browser hello with its ALPN list cut down to http/1.1.
// Hellos without a fixed spec are used as they are.
func (d *dialer) client(conn net.Conn, host string) (*utls.UConn, error) {
	cfg := &utls.Config{ServerName: host, InsecureSkipVerify: d.insecure, NextProtos: []string{"http/1.1"}}

	spec, err := utls.UTLSIdToSpec(d.id)
	if err != nil {
		return utls.UClient(conn, cfg, d.id), nil
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	uConn := utls.UClient(conn, cfg, utls.HelloCustom)
	if err := uConn.ApplyPreset(&spec); err != nil {
		return nil, err
	}
	return uConn, nil
}
