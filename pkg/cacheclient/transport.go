package cacheclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newHTTPClient builds a plain direct-dial *http.Client for fetching the
// cache archive and churn delta over the clearnet, before any Tor circuit
// exists to route through. The dial/timeout shape mirrors the transport a
// prior revision of this client built for its (now-removed) SOCKS proxy
// path, stripped down to a direct dialer; HTTP/2 is wired in explicitly via
// x/net/http2 since the stdlib transport only negotiates it opportunistically
// over TLS ALPN and directory mirrors are commonly served behind an HTTP/2
// front door.
func newHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: connectTimeout,
	}
	_ = http2.ConfigureTransport(transport)

	return &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
	}
}
