package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/opensrp/fhir-gateway/lib/httpauth"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// UpstreamConfig tunes the shared connection pool to the proxied FHIR
// server. The GATEWAY_* environment variables of earlier deployments
// override these fields at startup.
type UpstreamConfig struct {
	// URL is the upstream FHIR base URL.
	URL string `koanf:"url" validate:"omitempty,url"`
	// SocketTimeout bounds the wait for upstream response headers.
	SocketTimeout time.Duration `koanf:"sockettimeout"`
	// ConnectTimeout bounds the TCP connect to the upstream.
	ConnectTimeout time.Duration `koanf:"connecttimeout"`
	// ConnectionRequestTimeout bounds the wait for a pooled connection.
	ConnectionRequestTimeout time.Duration `koanf:"connectionrequesttimeout"`
	// MaxConnectionsTotal caps the idle connections kept in the pool.
	MaxConnectionsTotal int `koanf:"maxconnectionstotal"`
	// MaxConnectionsPerRoute caps concurrent connections per upstream host.
	MaxConnectionsPerRoute int `koanf:"maxconnectionsperroute"`
	// Auth holds the gateway's own client credentials for the upstream.
	Auth httpauth.OAuth2Config `koanf:"auth"`
}

// NewUpstreamClient builds the pooled HTTP client shared by everything that
// talks to the proxied server: the proxy itself, the practitioner resolver,
// the config reader and the audit writer.
func NewUpstreamClient(config UpstreamConfig) *http.Client {
	transport := httpauth.WrapTransport(config.Auth, newTransport(config))
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

func newTransport(config UpstreamConfig) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if config.ConnectTimeout > 0 {
		dialer.Timeout = config.ConnectTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if config.SocketTimeout > 0 {
		transport.ResponseHeaderTimeout = config.SocketTimeout
	}
	if config.MaxConnectionsTotal > 0 {
		transport.MaxIdleConns = config.MaxConnectionsTotal
	}
	if config.MaxConnectionsPerRoute > 0 {
		transport.MaxConnsPerHost = config.MaxConnectionsPerRoute
		transport.MaxIdleConnsPerHost = config.MaxConnectionsPerRoute
	}
	if config.ConnectionRequestTimeout > 0 {
		return &checkoutTimeoutTransport{base: transport, timeout: config.ConnectionRequestTimeout}
	}
	return transport
}

// checkoutTimeoutTransport aborts requests that wait too long for a pooled
// connection. net/http has no dedicated knob for this; the wait surfaces
// between the GetConn and GotConn trace callbacks.
type checkoutTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *checkoutTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	var timer *time.Timer
	trace := &httptrace.ClientTrace{
		GetConn: func(string) {
			timer = time.AfterFunc(t.timeout, func() {
				cancel(errors.New("timed out waiting for an upstream connection"))
			})
		},
		GotConn: func(httptrace.GotConnInfo) {
			if timer != nil {
				timer.Stop()
			}
		},
	}
	resp, err := t.base.RoundTrip(req.WithContext(httptrace.WithClientTrace(ctx, trace)))
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
		cancel(nil)
		return nil, err
	}
	// The context must stay alive until the response body is consumed.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (b *cancelOnClose) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}
