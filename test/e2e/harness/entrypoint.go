// Package harness boots the complete gateway in-process for the end to end
// tests: a stub upstream FHIR server and the gateway itself on real ports.
package harness

import (
	"net"
	"net/url"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/opensrp/fhir-gateway/cmd"
	"github.com/stretchr/testify/require"
)

type Details struct {
	PublicBaseURL   *url.URL
	InternalBaseURL *url.URL
	Upstream        *UpstreamServer
}

// Start starts the upstream stub and the full gateway with all components.
// Options mutate the configuration before startup.
func Start(t *testing.T, opts ...func(*cmd.Config)) Details {
	t.Helper()

	upstream := StartUpstream(t)

	config := cmd.DefaultConfig()
	config.Gateway.Upstream.URL = upstream.BaseURL().String()
	config.HTTP.Public.Address = freeAddress(t)
	config.HTTP.Internal.Address = freeAddress(t)
	for _, opt := range opts {
		opt(&config)
	}

	startGateway(t, config)

	return Details{
		PublicBaseURL:   localURL(t, config.HTTP.Public.Address),
		InternalBaseURL: localURL(t, config.HTTP.Internal.Address),
		Upstream:        upstream,
	}
}

// Token signs an access token for the stub population. The signature key is
// arbitrary; the gateway reads the claims without verifying it.
func Token(t *testing.T, subject string, appID string, roles ...string) string {
	t.Helper()
	builder := jwt.NewBuilder().
		Subject(subject).
		Claim("preferred_username", subject+"@example.org").
		Claim("name", "Ada Askew")
	if appID != "" {
		builder = builder.Claim("fhir_core_app_id", appID)
	}
	if len(roles) > 0 {
		builder = builder.Claim("realm_access", map[string]any{"roles": roles})
	}
	token, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	return string(signed)
}

// freeAddress reserves a loopback port and releases it for the gateway to
// claim.
func freeAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())
	return address
}

func localURL(t *testing.T, address string) *url.URL {
	t.Helper()
	baseURL, err := url.Parse("http://" + address)
	require.NoError(t, err)
	return baseURL
}
