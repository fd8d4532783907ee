package auth

import (
	"net/http"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	builder := jwt.NewBuilder()
	for name, value := range claims {
		builder = builder.Claim(name, value)
	}
	token, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	return string(signed)
}

func TestParseToken(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		raw := signToken(t, map[string]any{
			"sub":                "user-1",
			"preferred_username": "jdoe",
			"name":               "Jane Doe",
			"fhir_core_app_id":   "demo-app",
			"realm_access":       map[string]any{"roles": []string{"GET_PATIENT", "MANAGE_OBSERVATION"}},
		})

		principal, err := ParseToken(raw)
		require.NoError(t, err)
		assert.Equal(t, "user-1", principal.Subject)
		assert.Equal(t, "jdoe", principal.PreferredUsername)
		assert.Equal(t, "Jane Doe", principal.Name)
		assert.Equal(t, "demo-app", principal.ApplicationID)
		assert.Equal(t, []string{"GET_PATIENT", "MANAGE_OBSERVATION"}, principal.Roles)
		assert.True(t, principal.HasRole("GET_PATIENT"))
		assert.False(t, principal.HasRole("GET_ENCOUNTER"))
	})
	t.Run("optional claims absent", func(t *testing.T) {
		raw := signToken(t, map[string]any{"sub": "user-1"})

		principal, err := ParseToken(raw)
		require.NoError(t, err)
		assert.Equal(t, "user-1", principal.Subject)
		assert.Empty(t, principal.PreferredUsername)
		assert.Empty(t, principal.ApplicationID)
		assert.Empty(t, principal.Roles)
	})
	t.Run("missing sub", func(t *testing.T) {
		raw := signToken(t, map[string]any{"preferred_username": "jdoe"})

		_, err := ParseToken(raw)
		require.EqualError(t, err, "access token is missing the sub claim")
	})
	t.Run("malformed token", func(t *testing.T) {
		_, err := ParseToken("not-a-token")
		require.Error(t, err)
	})
}

func TestPrincipalFromRequest(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		request, _ := http.NewRequest(http.MethodGet, "/Patient", nil)
		request.Header.Set("Authorization", "Bearer "+signToken(t, map[string]any{"sub": "user-1"}))

		principal, err := PrincipalFromRequest(request)
		require.NoError(t, err)
		assert.Equal(t, "user-1", principal.Subject)
	})
	t.Run("no header", func(t *testing.T) {
		request, _ := http.NewRequest(http.MethodGet, "/Patient", nil)

		_, err := PrincipalFromRequest(request)
		require.ErrorIs(t, err, ErrNoToken)
	})
	t.Run("wrong scheme", func(t *testing.T) {
		request, _ := http.NewRequest(http.MethodGet, "/Patient", nil)
		request.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

		_, err := PrincipalFromRequest(request)
		require.ErrorIs(t, err, ErrNoToken)
	})
}
