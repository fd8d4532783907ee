// Package auth decodes the identity claims the gateway needs from the OAuth2
// access token on incoming requests.
package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
)

const bearerPrefix = "Bearer "

var ErrNoToken = errors.New("missing bearer token in Authorization header")

// Principal holds the claims extracted from an access token.
type Principal struct {
	// Subject is the stable user id (the sub claim), matched against
	// Practitioner.identifier on the FHIR server.
	Subject           string
	PreferredUsername string
	Name              string
	// Roles are the realm roles granted to the user (realm_access.roles).
	Roles []string
	// ApplicationID is the fhir_core_app_id claim selecting the sync
	// strategy configuration for the user's app deployment.
	ApplicationID string
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// PrincipalFromRequest decodes the bearer token on the request. The token
// signature is not verified here; verification happens at the ingress in
// front of the gateway.
func PrincipalFromRequest(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return Principal{}, ErrNoToken
	}
	return ParseToken(strings.TrimPrefix(header, bearerPrefix))
}

// ParseToken decodes the claims of a compact-serialized JWT without
// verifying its signature. It fails when the token is malformed or does not
// carry a sub claim.
func ParseToken(raw string) (Principal, error) {
	token, err := jwt.ParseString(raw, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return Principal{}, errors.Wrap(err, "parse access token")
	}
	principal := Principal{
		Subject:           token.Subject(),
		PreferredUsername: stringClaim(token, "preferred_username"),
		Name:              stringClaim(token, "name"),
		ApplicationID:     stringClaim(token, "fhir_core_app_id"),
		Roles:             realmRoles(token),
	}
	if principal.Subject == "" {
		return Principal{}, errors.New("access token is missing the sub claim")
	}
	return principal, nil
}

func stringClaim(token jwt.Token, name string) string {
	value, ok := token.Get(name)
	if !ok {
		return ""
	}
	str, _ := value.(string)
	return str
}

// realmRoles reads realm_access.roles, the location Keycloak uses for realm
// role grants. An absent or malformed claim yields no roles.
func realmRoles(token jwt.Token) []string {
	value, ok := token.Get("realm_access")
	if !ok {
		return nil
	}
	realmAccess, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	rawRoles, ok := realmAccess["roles"].([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(rawRoles))
	for _, rawRole := range rawRoles {
		if role, ok := rawRole.(string); ok {
			roles = append(roles, role)
		}
	}
	return roles
}
