package gateway

import (
	"context"
	"net/http"
	"net/url"
	"slices"
)

// AccessChecker decides whether an inbound request may reach the proxied
// FHIR server, and how it must be rewritten when it may.
type AccessChecker interface {
	CheckAccess(ctx context.Context, request *RequestDetails) (*AccessDecision, error)
}

// PostProcessor runs after the upstream handled a granted request
// successfully, before the response is streamed to the client. It may return
// a replacement body; a nil result keeps the upstream body. Implementations
// should not read the body unless they rewrite it.
type PostProcessor func(ctx context.Context, request *RequestDetails, response *http.Response) ([]byte, error)

// AccessDecision is the checker's verdict on one request.
type AccessDecision struct {
	Granted bool
	// Mutation rewrites the forwarded request; nil leaves it untouched.
	Mutation *RequestMutation
	// PostProcess inspects the upstream response; nil on denied decisions.
	PostProcess PostProcessor
}

func AccessGranted() *AccessDecision {
	return &AccessDecision{Granted: true}
}

func AccessDenied() *AccessDecision {
	return &AccessDecision{Granted: false}
}

// RequestMutation rewrites the forwarded request. SetQueryParams replaces
// the named parameters wholesale; values the checker wants to keep must be
// part of the replacement.
type RequestMutation struct {
	SetQueryParams url.Values
}

// Apply rewrites the request parameters in place.
func (m *RequestMutation) Apply(request *RequestDetails) {
	if m == nil {
		return
	}
	for name, values := range m.SetQueryParams {
		request.Params[name] = slices.Clone(values)
	}
}
