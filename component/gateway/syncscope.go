package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/opensrp/fhir-gateway/lib/coding"
)

// emptyScopeSentinel is the tag value used when a practitioner has no
// assignments at all. No resource carries it, so scoped searches return
// nothing instead of everything.
const emptyScopeSentinel = "CR1bAeGgaYqIpsNkG0iidfE5WVb5BJV1yltmL4YFp3o6mxj3iJPhKh4k9ROhlyZveFC8298lYzft8SIy8yMNLl5GVWQXNRr1sSeBkP2McfFZjbMYyrxlNFOJgqvtccDKKYSwBiLHq2By5tRupHcmpIIghV7Hp39KgF4iBDNqIGMKhgOIieQwt5BRih5FgnwdHrdlK9ix"

// SyncScope is the slice of the practitioner's assignment graph that sync
// searches are narrowed to. The active sync strategy populates exactly one
// of the id lists.
type SyncScope struct {
	CareTeamIDs     []string
	OrganizationIDs []string
	LocationIDs     []string
}

func (s SyncScope) Empty() bool {
	return len(s.CareTeamIDs) == 0 && len(s.OrganizationIDs) == 0 && len(s.LocationIDs) == 0
}

// syncNarrower rewrites type-level searches so they only return resources
// tagged with the caller's assignment scope.
type syncNarrower struct {
	scope SyncScope
	// tagSystemPrefix renders tag values in system|code form. Off by
	// default: the deployed servers match bare tag codes only.
	tagSystemPrefix bool
}

// isSyncRequest reports whether sync narrowing applies: a GET on a resource
// type without an instance id.
func isSyncRequest(request *RequestDetails) bool {
	return request.Method == http.MethodGet && request.ResourceType != "" && request.ResourceID == ""
}

// Mutation returns the _tag rewrite for a sync request, or nil when the
// request is not sync-shaped. Scope values come first, caller-supplied tag
// values are kept after them, and the whole list is a single comma-joined
// parameter value so the server treats it as one OR group.
func (n syncNarrower) Mutation(ctx context.Context, request *RequestDetails) *RequestMutation {
	if !isSyncRequest(request) {
		return nil
	}
	values := n.scopeTagValues()
	for _, raw := range request.Params["_tag"] {
		for _, value := range strings.Split(raw, ",") {
			if value != "" {
				values = append(values, value)
			}
		}
	}
	merged := dedupe(values)
	slog.DebugContext(ctx, "Narrowed sync search to assignment scope",
		slog.String("resourceType", request.ResourceType),
		slog.Any("tags", n.tagsBySystem()))
	return &RequestMutation{
		SetQueryParams: url.Values{"_tag": []string{strings.Join(merged, ",")}},
	}
}

// PostProcess is the response half of the decision. Narrowing rewrites only
// the request, so the body passes through unread.
func (n syncNarrower) PostProcess(ctx context.Context, request *RequestDetails, response *http.Response) ([]byte, error) {
	return nil, nil
}

// scopeTagValues lists the tag values of the scope in location, organisation,
// care team order. An empty scope yields the sentinel.
func (n syncNarrower) scopeTagValues() []string {
	scope := n.scope
	if scope.Empty() {
		scope.LocationIDs = []string{emptyScopeSentinel}
	}
	values := n.tagValues(coding.LocationTagSystem, scope.LocationIDs)
	values = append(values, n.tagValues(coding.OrganisationTagSystem, scope.OrganizationIDs)...)
	values = append(values, n.tagValues(coding.CareTeamTagSystem, scope.CareTeamIDs)...)
	return values
}

func (n syncNarrower) tagValues(system string, ids []string) []string {
	if !n.tagSystemPrefix {
		return slices.Clone(ids)
	}
	values := make([]string, 0, len(ids))
	for _, id := range ids {
		values = append(values, coding.Token(system, id))
	}
	return values
}

// tagsBySystem maps each tag system to the scope ids filtered under it, for
// the debug log.
func (n syncNarrower) tagsBySystem() map[string][]string {
	scope := n.scope
	if scope.Empty() {
		scope.LocationIDs = []string{emptyScopeSentinel}
	}
	tags := make(map[string][]string)
	if len(scope.LocationIDs) > 0 {
		tags[coding.LocationTagSystem] = scope.LocationIDs
	}
	if len(scope.OrganizationIDs) > 0 {
		tags[coding.OrganisationTagSystem] = scope.OrganizationIDs
	}
	if len(scope.CareTeamIDs) > 0 {
		tags[coding.CareTeamTagSystem] = scope.CareTeamIDs
	}
	return tags
}
