package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/opensrp/fhir-gateway/component/practitioner"
	"github.com/opensrp/fhir-gateway/lib/auth"
	"github.com/opensrp/fhir-gateway/lib/cache"
	"github.com/opensrp/fhir-gateway/lib/fhirutil"
	"github.com/opensrp/fhir-gateway/lib/logging"
	"github.com/opensrp/fhir-gateway/lib/to"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Sync strategy names, as configured in the application config Binary.
const (
	SyncStrategyCareTeam     = "CareTeam"
	SyncStrategyOrganization = "Organization"
	SyncStrategyLocation     = "Location"
)

// applicationSectionFocus marks the Composition section holding the app
// config Binary.
const applicationSectionFocus = "application"

var errMissingAppID = errors.New("access token is missing the fhir_core_app_id claim")

// DetailsSource supplies resolved practitioner assignment graphs; the
// practitioner component implements it.
type DetailsSource interface {
	CachedDetails(ctx context.Context, subject string) (practitioner.Details, error)
}

// permissionCheckerFactory builds one access checker per request from the
// caller's token claims, the deployment's sync strategy and the caller's
// assignment graph.
type permissionCheckerFactory struct {
	details         DetailsSource
	strategies      *strategyResolver
	devMode         bool
	tagSystemPrefix bool
}

func (f *permissionCheckerFactory) CheckerFor(ctx context.Context, principal auth.Principal) (AccessChecker, error) {
	if principal.ApplicationID == "" {
		return nil, errMissingAppID
	}
	strategy, err := f.strategies.StrategyForApp(ctx, principal.ApplicationID)
	if err != nil {
		return nil, err
	}
	scope, err := f.scopeFor(ctx, principal.Subject, strategy)
	if err != nil {
		return nil, err
	}
	return &permissionChecker{
		principal: principal,
		narrower:  syncNarrower{scope: scope, tagSystemPrefix: f.tagSystemPrefix},
		devMode:   f.devMode,
	}, nil
}

// scopeFor picks the assignment dimension the sync strategy scopes by.
func (f *permissionCheckerFactory) scopeFor(ctx context.Context, subject string, strategy string) (SyncScope, error) {
	details, err := f.details.CachedDetails(ctx, subject)
	if err != nil {
		return SyncScope{}, errors.Wrap(err, "resolve practitioner details")
	}
	switch strategy {
	case SyncStrategyCareTeam:
		return SyncScope{CareTeamIDs: details.CareTeamIDs()}, nil
	case SyncStrategyOrganization:
		return SyncScope{OrganizationIDs: details.OrganizationIDs()}, nil
	case SyncStrategyLocation:
		return SyncScope{LocationIDs: details.AttributedLocationIDs()}, nil
	default:
		return SyncScope{}, errors.Errorf("unsupported sync strategy %q", strategy)
	}
}

// permissionChecker grants requests whose caller carries the realm role
// matching the verb and resource type, then narrows granted sync searches
// to the caller's assignment scope.
type permissionChecker struct {
	principal auth.Principal
	narrower  syncNarrower
	devMode   bool
}

func (c *permissionChecker) CheckAccess(ctx context.Context, request *RequestDetails) (*AccessDecision, error) {
	if request.Method == http.MethodPost && request.ResourceType == "" {
		return c.checkBundle(ctx, request)
	}
	switch request.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return AccessDenied(), nil
	}
	if !c.hasResourceRole(request.ResourceType, request.Method) {
		return AccessDenied(), nil
	}
	decision := AccessGranted()
	decision.Mutation = c.narrower.Mutation(ctx, request)
	decision.PostProcess = c.narrower.PostProcess
	return decision, nil
}

// hasResourceRole implements the role naming scheme: MANAGE_<RESOURCE>
// covers all verbs on a type, <VERB>_<RESOURCE> covers one. Matching is
// exact and case-sensitive on the role side.
func (c *permissionChecker) hasResourceRole(resourceType string, verb string) bool {
	if resourceType == "" {
		return false
	}
	resource := strings.ToUpper(resourceType)
	return c.principal.HasRole("MANAGE_"+resource) || c.principal.HasRole(verb+"_"+resource)
}

// checkBundle authorizes each entry of a posted bundle against the entry's
// own verb and resource type. Outside dev mode the first missing role denies
// the whole bundle; in dev mode missing roles are logged and the bundle is
// let through.
func (c *permissionChecker) checkBundle(ctx context.Context, request *RequestDetails) (*AccessDecision, error) {
	var bundle fhir.Bundle
	if err := json.Unmarshal(request.Body, &bundle); err != nil {
		slog.WarnContext(ctx, "Denied bundle that could not be parsed", logging.Error(err))
		return AccessDenied(), nil
	}
	for _, entry := range bundle.Entry {
		resourceType, verb := entryTarget(entry)
		if resourceType == "" || verb == "" {
			slog.WarnContext(ctx, "Denied bundle entry without a resolvable target")
			return AccessDenied(), nil
		}
		if c.hasResourceRole(resourceType, verb) {
			continue
		}
		if !c.devMode {
			return AccessDenied(), nil
		}
		slog.InfoContext(ctx, "Bundle entry missing role", slog.String("role", verb+"_"+strings.ToUpper(resourceType)))
	}
	return AccessGranted(), nil
}

// entryTarget resolves the resource type and verb a bundle entry operates
// on. Entries without a resource body (deletes, reads) fall back to the
// entry's request url.
func entryTarget(entry fhir.BundleEntry) (string, string) {
	verb := ""
	if entry.Request != nil {
		verb = entry.Request.Method.Code()
	}
	resourceType := ""
	if len(entry.Resource) > 0 {
		resourceType = fhirutil.ResourceType(entry.Resource)
	}
	if resourceType == "" && entry.Request != nil {
		target := entry.Request.Url
		if idx := strings.IndexAny(target, "/?"); idx >= 0 {
			target = target[:idx]
		}
		resourceType = target
	}
	return resourceType, verb
}

// strategyResolver reads the sync strategy of an app from its Composition
// config on the upstream server, caching results per app id.
type strategyResolver struct {
	client fhirclient.Client
	cache  *cache.Cache[string]
}

func newStrategyResolver(client fhirclient.Client) *strategyResolver {
	return &strategyResolver{
		client: client,
		cache:  cache.New[string](cache.DefaultTTL, cache.DefaultSize),
	}
}

func (r *strategyResolver) StrategyForApp(ctx context.Context, appID string) (string, error) {
	if strategy, ok := r.cache.Get(appID); ok {
		return strategy, nil
	}
	strategy, err := r.fetch(ctx, appID)
	if err != nil {
		return "", err
	}
	r.cache.Put(appID, strategy)
	return strategy, nil
}

// fetch walks the config chain: the Composition whose identifier is the app
// id points at a Binary whose base64 payload carries the syncStrategy list.
func (r *strategyResolver) fetch(ctx context.Context, appID string) (string, error) {
	var result fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "Composition", url.Values{"identifier": {appID}}, &result); err != nil {
		return "", errors.Wrapf(err, "search Composition for app %s", appID)
	}
	compositions, err := fhirutil.EntriesOf[fhir.Composition](&result)
	if err != nil {
		return "", errors.Wrap(err, "decode Composition search result")
	}
	if len(compositions) == 0 {
		return "", errors.Errorf("no Composition config found for app %s", appID)
	}
	binaryRef := binarySectionReference(compositions[0])
	if binaryRef == "" {
		return "", errors.Errorf("Composition config for app %s has no Binary section", appID)
	}
	var binary fhir.Binary
	if err := r.client.ReadWithContext(ctx, binaryRef, &binary); err != nil {
		return "", errors.Wrapf(err, "read config %s", binaryRef)
	}
	payload, err := base64.StdEncoding.DecodeString(to.Value(binary.Data))
	if err != nil {
		return "", errors.Wrapf(err, "decode config %s payload", binaryRef)
	}
	strategy := gjson.GetBytes(payload, "syncStrategy").Get("0").String()
	if strategy == "" {
		return "", errors.New("Sync strategy not configured. Please confirm Keycloak fhir_core_app_id attribute for the user matches the Composition.json config official identifier value")
	}
	return canonicalStrategy(strategy), nil
}

// canonicalStrategy folds a configured strategy name to its canonical
// spelling; matching is case-insensitive. Unknown names pass through so the
// scope switch can name them in its error.
func canonicalStrategy(name string) string {
	for _, known := range []string{SyncStrategyCareTeam, SyncStrategyOrganization, SyncStrategyLocation} {
		if strings.EqualFold(name, known) {
			return known
		}
	}
	return name
}

// binarySectionReference finds the Binary holding the app config: the
// section focused on the application config when present, the first section
// otherwise.
func binarySectionReference(composition fhir.Composition) string {
	if len(composition.Section) == 0 {
		return ""
	}
	chosen := composition.Section[0]
	for _, section := range composition.Section {
		if section.Focus == nil || section.Focus.Identifier == nil {
			continue
		}
		if to.Value(section.Focus.Identifier.Value) == applicationSectionFocus {
			chosen = section
			break
		}
	}
	if chosen.Focus == nil {
		return ""
	}
	return to.Value(chosen.Focus.Reference)
}
