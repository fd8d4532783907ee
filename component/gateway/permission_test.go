package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/opensrp/fhir-gateway/component/practitioner"
	"github.com/opensrp/fhir-gateway/lib/auth"
	"github.com/opensrp/fhir-gateway/lib/fhirutil"
	"github.com/opensrp/fhir-gateway/lib/to"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestPermissionChecker_CheckAccess(t *testing.T) {
	ctx := context.Background()
	checkerWith := func(roles ...string) *permissionChecker {
		return &permissionChecker{
			principal: auth.Principal{Subject: "subject-1", Roles: roles},
			narrower:  syncNarrower{scope: SyncScope{CareTeamIDs: []string{"ct-1"}}},
		}
	}
	read := &RequestDetails{Method: http.MethodGet, ResourceType: "Patient", ResourceID: "pat-1", Operation: OperationRead}

	t.Run("verb role grants its method", func(t *testing.T) {
		decision, err := checkerWith("GET_PATIENT").CheckAccess(ctx, read)

		require.NoError(t, err)
		assert.True(t, decision.Granted)
	})

	t.Run("manage role covers every verb", func(t *testing.T) {
		checker := checkerWith("MANAGE_PATIENT")
		requests := []*RequestDetails{
			{Method: http.MethodGet, ResourceType: "Patient", ResourceID: "pat-1", Operation: OperationRead},
			{Method: http.MethodPost, ResourceType: "Patient", Operation: OperationCreate},
			{Method: http.MethodPut, ResourceType: "Patient", ResourceID: "pat-1", Operation: OperationUpdate},
			{Method: http.MethodDelete, ResourceType: "Patient", ResourceID: "pat-1", Operation: OperationDelete},
		}
		for _, request := range requests {
			decision, err := checker.CheckAccess(ctx, request)

			require.NoError(t, err)
			assert.True(t, decision.Granted, request.Method)
		}
	})

	t.Run("role for another verb does not help", func(t *testing.T) {
		decision, err := checkerWith("GET_PATIENT").CheckAccess(ctx,
			&RequestDetails{Method: http.MethodDelete, ResourceType: "Patient", ResourceID: "pat-1", Operation: OperationDelete})

		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Nil(t, decision.PostProcess)
	})

	t.Run("role matching is case sensitive", func(t *testing.T) {
		for _, role := range []string{"get_patient", "Get_Patient", "GET_PATIENTS"} {
			decision, err := checkerWith(role).CheckAccess(ctx, read)

			require.NoError(t, err)
			assert.False(t, decision.Granted, role)
		}
	})

	t.Run("unsupported methods are denied", func(t *testing.T) {
		decision, err := checkerWith("MANAGE_PATIENT").CheckAccess(ctx,
			&RequestDetails{Method: http.MethodPatch, ResourceType: "Patient", ResourceID: "pat-1"})

		require.NoError(t, err)
		assert.False(t, decision.Granted)
	})

	t.Run("server root search is denied", func(t *testing.T) {
		decision, err := checkerWith("MANAGE_PATIENT").CheckAccess(ctx,
			&RequestDetails{Method: http.MethodGet, Operation: OperationSearchSystem, Params: url.Values{}})

		require.NoError(t, err)
		assert.False(t, decision.Granted)
	})

	t.Run("granted type search carries the scope rewrite", func(t *testing.T) {
		decision, err := checkerWith("GET_OBSERVATION").CheckAccess(ctx,
			&RequestDetails{Method: http.MethodGet, ResourceType: "Observation", Params: url.Values{}, Operation: OperationSearchType})

		require.NoError(t, err)
		require.True(t, decision.Granted)
		require.NotNil(t, decision.Mutation)
		assert.Equal(t, []string{"ct-1"}, decision.Mutation.SetQueryParams["_tag"])
		assert.NotNil(t, decision.PostProcess)
	})

	t.Run("granted read is forwarded unchanged", func(t *testing.T) {
		decision, err := checkerWith("GET_PATIENT").CheckAccess(ctx, read)

		require.NoError(t, err)
		require.True(t, decision.Granted)
		assert.Nil(t, decision.Mutation)
	})
}

func TestPermissionChecker_Bundles(t *testing.T) {
	ctx := context.Background()
	bundleRequest := func(t *testing.T, entries ...fhir.BundleEntry) *RequestDetails {
		t.Helper()
		body, err := json.Marshal(fhir.Bundle{Type: fhir.BundleTypeTransaction, Entry: entries})
		require.NoError(t, err)
		return &RequestDetails{Method: http.MethodPost, Params: url.Values{}, Body: body, Operation: OperationTransaction}
	}
	putEntry := func(resource string, target string) fhir.BundleEntry {
		return fhir.BundleEntry{
			Resource: json.RawMessage(resource),
			Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: target},
		}
	}
	deleteEntry := func(target string) fhir.BundleEntry {
		return fhir.BundleEntry{Request: &fhir.BundleEntryRequest{Method: fhir.HTTPVerbDELETE, Url: target}}
	}
	checkerWith := func(devMode bool, roles ...string) *permissionChecker {
		return &permissionChecker{
			principal: auth.Principal{Subject: "subject-1", Roles: roles},
			devMode:   devMode,
		}
	}

	t.Run("granted when every entry is covered", func(t *testing.T) {
		request := bundleRequest(t,
			putEntry(`{"resourceType":"Patient","id":"pat-1"}`, "Patient/pat-1"),
			putEntry(`{"resourceType":"Observation","id":"obs-1"}`, "Observation/obs-1"),
		)

		decision, err := checkerWith(false, "MANAGE_PATIENT", "PUT_OBSERVATION").CheckAccess(ctx, request)

		require.NoError(t, err)
		assert.True(t, decision.Granted)
		assert.Nil(t, decision.Mutation)
	})

	t.Run("one uncovered entry denies the whole bundle", func(t *testing.T) {
		request := bundleRequest(t,
			putEntry(`{"resourceType":"Patient","id":"pat-1"}`, "Patient/pat-1"),
			putEntry(`{"resourceType":"Observation","id":"obs-1"}`, "Observation/obs-1"),
		)

		decision, err := checkerWith(false, "PUT_PATIENT").CheckAccess(ctx, request)

		require.NoError(t, err)
		assert.False(t, decision.Granted)
	})

	t.Run("delete entries resolve their type from the entry url", func(t *testing.T) {
		request := bundleRequest(t, deleteEntry("Condition/c-1"))

		decision, err := checkerWith(false, "DELETE_CONDITION").CheckAccess(ctx, request)

		require.NoError(t, err)
		assert.True(t, decision.Granted)
	})

	t.Run("dev mode logs missing roles instead of denying", func(t *testing.T) {
		request := bundleRequest(t, putEntry(`{"resourceType":"Patient","id":"pat-1"}`, "Patient/pat-1"))

		decision, err := checkerWith(true).CheckAccess(ctx, request)

		require.NoError(t, err)
		assert.True(t, decision.Granted)
	})

	t.Run("unparseable body is denied", func(t *testing.T) {
		request := &RequestDetails{Method: http.MethodPost, Params: url.Values{}, Body: []byte("not json"), Operation: OperationTransaction}

		decision, err := checkerWith(true, "MANAGE_PATIENT").CheckAccess(ctx, request)

		require.NoError(t, err)
		assert.False(t, decision.Granted)
	})

	t.Run("entry without a resolvable target is denied even in dev mode", func(t *testing.T) {
		request := bundleRequest(t, fhir.BundleEntry{Resource: json.RawMessage(`{"id":"x-1"}`)})

		decision, err := checkerWith(true, "MANAGE_PATIENT").CheckAccess(ctx, request)

		require.NoError(t, err)
		assert.False(t, decision.Granted)
	})

	t.Run("empty bundle is granted", func(t *testing.T) {
		request := bundleRequest(t)

		decision, err := checkerWith(false).CheckAccess(ctx, request)

		require.NoError(t, err)
		assert.True(t, decision.Granted)
	})
}

func TestStrategyResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("walks the composition to the binary config", func(t *testing.T) {
		stub := newConfigServerStub(t)
		stub.stubComposition(t, "app-1", appSection("application", "Binary/cfg-1"))
		stub.binaries["cfg-1"] = configBinary(t, SyncStrategyCareTeam)
		resolver := newStrategyResolver(stub.client())

		strategy, err := resolver.StrategyForApp(ctx, "app-1")

		require.NoError(t, err)
		assert.Equal(t, SyncStrategyCareTeam, strategy)
		assert.Equal(t, []string{"Composition?identifier=app-1", "Binary/cfg-1"}, stub.requestLog())
	})

	t.Run("prefers the application section", func(t *testing.T) {
		stub := newConfigServerStub(t)
		stub.stubComposition(t, "app-1",
			appSection("device", "Binary/device-cfg"),
			appSection("application", "Binary/cfg-1"),
		)
		stub.binaries["cfg-1"] = configBinary(t, SyncStrategyLocation)
		resolver := newStrategyResolver(stub.client())

		strategy, err := resolver.StrategyForApp(ctx, "app-1")

		require.NoError(t, err)
		assert.Equal(t, SyncStrategyLocation, strategy)
	})

	t.Run("falls back to the first section", func(t *testing.T) {
		stub := newConfigServerStub(t)
		stub.stubComposition(t, "app-1",
			appSection("", "Binary/cfg-1"),
			appSection("", "Binary/other"),
		)
		stub.binaries["cfg-1"] = configBinary(t, SyncStrategyOrganization)
		resolver := newStrategyResolver(stub.client())

		strategy, err := resolver.StrategyForApp(ctx, "app-1")

		require.NoError(t, err)
		assert.Equal(t, SyncStrategyOrganization, strategy)
	})

	t.Run("caches per app id", func(t *testing.T) {
		stub := newConfigServerStub(t)
		stub.stubComposition(t, "app-1", appSection("application", "Binary/cfg-1"))
		stub.binaries["cfg-1"] = configBinary(t, SyncStrategyCareTeam)
		resolver := newStrategyResolver(stub.client())

		_, err := resolver.StrategyForApp(ctx, "app-1")
		require.NoError(t, err)
		resolved := len(stub.requestLog())

		strategy, err := resolver.StrategyForApp(ctx, "app-1")
		require.NoError(t, err)
		assert.Equal(t, SyncStrategyCareTeam, strategy)
		assert.Len(t, stub.requestLog(), resolved, "second lookup is served from the cache")
	})

	t.Run("strategy spelling is case-insensitive", func(t *testing.T) {
		stub := newConfigServerStub(t)
		stub.stubComposition(t, "app-1", appSection("application", "Binary/cfg-1"))
		stub.binaries["cfg-1"] = configBinary(t, "careteam")
		resolver := newStrategyResolver(stub.client())

		strategy, err := resolver.StrategyForApp(ctx, "app-1")

		require.NoError(t, err)
		assert.Equal(t, SyncStrategyCareTeam, strategy, "the cache holds the canonical spelling")
	})

	t.Run("missing composition", func(t *testing.T) {
		stub := newConfigServerStub(t)
		stub.searches["Composition?"+url.Values{"identifier": {"ghost"}}.Encode()] = fhir.Bundle{Type: fhir.BundleTypeSearchset, Total: to.Ptr(0)}
		resolver := newStrategyResolver(stub.client())

		_, err := resolver.StrategyForApp(ctx, "ghost")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no Composition config found")
	})

	t.Run("blank strategy names the fix", func(t *testing.T) {
		stub := newConfigServerStub(t)
		stub.stubComposition(t, "app-1", appSection("application", "Binary/cfg-1"))
		stub.binaries["cfg-1"] = configBinary(t)
		resolver := newStrategyResolver(stub.client())

		_, err := resolver.StrategyForApp(ctx, "app-1")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "Sync strategy not configured")
		assert.Contains(t, err.Error(), "fhir_core_app_id")
	})
}

func TestPermissionCheckerFactory(t *testing.T) {
	ctx := context.Background()
	syncSearch := func() *RequestDetails {
		return &RequestDetails{Method: http.MethodGet, ResourceType: "Observation", Path: "Observation", Params: url.Values{}, Operation: OperationSearchType}
	}
	principal := auth.Principal{Subject: "subject-1", ApplicationID: "app-1", Roles: []string{"GET_OBSERVATION"}}
	factoryWith := func(t *testing.T, strategy string, source DetailsSource) *permissionCheckerFactory {
		t.Helper()
		stub := newConfigServerStub(t)
		stub.stubComposition(t, "app-1", appSection("application", "Binary/cfg-1"))
		stub.binaries["cfg-1"] = configBinary(t, strategy)
		return &permissionCheckerFactory{
			details:    source,
			strategies: newStrategyResolver(stub.client()),
		}
	}

	t.Run("missing app id claim", func(t *testing.T) {
		factory := factoryWith(t, SyncStrategyCareTeam, &detailsSourceStub{})

		_, err := factory.CheckerFor(ctx, auth.Principal{Subject: "subject-1"})

		require.ErrorIs(t, err, errMissingAppID)
	})

	t.Run("care team strategy scopes by care team ids", func(t *testing.T) {
		factory := factoryWith(t, SyncStrategyCareTeam, &detailsSourceStub{details: detailsWith([]string{"ct-1", "ct-2"}, []string{"org-1"}, nil)})

		checker, err := factory.CheckerFor(ctx, principal)
		require.NoError(t, err)
		decision, err := checker.CheckAccess(ctx, syncSearch())

		require.NoError(t, err)
		require.True(t, decision.Granted)
		require.NotNil(t, decision.Mutation)
		assert.Equal(t, []string{"ct-1,ct-2"}, decision.Mutation.SetQueryParams["_tag"])
	})

	t.Run("organization strategy scopes by organization ids", func(t *testing.T) {
		factory := factoryWith(t, SyncStrategyOrganization, &detailsSourceStub{details: detailsWith([]string{"ct-1"}, []string{"org-1", "org-2"}, nil)})

		checker, err := factory.CheckerFor(ctx, principal)
		require.NoError(t, err)
		decision, err := checker.CheckAccess(ctx, syncSearch())

		require.NoError(t, err)
		require.NotNil(t, decision.Mutation)
		assert.Equal(t, []string{"org-1,org-2"}, decision.Mutation.SetQueryParams["_tag"])
	})

	t.Run("location strategy scopes by attributed locations", func(t *testing.T) {
		factory := factoryWith(t, SyncStrategyLocation, &detailsSourceStub{details: detailsWith(nil, nil, []string{"Location/loc-2", "Location/loc-3"})})

		checker, err := factory.CheckerFor(ctx, principal)
		require.NoError(t, err)
		decision, err := checker.CheckAccess(ctx, syncSearch())

		require.NoError(t, err)
		require.NotNil(t, decision.Mutation)
		assert.Equal(t, []string{"loc-2,loc-3"}, decision.Mutation.SetQueryParams["_tag"])
	})

	t.Run("lowercase strategy spelling scopes the same", func(t *testing.T) {
		factory := factoryWith(t, "LOCATION", &detailsSourceStub{details: detailsWith(nil, nil, []string{"Location/loc-2"})})

		checker, err := factory.CheckerFor(ctx, principal)
		require.NoError(t, err)
		decision, err := checker.CheckAccess(ctx, syncSearch())

		require.NoError(t, err)
		require.NotNil(t, decision.Mutation)
		assert.Equal(t, []string{"loc-2"}, decision.Mutation.SetQueryParams["_tag"])
	})

	t.Run("unsupported strategy", func(t *testing.T) {
		factory := factoryWith(t, "Gibberish", &detailsSourceStub{})

		_, err := factory.CheckerFor(ctx, principal)

		require.Error(t, err)
		assert.Contains(t, err.Error(), `unsupported sync strategy "Gibberish"`)
	})

	t.Run("details failure is reported", func(t *testing.T) {
		factory := factoryWith(t, SyncStrategyCareTeam, &detailsSourceStub{err: errors.New("upstream down")})

		_, err := factory.CheckerFor(ctx, principal)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "resolve practitioner details")
	})
}

type detailsSourceStub struct {
	details practitioner.Details
	err     error
}

func (s *detailsSourceStub) CachedDetails(ctx context.Context, subject string) (practitioner.Details, error) {
	return s.details, s.err
}

// detailsWith builds a practitioner graph holding the given care team,
// organization and attributed location ids.
func detailsWith(careTeams []string, organizations []string, locationRefs []string) practitioner.Details {
	details := practitioner.Details{Id: to.Ptr("p-1")}
	for _, id := range careTeams {
		details.Fhir.CareTeams = append(details.Fhir.CareTeams, fhir.CareTeam{Id: to.Ptr(id)})
	}
	for _, id := range organizations {
		details.Fhir.Organizations = append(details.Fhir.Organizations, fhir.Organization{Id: to.Ptr(id)})
	}
	if len(locationRefs) > 0 {
		details.Fhir.LocationHierarchies = []practitioner.LocationHierarchy{{
			Tree: &practitioner.LocationHierarchyTree{
				LocationsHierarchy: &practitioner.LocationTree{
					ParentChildren: []practitioner.ParentChildren{{ChildIdentifiers: locationRefs}},
				},
			},
		}}
	}
	return details
}

// configServerStub serves the Composition and Binary chain the strategy
// resolver walks. Unexpected requests fail the test.
type configServerStub struct {
	t       *testing.T
	baseURL *url.URL

	mu       sync.Mutex
	searches map[string]fhir.Bundle
	binaries map[string]fhir.Binary
	requests []string
}

func newConfigServerStub(t *testing.T) *configServerStub {
	stub := &configServerStub{
		t:        t,
		searches: map[string]fhir.Bundle{},
		binaries: map[string]fhir.Binary{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /Composition", func(w http.ResponseWriter, r *http.Request) {
		key := "Composition?" + r.URL.Query().Encode()
		stub.mu.Lock()
		stub.requests = append(stub.requests, key)
		bundle, ok := stub.searches[key]
		stub.mu.Unlock()
		if !ok {
			stub.t.Errorf("unexpected search: %s", key)
			http.Error(w, "unexpected search", http.StatusBadRequest)
			return
		}
		fhirutil.WriteResource(w, http.StatusOK, bundle)
	})
	mux.HandleFunc("GET /Binary/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		stub.mu.Lock()
		stub.requests = append(stub.requests, "Binary/"+id)
		binary, ok := stub.binaries[id]
		stub.mu.Unlock()
		if !ok {
			stub.t.Errorf("unexpected Binary read: %s", id)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		fhirutil.WriteResource(w, http.StatusOK, binary)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	baseURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	stub.baseURL = baseURL
	return stub
}

func (s *configServerStub) client() fhirclient.Client {
	return fhirclient.New(s.baseURL, http.DefaultClient, fhirutil.ClientConfig())
}

func (s *configServerStub) stubComposition(t *testing.T, appID string, sections ...fhir.CompositionSection) {
	t.Helper()
	bundle, err := fhirutil.SearchsetBundle(fhir.Composition{Id: to.Ptr("cmp-" + appID), Section: sections})
	require.NoError(t, err)
	s.searches["Composition?"+url.Values{"identifier": {appID}}.Encode()] = bundle
}

func (s *configServerStub) requestLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// appSection builds a composition section pointing at a config Binary,
// optionally marked with the focus identifier the resolver selects by.
func appSection(focusIdentifier string, binaryRef string) fhir.CompositionSection {
	section := fhir.CompositionSection{Focus: &fhir.Reference{Reference: to.Ptr(binaryRef)}}
	if focusIdentifier != "" {
		section.Focus.Identifier = &fhir.Identifier{Value: to.Ptr(focusIdentifier)}
	}
	return section
}

// configBinary encodes an app config Binary carrying the given sync
// strategies.
func configBinary(t *testing.T, strategies ...string) fhir.Binary {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"appId": "app-1", "syncStrategy": strategies})
	require.NoError(t, err)
	return fhir.Binary{
		ContentType: "application/json",
		Data:        to.Ptr(base64.StdEncoding.EncodeToString(payload)),
	}
}
