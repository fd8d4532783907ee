package harness

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/opensrp/fhir-gateway/component/practitioner"
	"github.com/opensrp/fhir-gateway/lib/fhirutil"
	"github.com/opensrp/fhir-gateway/lib/to"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// The fixed population served by the upstream stub: one practitioner in one
// care team, managed by one organization with one affiliated location.
const (
	Subject        = "nurse-ada"
	ApplicationID  = "e2e-app"
	PractitionerID = "p-100"
	CareTeamID     = "ct-100"
	OrganizationID = "org-100"
	LocationID     = "loc-100"
)

// UpstreamServer stubs the proxied FHIR server. It serves the practitioner
// assignment graph and the app sync strategy configuration, stores posted
// audit events, and answers all other requests as proxied data from a
// scripted table while recording what the gateway forwarded.
type UpstreamServer struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	proxied   []ProxiedRequest
	audits    []fhir.AuditEvent
	responses map[string]scriptedResponse
}

// ProxiedRequest is one data request that passed through the gateway.
type ProxiedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type scriptedResponse struct {
	status int
	body   string
}

// graphPaths are answered from the canned assignment graph; data requests
// in the tests must use other resource types.
var graphPaths = map[string]bool{
	"/Practitioner":            true,
	"/Organization":            true,
	"/OrganizationAffiliation": true,
	"/LocationHierarchy":       true,
	"/Location":                true,
	"/Group":                   true,
}

func StartUpstream(t *testing.T) *UpstreamServer {
	upstream := &UpstreamServer{t: t, responses: map[string]scriptedResponse{}}
	upstream.server = httptest.NewServer(http.HandlerFunc(upstream.handle))
	t.Cleanup(upstream.server.Close)
	return upstream
}

func (u *UpstreamServer) BaseURL() *url.URL {
	baseURL, err := url.Parse(u.server.URL)
	require.NoError(u.t, err)
	return baseURL
}

// Respond scripts the response for a proxied data request, keyed by method
// and path.
func (u *UpstreamServer) Respond(method string, path string, status int, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses[method+" "+path] = scriptedResponse{status: status, body: body}
}

func (u *UpstreamServer) ProxiedRequests() []ProxiedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]ProxiedRequest(nil), u.proxied...)
}

func (u *UpstreamServer) AuditEvents() []fhir.AuditEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]fhir.AuditEvent(nil), u.audits...)
}

func (u *UpstreamServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/":
		u.handleBatch(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/AuditEvent":
		u.handleAudit(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/Composition":
		u.handleComposition(w)
	case r.Method == http.MethodGet && r.URL.Path == "/Binary/e2e-config":
		u.handleConfigBinary(w)
	case r.Method == http.MethodGet && graphPaths[r.URL.Path]:
		u.handleGraph(w, r)
	default:
		u.handleData(w, r)
	}
}

// handleGraph serves the assignment graph the practitioner resolver walks.
func (u *UpstreamServer) handleGraph(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/Practitioner":
		if r.URL.Query().Get("identifier") == Subject || strings.Contains(r.URL.Query().Get("_id"), PractitionerID) {
			u.write(w, u.searchset(fhir.Practitioner{Id: to.Ptr(PractitionerID)}))
			return
		}
		u.write(w, u.searchset())
	case "/Organization":
		u.write(w, u.searchset(fhir.Organization{Id: to.Ptr(OrganizationID)}))
	case "/OrganizationAffiliation":
		if r.URL.Query().Get("location") != "" {
			u.write(w, u.searchset())
			return
		}
		u.write(w, u.searchset(fhir.OrganizationAffiliation{
			Id:           to.Ptr("aff-100"),
			Organization: &fhir.Reference{Reference: to.Ptr("Organization/" + OrganizationID)},
			Location:     []fhir.Reference{{Reference: to.Ptr("Location/" + LocationID)}},
		}))
	case "/LocationHierarchy":
		u.write(w, u.searchset(practitioner.LocationHierarchy{
			Id: to.Ptr(LocationID),
			Tree: &practitioner.LocationHierarchyTree{LocationsHierarchy: &practitioner.LocationTree{ParentChildren: []practitioner.ParentChildren{
				{Identifier: to.Ptr("Location/" + LocationID), ChildIdentifiers: []string{"Location/loc-101"}},
			}}},
		}))
	case "/Location":
		u.write(w, u.searchset(fhir.Location{Id: to.Ptr(LocationID)}))
	case "/Group":
		u.write(w, u.searchset())
	}
}

// handleBatch answers the care team and role legs of the graph walk.
func (u *UpstreamServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var batch fhir.Bundle
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		u.t.Errorf("decode batch bundle: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	response := fhir.Bundle{Type: fhir.BundleTypeBatchResponse}
	for _, entry := range batch.Entry {
		if entry.Request == nil {
			u.t.Error("batch entry without request")
			continue
		}
		nested := u.searchset()
		if strings.HasPrefix(entry.Request.Url, "CareTeam?") && strings.Contains(entry.Request.Url, PractitionerID) {
			nested = u.searchset(fhir.CareTeam{
				Id: to.Ptr(CareTeamID),
				Participant: []fhir.CareTeamParticipant{
					{Member: &fhir.Reference{Reference: to.Ptr("Practitioner/" + PractitionerID)}},
				},
				ManagingOrganization: []fhir.Reference{{Reference: to.Ptr("Organization/" + OrganizationID)}},
			})
		}
		raw, err := json.Marshal(nested)
		if err != nil {
			u.t.Errorf("marshal batch entry response: %v", err)
			continue
		}
		response.Entry = append(response.Entry, fhir.BundleEntry{Resource: raw})
	}
	u.write(w, response)
}

func (u *UpstreamServer) handleComposition(w http.ResponseWriter) {
	bundle := u.searchset(fhir.Composition{
		Id: to.Ptr("cmp-100"),
		Section: []fhir.CompositionSection{{
			Focus: &fhir.Reference{
				Identifier: &fhir.Identifier{Value: to.Ptr("application")},
				Reference:  to.Ptr("Binary/e2e-config"),
			},
		}},
	})
	fhirutil.WriteResource(w, http.StatusOK, bundle)
}

func (u *UpstreamServer) handleConfigBinary(w http.ResponseWriter) {
	payload, err := json.Marshal(map[string]any{"appId": ApplicationID, "syncStrategy": []string{"CareTeam"}})
	if err != nil {
		u.t.Errorf("marshal app config: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fhirutil.WriteResource(w, http.StatusOK, fhir.Binary{
		ContentType: "application/json",
		Data:        to.Ptr(base64.StdEncoding.EncodeToString(payload)),
	})
}

func (u *UpstreamServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		u.t.Errorf("read audit event: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var event fhir.AuditEvent
	if err := json.Unmarshal(body, &event); err != nil {
		u.t.Errorf("decode audit event: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	u.audits = append(u.audits, event)
	u.mu.Unlock()
	w.Header().Set("Content-Type", fhirutil.JSONContentType)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (u *UpstreamServer) handleData(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		u.t.Errorf("read proxied body: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	u.proxied = append(u.proxied, ProxiedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	response, scripted := u.responses[r.Method+" "+r.URL.Path]
	u.mu.Unlock()
	if !scripted {
		response = scriptedResponse{status: http.StatusOK, body: `{"resourceType":"Bundle","type":"searchset","total":0}`}
	}
	w.Header().Set("Content-Type", fhirutil.JSONContentType)
	w.WriteHeader(response.status)
	_, _ = w.Write([]byte(response.body))
}

func (u *UpstreamServer) searchset(resources ...any) fhir.Bundle {
	bundle, err := fhirutil.SearchsetBundle(resources...)
	if err != nil {
		u.t.Errorf("build searchset bundle: %v", err)
		return fhir.Bundle{Type: fhir.BundleTypeSearchset, Total: to.Ptr(0)}
	}
	return bundle
}

func (u *UpstreamServer) write(w http.ResponseWriter, bundle fhir.Bundle) {
	fhirutil.WriteResource(w, http.StatusOK, bundle)
}
