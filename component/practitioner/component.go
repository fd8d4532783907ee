// Package practitioner resolves the assignment graph of a practitioner
// (care teams, organizations, locations and their hierarchies) from the
// upstream FHIR server and serves it as the custom PractitionerDetail
// resource. The resolved graph also feeds the gateway's search narrowing.
package practitioner

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/opensrp/fhir-gateway/component"
	"github.com/opensrp/fhir-gateway/lib/auth"
	"github.com/opensrp/fhir-gateway/lib/cache"
	"github.com/opensrp/fhir-gateway/lib/fhirutil"
	"github.com/opensrp/fhir-gateway/lib/logging"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

type Config struct {
	// CacheTTL bounds how long resolved details are reused before the graph
	// is walked again.
	CacheTTL time.Duration `koanf:"cachettl"`
	// CacheSize bounds the number of subjects held in the cache.
	CacheSize int `koanf:"cachesize"`
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:  cache.DefaultTTL,
		CacheSize: cache.DefaultSize,
	}
}

var _ component.Lifecycle = (*Component)(nil)

type Component struct {
	config       Config
	fhirBaseURL  *url.URL
	fhirClientFn func(baseURL *url.URL) fhirclient.Client

	resolver *Resolver
	cache    *cache.Cache[Details]
}

// New creates the component. The HTTP client must already carry upstream
// authentication and tracing.
func New(config Config, fhirBaseURL *url.URL, httpClient *http.Client) *Component {
	return &Component{
		config:      config,
		fhirBaseURL: fhirBaseURL,
		fhirClientFn: func(baseURL *url.URL) fhirclient.Client {
			return fhirclient.New(baseURL, httpClient, fhirutil.ClientConfig())
		},
		cache: cache.New[Details](config.CacheTTL, config.CacheSize),
	}
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	publicMux.HandleFunc("GET /PractitionerDetail", c.handleDetails)
	publicMux.HandleFunc("GET /PractitionerDetail/_supervisor", c.handleSupervisorDetails)
}

func (c *Component) Start() error {
	c.resolver = NewResolver(c.fhirClientFn(c.fhirBaseURL))
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	return nil
}

// CachedDetails returns the details for a subject, reusing a cached graph
// when it has not expired. Resolution errors are never cached.
func (c *Component) CachedDetails(ctx context.Context, subject string) (Details, error) {
	if details, ok := c.cache.Get(subject); ok {
		return details, nil
	}
	details, err := c.resolver.DetailsBySubject(ctx, subject)
	if err != nil {
		return Details{}, err
	}
	c.cache.Put(subject, details)
	return details, nil
}

func (c *Component) handleDetails(w http.ResponseWriter, r *http.Request) {
	subject, ok := c.subjectParam(w, r)
	if !ok {
		return
	}
	details, err := c.resolver.DetailsBySubject(r.Context(), subject)
	if err != nil {
		slog.ErrorContext(r.Context(), "Practitioner details resolution failed", logging.Subject(subject), logging.Error(err))
		fhirutil.WriteOperationOutcome(w, http.StatusInternalServerError, fhir.IssueTypeException, "failed to resolve practitioner details")
		return
	}
	bundle, err := fhirutil.SearchsetBundle(details)
	if err != nil {
		fhirutil.WriteOperationOutcome(w, http.StatusInternalServerError, fhir.IssueTypeException, err.Error())
		return
	}
	fhirutil.WriteResource(w, http.StatusOK, bundle)
}

func (c *Component) handleSupervisorDetails(w http.ResponseWriter, r *http.Request) {
	subject, ok := c.subjectParam(w, r)
	if !ok {
		return
	}
	bundle, err := c.resolver.AttributedBundle(r.Context(), subject)
	if err != nil {
		slog.ErrorContext(r.Context(), "Attributed practitioner resolution failed", logging.Subject(subject), logging.Error(err))
		fhirutil.WriteOperationOutcome(w, http.StatusInternalServerError, fhir.IssueTypeException, "failed to resolve attributed practitioners")
		return
	}
	fhirutil.WriteResource(w, http.StatusOK, bundle)
}

// subjectParam authenticates the caller and reads the keycloak-uuid query
// parameter. It writes the error response itself when either fails.
func (c *Component) subjectParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	if _, err := auth.PrincipalFromRequest(r); err != nil {
		fhirutil.WriteOperationOutcome(w, http.StatusUnauthorized, fhir.IssueTypeLogin, err.Error())
		return "", false
	}
	subject := r.URL.Query().Get("keycloak-uuid")
	if subject == "" {
		fhirutil.WriteOperationOutcome(w, http.StatusBadRequest, fhir.IssueTypeRequired, "keycloak-uuid parameter is required")
		return "", false
	}
	return subject, true
}
