// Package gateway implements the authorizing FHIR proxy: it authenticates
// callers, enforces role and sync-scope policy, forwards permitted requests
// to the upstream FHIR server and records BALP audit events for what
// happened.
package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/opensrp/fhir-gateway/component"
	"github.com/opensrp/fhir-gateway/lib/auth"
	"github.com/opensrp/fhir-gateway/lib/fhirutil"
	"github.com/opensrp/fhir-gateway/lib/logging"
	"github.com/pkg/errors"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

type Config struct {
	Upstream UpstreamConfig `koanf:"upstream"`
	// DevMode relaxes bundle role enforcement to log-only. Never enable in
	// production.
	DevMode bool `koanf:"devmode"`
	// TagSystemPrefix renders sync tag filters in system|code form instead
	// of bare codes.
	TagSystemPrefix bool        `koanf:"tagsystemprefix"`
	Audit           AuditConfig `koanf:"audit"`
}

type AuditConfig struct {
	// Disabled turns off audit event synthesis.
	Disabled bool `koanf:"disabled"`
	// ExtraCompartmentParams adds operator-defined compartment search
	// parameters per resource type when deriving patient owners.
	ExtraCompartmentParams map[string][]string `koanf:"extracompartmentparams"`
}

func DefaultConfig() Config {
	return Config{}
}

var _ component.Lifecycle = (*Component)(nil)

type Component struct {
	config       Config
	fhirBaseURL  *url.URL
	httpClient   *http.Client
	details      DetailsSource
	fhirClientFn func(baseURL *url.URL) fhirclient.Client

	compartment *compartmentIndex
	factory     *permissionCheckerFactory
	audit       *auditRecorder
	proxy       *httputil.ReverseProxy
}

// New creates the component. The HTTP client is the pooled upstream client
// from NewUpstreamClient; the details source is the practitioner component.
func New(config Config, fhirBaseURL *url.URL, httpClient *http.Client, details DetailsSource) *Component {
	return &Component{
		config:      config,
		fhirBaseURL: fhirBaseURL,
		httpClient:  httpClient,
		details:     details,
		fhirClientFn: func(baseURL *url.URL) fhirclient.Client {
			return fhirclient.New(baseURL, httpClient, fhirutil.ClientConfig())
		},
	}
}

func (c *Component) RegisterHttpHandlers(publicMux *http.ServeMux, internalMux *http.ServeMux) {
	publicMux.HandleFunc("GET /metadata", c.handleMetadata)
	publicMux.HandleFunc("/", c.handleProxy)
}

func (c *Component) Start() error {
	if c.fhirBaseURL == nil || c.fhirBaseURL.Host == "" {
		return errors.New("upstream FHIR base URL is not configured")
	}
	client := c.fhirClientFn(c.fhirBaseURL)
	c.compartment = newCompartmentIndex(c.config.Audit.ExtraCompartmentParams)
	c.factory = &permissionCheckerFactory{
		details:         c.details,
		strategies:      newStrategyResolver(client),
		devMode:         c.config.DevMode,
		tagSystemPrefix: c.config.TagSystemPrefix,
	}
	if !c.config.Audit.Disabled {
		c.audit = &auditRecorder{
			client:         client,
			fhirServerBase: strings.TrimSuffix(c.fhirBaseURL.String(), "/"),
			compartment:    c.compartment,
		}
	}
	c.proxy = c.newProxy()
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// handleProxy runs the full pipeline: authenticate, check access, rewrite,
// forward, audit.
func (c *Component) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	principal, err := auth.PrincipalFromRequest(r)
	if err != nil {
		fhirutil.WriteOperationOutcome(w, http.StatusUnauthorized, fhir.IssueTypeLogin, err.Error())
		return
	}
	details, err := ParseRequest(r)
	if err != nil {
		fhirutil.WriteOperationOutcome(w, http.StatusBadRequest, fhir.IssueTypeInvalid, err.Error())
		return
	}
	checker, err := c.factory.CheckerFor(r.Context(), principal)
	if err != nil {
		c.writeCheckerError(w, r, err)
		return
	}
	decision, err := checker.CheckAccess(r.Context(), details)
	if err != nil {
		slog.ErrorContext(r.Context(), "Access check failed", logging.Error(err))
		fhirutil.WriteOperationOutcome(w, http.StatusInternalServerError, fhir.IssueTypeException, "access check failed")
		return
	}
	if !decision.Granted {
		slog.InfoContext(r.Context(), "Access denied",
			slog.String("method", details.Method),
			slog.String("path", details.Path),
			logging.Subject(principal.Subject))
		fhirutil.WriteOperationOutcome(w, http.StatusForbidden, fhir.IssueTypeForbidden, "user is not authorized to perform this operation")
		return
	}
	decision.Mutation.Apply(details)

	state := c.forward(w, r, details, decision.PostProcess)

	slog.InfoContext(r.Context(), "Proxied FHIR request",
		slog.String("method", details.Method),
		slog.String("path", details.Path),
		slog.String("operation", details.Operation.Code()),
		slog.Int("status", state.status),
		slog.Duration("duration", time.Since(start)),
		logging.Subject(principal.Subject))

	if c.audit != nil && state.status >= http.StatusOK && state.status < http.StatusMultipleChoices {
		c.audit.Record(context.WithoutCancel(r.Context()), auditExchange{
			request:      details,
			userWho:      userReference(principal),
			responseBody: state.response,
			start:        start,
			end:          time.Now(),
		})
	}
}

// handleMetadata forwards the capability statement without authentication;
// clients read it to discover the authorization endpoints before they have
// a token.
func (c *Component) handleMetadata(w http.ResponseWriter, r *http.Request) {
	details, err := ParseRequest(r)
	if err != nil {
		fhirutil.WriteOperationOutcome(w, http.StatusBadRequest, fhir.IssueTypeInvalid, err.Error())
		return
	}
	c.forward(w, r, details, nil)
}

func (c *Component) writeCheckerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errMissingAppID) {
		fhirutil.WriteOperationOutcome(w, http.StatusUnauthorized, fhir.IssueTypeLogin, err.Error())
		return
	}
	slog.ErrorContext(r.Context(), "Failed to prepare access checker", logging.Error(err))
	fhirutil.WriteOperationOutcome(w, http.StatusInternalServerError, fhir.IssueTypeProcessing, err.Error())
}

// proxyState is the per-request exchange record shared with the reverse
// proxy callbacks through the request context.
type proxyState struct {
	details     *RequestDetails
	capture     bool
	postProcess PostProcessor

	status   int
	response []byte
}

type proxyStateKey struct{}

// forward sends the request upstream and reports how the exchange went.
func (c *Component) forward(w http.ResponseWriter, r *http.Request, details *RequestDetails, postProcess PostProcessor) *proxyState {
	state := &proxyState{
		details:     details,
		capture:     c.audit != nil && (details.Operation == OperationCreate || details.Operation == OperationUpdate),
		postProcess: postProcess,
	}
	r = r.WithContext(context.WithValue(r.Context(), proxyStateKey{}, state))
	// ParseRequest consumed the body; replay the buffered copy.
	r.Body = io.NopCloser(bytes.NewReader(details.Body))
	r.ContentLength = int64(len(details.Body))
	c.proxy.ServeHTTP(w, r)
	return state
}

func (c *Component) newProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: c.httpClient.Transport,
		Rewrite: func(proxy *httputil.ProxyRequest) {
			state := proxy.In.Context().Value(proxyStateKey{}).(*proxyState)
			proxy.Out.URL.Scheme = c.fhirBaseURL.Scheme
			proxy.Out.URL.Host = c.fhirBaseURL.Host
			proxy.Out.URL.Path = strings.TrimSuffix(c.fhirBaseURL.Path, "/") + "/" + state.details.Path
			proxy.Out.URL.RawPath = ""
			proxy.Out.URL.RawQuery = state.details.Params.Encode()
			proxy.Out.Host = ""
			// The caller's token never goes upstream; the transport adds
			// the gateway's own credentials when configured.
			proxy.Out.Header.Del("Authorization")
			proxy.Out.Header.Set("X-Request-Id", state.details.RequestID)
			proxy.SetXForwarded()
		},
		ModifyResponse: captureResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if state, ok := r.Context().Value(proxyStateKey{}).(*proxyState); ok {
				state.status = http.StatusBadGateway
			}
			slog.ErrorContext(r.Context(), "Upstream request failed", logging.Error(err))
			fhirutil.WriteOperationOutcome(w, http.StatusBadGateway, fhir.IssueTypeTransient, "upstream FHIR server unreachable")
		},
	}
}

// captureResponse records the upstream status, runs the decision's
// post-processor on successful responses, and buffers the body of create and
// update responses for the audit synthesizer.
func captureResponse(response *http.Response) error {
	state, ok := response.Request.Context().Value(proxyStateKey{}).(*proxyState)
	if !ok {
		return nil
	}
	state.status = response.StatusCode
	succeeded := response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices
	if succeeded && state.postProcess != nil {
		replacement, err := state.postProcess(response.Request.Context(), state.details, response)
		if err != nil {
			return errors.Wrap(err, "post-process upstream response")
		}
		if replacement != nil {
			_ = response.Body.Close()
			response.Body = io.NopCloser(bytes.NewReader(replacement))
			response.ContentLength = int64(len(replacement))
			response.Header.Set("Content-Length", strconv.Itoa(len(replacement)))
		}
	}
	if !state.capture {
		return nil
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.Wrap(err, "read upstream response")
	}
	_ = response.Body.Close()
	response.Body = io.NopCloser(bytes.NewReader(body))
	state.response = body
	return nil
}
