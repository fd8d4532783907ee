package gateway

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OperationType is the RESTful interaction class of a request, derived from
// its method and URL shape the same way the upstream server routes it.
type OperationType int

const (
	OperationUnknown OperationType = iota
	OperationRead
	OperationVread
	OperationSearchType
	OperationSearchSystem
	OperationGetPage
	OperationCreate
	OperationUpdate
	OperationDelete
	OperationTransaction
)

// Code returns the restful-interaction code of the operation.
func (o OperationType) Code() string {
	switch o {
	case OperationRead:
		return "read"
	case OperationVread:
		return "vread"
	case OperationSearchType:
		return "search-type"
	case OperationSearchSystem:
		return "search-system"
	case OperationGetPage:
		return "get-page"
	case OperationCreate:
		return "create"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	case OperationTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

func (o OperationType) String() string {
	return o.Code()
}

// RequestDetails is the parsed form of an inbound request: the request line
// broken into FHIR terms, the buffered body, and a mutable copy of the query
// parameters that access decisions rewrite before the request is forwarded.
type RequestDetails struct {
	Method string
	// ResourceType is empty for requests on the server root.
	ResourceType string
	ResourceID   string
	VersionID    string
	// Path is the request path relative to the gateway root, without
	// leading or trailing slashes.
	Path string
	// Params is the query the upstream request is built from.
	Params url.Values
	Header http.Header
	// Body is forwarded verbatim to the upstream server.
	Body []byte
	// CompleteURL is the URL as received, before any rewrite.
	CompleteURL string
	// RequestID correlates gateway logs and audit events with the upstream
	// exchange. Taken from X-Request-Id, generated when absent.
	RequestID  string
	RemoteAddr string
	Operation  OperationType
}

// ParseRequest buffers the body and classifies the interaction. It does not
// reject: requests that fit no known interaction shape classify as
// OperationUnknown and are denied by the access checker instead.
func ParseRequest(r *http.Request) (*RequestDetails, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	details := &RequestDetails{
		Method:      r.Method,
		Path:        strings.Trim(r.URL.Path, "/"),
		Params:      cloneValues(r.URL.Query()),
		Header:      r.Header.Clone(),
		Body:        body,
		CompleteURL: completeURL(r),
		RequestID:   r.Header.Get("X-Request-Id"),
		RemoteAddr:  remoteHost(r),
	}
	if details.RequestID == "" {
		details.RequestID = uuid.NewString()
	}
	if details.Path != "" {
		segments := strings.Split(details.Path, "/")
		details.ResourceType = segments[0]
		if len(segments) > 1 {
			details.ResourceID = segments[1]
		}
		if len(segments) > 3 && segments[2] == "_history" {
			details.VersionID = segments[3]
		}
	}
	details.Operation = classify(details)
	return details, nil
}

func classify(details *RequestDetails) OperationType {
	// $-operations are forwarded on role grounds only; they carry no
	// interaction class the audit synthesizer handles.
	if strings.HasPrefix(details.ResourceType, "$") || strings.HasPrefix(details.ResourceID, "$") {
		return OperationUnknown
	}
	switch details.Method {
	case http.MethodGet:
		if details.Params.Has("_getpages") {
			return OperationGetPage
		}
		if details.ResourceType == "" {
			return OperationSearchSystem
		}
		if details.ResourceID == "" {
			return OperationSearchType
		}
		if details.VersionID != "" {
			return OperationVread
		}
		return OperationRead
	case http.MethodPost:
		if details.ResourceType == "" {
			return OperationTransaction
		}
		if details.ResourceID == "" {
			return OperationCreate
		}
	case http.MethodPut:
		if details.ResourceType != "" && details.ResourceID != "" {
			return OperationUpdate
		}
	case http.MethodDelete:
		if details.ResourceType != "" && details.ResourceID != "" {
			return OperationDelete
		}
	}
	return OperationUnknown
}

func completeURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func cloneValues(values url.Values) url.Values {
	clone := make(url.Values, len(values))
	for name, list := range values {
		clone[name] = slices.Clone(list)
	}
	return clone
}
