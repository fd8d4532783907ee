package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/opensrp/fhir-gateway/lib/auth"
	"github.com/opensrp/fhir-gateway/lib/coding"
	"github.com/opensrp/fhir-gateway/lib/fhirutil"
	"github.com/opensrp/fhir-gateway/lib/logging"
	"github.com/opensrp/fhir-gateway/lib/to"
	"github.com/tidwall/gjson"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// gatewayDeviceID identifies this gateway as the recording device on audit
// events.
const gatewayDeviceID = "fhir-info-gateway"

// balpProfile selects the Basic Audit Log Patterns profile an event claims
// conformance to, which fixes its action code.
type balpProfile struct {
	name   string
	action fhir.AuditEventAction
}

func (p balpProfile) url() string {
	return coding.BasicAuditProfileBase + p.name
}

var (
	profileBasicQuery    = balpProfile{"Query", fhir.AuditEventActionE}
	profilePatientQuery  = balpProfile{"PatientQuery", fhir.AuditEventActionE}
	profileBasicRead     = balpProfile{"Read", fhir.AuditEventActionR}
	profilePatientRead   = balpProfile{"PatientRead", fhir.AuditEventActionR}
	profileBasicCreate   = balpProfile{"Create", fhir.AuditEventActionC}
	profilePatientCreate = balpProfile{"PatientCreate", fhir.AuditEventActionC}
	profileBasicUpdate   = balpProfile{"Update", fhir.AuditEventActionU}
	profilePatientUpdate = balpProfile{"PatientUpdate", fhir.AuditEventActionU}
	profileBasicDelete   = balpProfile{"Delete", fhir.AuditEventActionD}
	profilePatientDelete = balpProfile{"PatientDelete", fhir.AuditEventActionD}
)

// auditExchange carries everything known about one finished request.
type auditExchange struct {
	request *RequestDetails
	userWho *fhir.Reference
	// responseBody is set for create and update responses; owners of the
	// stored resource are read from it.
	responseBody []byte
	start        time.Time
	end          time.Time
}

// auditRecorder synthesizes BALP audit events for completed requests and
// stores them on the upstream server.
type auditRecorder struct {
	client         fhirclient.Client
	fhirServerBase string
	compartment    *compartmentIndex
}

// Record synthesizes and stores the audit events for one completed request.
// Failures are logged and swallowed; the response has already been served.
func (a *auditRecorder) Record(ctx context.Context, exchange auditExchange) {
	for _, event := range a.eventsFor(exchange) {
		var created fhir.AuditEvent
		if err := a.client.CreateWithContext(ctx, event, &created); err != nil {
			slog.ErrorContext(ctx, "Failed to store audit event", logging.Error(err))
		}
	}
}

// eventsFor maps an exchange to its audit events: one per compartment owner
// for searches and reads, a single event for writes.
func (a *auditRecorder) eventsFor(exchange auditExchange) []fhir.AuditEvent {
	request := exchange.request
	switch request.Operation {
	case OperationSearchType, OperationSearchSystem, OperationGetPage:
		owners := a.compartment.OwnersOfRequest(request)
		if len(owners) == 0 {
			return []fhir.AuditEvent{a.queryEvent(exchange, profileBasicQuery, "")}
		}
		events := make([]fhir.AuditEvent, 0, len(owners))
		for _, owner := range owners {
			events = append(events, a.queryEvent(exchange, profilePatientQuery, owner))
		}
		return events
	case OperationRead, OperationVread:
		owners := a.compartment.OwnersOfRequest(request)
		reference := request.ResourceType + "/" + request.ResourceID
		if len(owners) == 0 {
			return []fhir.AuditEvent{a.dataEvent(exchange, profileBasicRead, reference, nil)}
		}
		events := make([]fhir.AuditEvent, 0, len(owners))
		for _, owner := range owners {
			events = append(events, a.dataEvent(exchange, profilePatientRead, reference, []string{owner}))
		}
		return events
	case OperationCreate, OperationUpdate:
		resource := exchange.responseBody
		if len(resource) == 0 {
			// Upstream servers may omit the response body; the request
			// body names the same resource.
			resource = request.Body
		}
		owners := a.compartment.OwnersOfResource(resource)
		profile := profileBasicCreate
		if request.Operation == OperationUpdate {
			profile = profileBasicUpdate
		}
		if len(owners) > 0 {
			profile = profilePatientCreate
			if request.Operation == OperationUpdate {
				profile = profilePatientUpdate
			}
		}
		return []fhir.AuditEvent{a.dataEvent(exchange, profile, storedResourceReference(request, resource), owners)}
	case OperationDelete:
		pseudo := fmt.Sprintf(`{"resourceType":%q,"id":%q}`, request.ResourceType, request.ResourceID)
		owners := a.compartment.OwnersOfResource([]byte(pseudo))
		profile := profileBasicDelete
		if len(owners) > 0 {
			profile = profilePatientDelete
		}
		return []fhir.AuditEvent{a.dataEvent(exchange, profile, request.ResourceType+"/"+request.ResourceID, owners)}
	default:
		return nil
	}
}

// queryEvent is an audit event for a search, holding the executed query and
// at most one compartment owner.
func (a *auditRecorder) queryEvent(exchange auditExchange, profile balpProfile, owner string) fhir.AuditEvent {
	event := a.newEvent(exchange, profile)
	if owner != "" {
		event.Entity = append(event.Entity, patientEntity(owner, profile))
	}
	event.Entity = append(event.Entity, a.queryEntity(exchange.request), transactionEntity(exchange.request))
	return event
}

// dataEvent is an audit event for an instance interaction, holding the
// touched resource and its compartment owners.
func (a *auditRecorder) dataEvent(exchange auditExchange, profile balpProfile, reference string, owners []string) fhir.AuditEvent {
	event := a.newEvent(exchange, profile)
	for _, owner := range owners {
		event.Entity = append(event.Entity, patientEntity(owner, profile))
	}
	event.Entity = append(event.Entity, dataEntity(exchange.request, profile, reference), transactionEntity(exchange.request))
	return event
}

func (a *auditRecorder) newEvent(exchange auditExchange, profile balpProfile) fhir.AuditEvent {
	request := exchange.request
	subtype := request.Operation.Code()
	if request.Operation == OperationGetPage {
		// Paging continues the original search; consumers group page
		// fetches under the search interaction.
		subtype = OperationSearchType.Code()
	}
	return fhir.AuditEvent{
		Meta: &fhir.Meta{Profile: []string{profile.url()}},
		Text: &fhir.Narrative{
			Status: fhir.NarrativeStatusGenerated,
			Div:    `<div xmlns="http://www.w3.org/1999/xhtml">Audit Event</div>`,
		},
		Type: fhir.Coding{
			System:  to.Ptr(coding.AuditEventTypeSystem),
			Code:    to.Ptr("rest"),
			Display: to.Ptr("Restful Operation"),
		},
		Subtype: []fhir.Coding{{
			System:  to.Ptr(coding.RestfulInteractionSystem),
			Code:    to.Ptr(subtype),
			Display: to.Ptr(subtype),
		}},
		Action: to.Ptr(profile.action),
		Period: &fhir.Period{
			Start: to.Ptr(exchange.start.Format(time.RFC3339)),
			End:   to.Ptr(exchange.end.Format(time.RFC3339)),
		},
		Recorded: exchange.end.Format(time.RFC3339),
		Outcome:  to.Ptr(fhir.AuditEventOutcome0),
		Agent: []fhir.AuditEventAgent{
			a.clientAgent(request),
			a.serverAgent(),
			userAgent(exchange.userWho),
		},
		Source: fhir.AuditEventSource{
			Observer: fhir.Reference{Display: to.Ptr(a.fhirServerBase)},
		},
	}
}

// clientAgent describes the gateway as the source of the upstream request.
func (a *auditRecorder) clientAgent(request *RequestDetails) fhir.AuditEventAgent {
	return fhir.AuditEventAgent{
		Type: &fhir.CodeableConcept{Coding: []fhir.Coding{{
			System:  to.Ptr(coding.DICOMSystem),
			Code:    to.Ptr("110153"),
			Display: to.Ptr("Source Role ID"),
		}}},
		Who: &fhir.Reference{
			Type:    to.Ptr("Device"),
			Display: to.Ptr(request.RemoteAddr),
			Identifier: &fhir.Identifier{
				System: to.Ptr(coding.DeviceIdentifierSystem),
				Value:  to.Ptr(gatewayDeviceID),
			},
		},
		Requestor: false,
		Network: &fhir.AuditEventAgentNetwork{
			Address: to.Ptr(request.RemoteAddr),
			Type:    to.Ptr(fhir.AuditEventAgentNetworkType2),
		},
	}
}

// serverAgent describes the upstream FHIR server as the destination.
func (a *auditRecorder) serverAgent() fhir.AuditEventAgent {
	return fhir.AuditEventAgent{
		Type: &fhir.CodeableConcept{Coding: []fhir.Coding{{
			System:  to.Ptr(coding.DICOMSystem),
			Code:    to.Ptr("110152"),
			Display: to.Ptr("Destination Role ID"),
		}}},
		Who:       &fhir.Reference{Display: to.Ptr(a.fhirServerBase)},
		Requestor: false,
		Network:   &fhir.AuditEventAgentNetwork{Address: to.Ptr(a.fhirServerBase)},
	}
}

// userAgent describes the authenticated caller the data was disclosed to.
func userAgent(who *fhir.Reference) fhir.AuditEventAgent {
	return fhir.AuditEventAgent{
		Type: &fhir.CodeableConcept{Coding: []fhir.Coding{{
			System:  to.Ptr(coding.ParticipationTypeSystem),
			Code:    to.Ptr("IRCP"),
			Display: to.Ptr("information recipient"),
		}}},
		Who:       who,
		Requestor: true,
	}
}

// userReference identifies the authenticated caller on audit events.
func userReference(principal auth.Principal) *fhir.Reference {
	return &fhir.Reference{
		Type:    to.Ptr("Practitioner"),
		Display: to.Ptr(principal.Name),
		Identifier: &fhir.Identifier{
			System: to.Ptr(coding.PractitionerIdentifierSystem),
			Value:  to.Ptr(principal.PreferredUsername),
		},
	}
}

func patientEntity(owner string, profile balpProfile) fhir.AuditEventEntity {
	what := &fhir.Reference{Reference: to.Ptr(owner)}
	if profile.action == fhir.AuditEventActionD {
		what = deletedResourceReference("Patient", fhirutil.ReferenceID(owner))
	}
	return fhir.AuditEventEntity{
		What: what,
		Type: &fhir.Coding{
			System:  to.Ptr(coding.AuditEntityTypeSystem),
			Code:    to.Ptr("1"),
			Display: to.Ptr("Person"),
		},
		Role: &fhir.Coding{
			System:  to.Ptr(coding.ObjectRoleSystem),
			Code:    to.Ptr("1"),
			Display: to.Ptr("Patient"),
		},
	}
}

func dataEntity(request *RequestDetails, profile balpProfile, reference string) fhir.AuditEventEntity {
	what := &fhir.Reference{Reference: to.Ptr(reference)}
	if profile.action == fhir.AuditEventActionD {
		what = deletedResourceReference(request.ResourceType, request.ResourceID)
	}
	return fhir.AuditEventEntity{
		What: what,
		Type: &fhir.Coding{
			System:  to.Ptr(coding.AuditEntityTypeSystem),
			Code:    to.Ptr("2"),
			Display: to.Ptr("System Object"),
		},
		Role: &fhir.Coding{
			System:  to.Ptr(coding.ObjectRoleSystem),
			Code:    to.Ptr("4"),
			Display: to.Ptr("Domain Resource"),
		},
	}
}

// queryEntity holds the query that was executed, after scope narrowing, with
// the raw query preserved base64-encoded.
func (a *auditRecorder) queryEntity(request *RequestDetails) fhir.AuditEventEntity {
	query := a.fhirServerBase + "/" + request.Path
	if encoded := request.Params.Encode(); encoded != "" {
		query += "?" + encoded
	}
	return fhir.AuditEventEntity{
		Type: &fhir.Coding{
			System:  to.Ptr(coding.AuditEntityTypeSystem),
			Code:    to.Ptr("2"),
			Display: to.Ptr("System Object"),
		},
		Role: &fhir.Coding{
			System:  to.Ptr(coding.ObjectRoleSystem),
			Code:    to.Ptr("24"),
			Display: to.Ptr("Query"),
		},
		Description: to.Ptr(request.Method + " " + request.CompleteURL),
		Query:       to.Ptr(base64.StdEncoding.EncodeToString([]byte(query))),
	}
}

// transactionEntity carries the request correlation id so audit events can
// be joined with gateway and upstream logs.
func transactionEntity(request *RequestDetails) fhir.AuditEventEntity {
	return fhir.AuditEventEntity{
		What: &fhir.Reference{Identifier: &fhir.Identifier{Value: to.Ptr(request.RequestID)}},
		Type: &fhir.Coding{
			System: to.Ptr(coding.BasicAuditEntityTypeSystem),
			Code:   to.Ptr("XrequestId"),
		},
	}
}

// deletedResourceReference marks a removed resource on its audit entity; the
// resource itself is gone, so the reference carries type, display and a
// deletion identifier instead of a literal reference.
func deletedResourceReference(resourceType string, id string) *fhir.Reference {
	return &fhir.Reference{
		Type:    to.Ptr(resourceType),
		Display: to.Ptr("DELETED " + resourceType + "/" + id),
		Identifier: &fhir.Identifier{
			System: to.Ptr(coding.DeletedResourceIdentifierSystem),
			Value:  to.Ptr(id),
		},
	}
}

// storedResourceReference names the stored resource, preferring the request
// id and falling back to the id the server assigned in the response.
func storedResourceReference(request *RequestDetails, resource []byte) string {
	if request.ResourceID != "" {
		return request.ResourceType + "/" + request.ResourceID
	}
	resourceType := gjson.GetBytes(resource, "resourceType").String()
	id := gjson.GetBytes(resource, "id").String()
	if resourceType == "" || id == "" {
		return request.ResourceType
	}
	return resourceType + "/" + id
}
