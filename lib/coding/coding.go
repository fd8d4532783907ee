// Package coding holds the code systems and fixed codes used by the gateway:
// the SmartRegister sync tag systems, the SNOMED code marking practitioner
// groups, and the terminology used when synthesizing audit events.
package coding

const (
	// Sync tag systems stamped on resources by the data pipeline. Search
	// narrowing matches on these systems.
	LocationTagSystem     = "https://smartregister.org/location-tag-id"
	OrganisationTagSystem = "https://smartregister.org/organisation-tag-id"
	CareTeamTagSystem     = "https://smartregister.org/care-team-tag-id"

	SNOMEDSystem = "http://snomed.info/sct"
	// PractitionerGroupCode marks Group resources that assign patients to a practitioner.
	PractitionerGroupCode = "405623001"

	PractitionerIdentifierSystem    = "http://fhir-info-gateway/practitioners"
	DeviceIdentifierSystem          = "http://fhir-info-gateway/devices"
	DeletedResourceIdentifierSystem = "http://fhir-info-gateway/DELETE"

	AuditEventTypeSystem       = "http://terminology.hl7.org/CodeSystem/audit-event-type"
	RestfulInteractionSystem   = "http://hl7.org/fhir/restful-interaction"
	DICOMSystem                = "http://dicom.nema.org/resources/ontology/DCM"
	ParticipationTypeSystem    = "http://terminology.hl7.org/CodeSystem/v3-ParticipationType"
	AuditEntityTypeSystem      = "http://terminology.hl7.org/CodeSystem/audit-entity-type"
	ObjectRoleSystem           = "http://terminology.hl7.org/CodeSystem/object-role"
	BasicAuditEntityTypeSystem = "https://profiles.ihe.net/ITI/BALP/CodeSystem/BasicAuditEntityType"

	// BasicAuditProfileBase prefixes the meta.profile of synthesized audit
	// events, completed with the profile name matching the operation.
	BasicAuditProfileBase = "https://profiles.ihe.net/ITI/BALP/StructureDefinition/IHE.BasicAudit."
)

// Token renders a FHIR token search parameter value in system|code form.
func Token(system string, code string) string {
	return system + "|" + code
}
