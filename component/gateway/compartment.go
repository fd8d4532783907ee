package gateway

import (
	"strings"

	"github.com/tidwall/gjson"
)

// patientCompartmentParams lists, per resource type, the search parameters
// that tie the type into the Patient compartment (FHIR R4
// CompartmentDefinition for Patient, restricted to the types the deployed
// data pipeline writes).
var patientCompartmentParams = map[string][]string{
	"Account":                  {"subject"},
	"AllergyIntolerance":       {"patient", "recorder", "asserter"},
	"Appointment":              {"actor"},
	"AuditEvent":               {"patient"},
	"CarePlan":                 {"patient", "performer"},
	"CareTeam":                 {"patient", "participant"},
	"Claim":                    {"patient", "payee"},
	"ClinicalImpression":       {"subject"},
	"Communication":            {"subject", "sender", "recipient"},
	"Condition":                {"patient", "asserter"},
	"Consent":                  {"patient"},
	"Coverage":                 {"patient", "subscriber", "beneficiary", "payor"},
	"DetectedIssue":            {"patient"},
	"DeviceRequest":            {"subject", "performer"},
	"DiagnosticReport":         {"subject"},
	"DocumentReference":        {"subject", "author"},
	"Encounter":                {"patient"},
	"EpisodeOfCare":            {"patient"},
	"ExplanationOfBenefit":     {"patient", "payee"},
	"FamilyMemberHistory":      {"patient"},
	"Goal":                     {"patient"},
	"ImagingStudy":             {"patient"},
	"Immunization":             {"patient"},
	"List":                     {"subject", "source"},
	"MedicationAdministration": {"patient", "performer", "subject"},
	"MedicationDispense":       {"subject", "patient", "receiver"},
	"MedicationRequest":        {"subject"},
	"MedicationStatement":      {"subject"},
	"NutritionOrder":           {"patient"},
	"Observation":              {"subject", "performer"},
	"Procedure":                {"patient", "performer"},
	"Provenance":               {"patient"},
	"QuestionnaireResponse":    {"subject", "author"},
	"RelatedPerson":            {"patient"},
	"RiskAssessment":           {"subject"},
	"Schedule":                 {"actor"},
	"ServiceRequest":           {"subject", "performer"},
	"Specimen":                 {"subject"},
}

// searchParamFields maps a compartment search parameter to the resource
// fields it is evaluated against, where the two differ. The patient search
// parameter reaches the subject field on most clinical types and the
// beneficiary field on Coverage.
var searchParamFields = map[string][]string{
	"patient": {"patient", "subject", "beneficiary"},
}

// compartmentIndex answers which Patient references tie a resource or a
// search request into the Patient compartment.
type compartmentIndex struct {
	params map[string][]string
	fields map[string]map[string]bool
}

// newCompartmentIndex builds the index from the built-in compartment
// definition plus operator-supplied extra parameters per resource type.
func newCompartmentIndex(extraParams map[string][]string) *compartmentIndex {
	index := &compartmentIndex{
		params: make(map[string][]string, len(patientCompartmentParams)),
		fields: make(map[string]map[string]bool, len(patientCompartmentParams)),
	}
	for resourceType, params := range patientCompartmentParams {
		index.params[resourceType] = slicesConcatUnique(params, extraParams[resourceType])
	}
	for resourceType, params := range extraParams {
		if _, ok := index.params[resourceType]; !ok {
			index.params[resourceType] = slicesConcatUnique(params, nil)
		}
	}
	for resourceType, params := range index.params {
		fields := make(map[string]bool, len(params))
		for _, param := range params {
			aliases, ok := searchParamFields[param]
			if !ok {
				aliases = []string{param}
			}
			for _, alias := range aliases {
				fields[alias] = true
			}
		}
		index.fields[resourceType] = fields
	}
	return index
}

// OwnersOfResource returns the Patient references a stored resource links to
// through its compartment parameters, in Patient/<id> form. A Patient
// resource is its own owner.
func (x *compartmentIndex) OwnersOfResource(resource []byte) []string {
	parsed := gjson.ParseBytes(resource)
	resourceType := parsed.Get("resourceType").String()
	if resourceType == "Patient" {
		if id := parsed.Get("id").String(); id != "" {
			return []string{"Patient/" + id}
		}
		return nil
	}
	fields := x.fields[resourceType]
	if len(fields) == 0 {
		return nil
	}
	var owners []string
	collectPatientRefs(parsed, false, fields, &owners)
	return dedupe(owners)
}

// collectPatientRefs walks the resource tree and collects reference values
// found inside the subtrees rooted at compartment fields.
func collectPatientRefs(value gjson.Result, inScope bool, fields map[string]bool, owners *[]string) {
	switch {
	case value.IsObject():
		value.ForEach(func(key, child gjson.Result) bool {
			name := key.String()
			if inScope && name == "reference" && child.Type == gjson.String {
				if owner, ok := patientRef(child.String()); ok {
					*owners = append(*owners, owner)
				}
			}
			collectPatientRefs(child, inScope || fields[name], fields, owners)
			return true
		})
	case value.IsArray():
		value.ForEach(func(_, child gjson.Result) bool {
			collectPatientRefs(child, inScope, fields, owners)
			return true
		})
	}
}

// OwnersOfRequest derives compartment owners from the request URL alone: the
// instance id of Patient reads, the _id values of Patient searches, and
// Patient references in compartment search parameters elsewhere.
func (x *compartmentIndex) OwnersOfRequest(request *RequestDetails) []string {
	var owners []string
	if request.ResourceType == "Patient" {
		if request.ResourceID != "" {
			owners = append(owners, "Patient/"+request.ResourceID)
		}
		for _, raw := range request.Params["_id"] {
			for _, id := range strings.Split(raw, ",") {
				if id != "" {
					owners = append(owners, "Patient/"+id)
				}
			}
		}
		return dedupe(owners)
	}
	for _, param := range x.params[request.ResourceType] {
		for _, raw := range request.Params[param] {
			for _, value := range strings.Split(raw, ",") {
				if owner, ok := patientRef(value); ok {
					owners = append(owners, owner)
					continue
				}
				// Bare ids are only unambiguous on parameters whose sole
				// target type is Patient.
				if value != "" && !strings.Contains(value, "/") && (param == "patient" || param == "subject") {
					owners = append(owners, "Patient/"+value)
				}
			}
		}
	}
	return dedupe(owners)
}

// patientRef normalizes a literal reference to its Patient/<id> form,
// accepting absolute URLs and stripping version suffixes.
func patientRef(reference string) (string, bool) {
	rest := ""
	switch {
	case strings.HasPrefix(reference, "Patient/"):
		rest = reference
	default:
		idx := strings.Index(reference, "/Patient/")
		if idx < 0 {
			return "", false
		}
		rest = reference[idx+1:]
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var result []string
	for _, value := range values {
		if !seen[value] {
			seen[value] = true
			result = append(result, value)
		}
	}
	return result
}

func slicesConcatUnique(first []string, second []string) []string {
	return dedupe(append(append([]string{}, first...), second...))
}
