// Package fhirutil contains small helpers shared by components that read and
// write FHIR resources.
package fhirutil

import (
	"encoding/json"
	"net/http"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/opensrp/fhir-gateway/lib/to"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/caramel"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const JSONContentType = "application/fhir+json"

// ClientConfig returns the FHIR client configuration shared by all components.
func ClientConfig() *fhirclient.Config {
	return &fhirclient.Config{
		UsePostSearch: false,
	}
}

// ResourceType reads the resourceType field from a raw JSON resource.
// It returns the empty string when the field is absent.
func ResourceType(raw json.RawMessage) string {
	return gjson.GetBytes(raw, "resourceType").String()
}

// ResourceID reads the id field from a raw JSON resource.
func ResourceID(raw json.RawMessage) string {
	return gjson.GetBytes(raw, "id").String()
}

// ReferenceID returns the part of a literal reference after the first slash,
// so "Organization/123" yields "123". References without a slash are returned
// unchanged.
func ReferenceID(reference string) string {
	if idx := strings.Index(reference, "/"); idx >= 0 {
		return reference[idx+1:]
	}
	return reference
}

// EntriesOf unmarshals the entries of a search result into typed resources,
// skipping entries of other resource types (e.g. _include results).
func EntriesOf[T any](bundle *fhir.Bundle) ([]T, error) {
	var prototype T
	resourceType := caramel.ResourceType(prototype)

	var result []T
	for i, entry := range bundle.Entry {
		if len(entry.Resource) == 0 || ResourceType(entry.Resource) != resourceType {
			continue
		}
		var item T
		if err := json.Unmarshal(entry.Resource, &item); err != nil {
			return nil, errors.Wrapf(err, "unmarshal of entry %d for resource type %s failed", i, resourceType)
		}
		result = append(result, item)
	}
	return result, nil
}

// SearchsetBundle packs the given resources into a searchset Bundle with the
// total set to the number of entries.
func SearchsetBundle(resources ...any) (fhir.Bundle, error) {
	bundle := fhir.Bundle{
		Type:  fhir.BundleTypeSearchset,
		Total: to.Ptr(len(resources)),
	}
	for _, resource := range resources {
		raw, err := json.Marshal(resource)
		if err != nil {
			return fhir.Bundle{}, errors.Wrap(err, "marshal searchset entry")
		}
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{Resource: raw})
	}
	return bundle, nil
}

// WriteResource writes a FHIR resource as a JSON response.
func WriteResource(w http.ResponseWriter, status int, resource any) {
	w.Header().Set("Content-Type", JSONContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resource)
}

// WriteOperationOutcome writes an error response as a FHIR OperationOutcome.
func WriteOperationOutcome(w http.ResponseWriter, status int, issueType fhir.IssueType, diagnostics string) {
	outcome := fhir.OperationOutcome{
		Issue: []fhir.OperationOutcomeIssue{
			{
				Severity:    fhir.IssueSeverityError,
				Code:        issueType,
				Diagnostics: to.Ptr(diagnostics),
			},
		},
	}
	WriteResource(w, status, outcome)
}
