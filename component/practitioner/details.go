package practitioner

import (
	"encoding/json"

	"github.com/opensrp/fhir-gateway/lib/fhirutil"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// NotFoundID is the sentinel practitioner id returned when the token subject
// has no matching Practitioner on the FHIR server. Callers treat it as an
// empty assignment graph, not as an error.
const NotFoundID = "PRACTITIONER_NOT_FOUND"

// Details is the aggregate assignment graph of one practitioner, served as a
// custom PractitionerDetail resource.
type Details struct {
	Id   *string     `json:"id,omitempty"`
	Fhir DetailsData `json:"fhir"`
}

// DetailsData holds the resolved resources. The JSON field names follow the
// wire contract of the mobile clients: "teams" carries Organization resources
// and "careteams" is all lowercase.
type DetailsData struct {
	Id                       *string                        `json:"id,omitempty"`
	Practitioners            []fhir.Practitioner            `json:"practitioners,omitempty"`
	CareTeams                []fhir.CareTeam                `json:"careteams,omitempty"`
	Organizations            []fhir.Organization            `json:"teams,omitempty"`
	PractitionerRoles        []fhir.PractitionerRole        `json:"practitionerRoles,omitempty"`
	Groups                   []fhir.Group                   `json:"groups,omitempty"`
	OrganizationAffiliations []fhir.OrganizationAffiliation `json:"organizationAffiliations,omitempty"`
	Locations                []fhir.Location                `json:"locations,omitempty"`
	LocationHierarchies      []LocationHierarchy            `json:"locationHierarchyList,omitempty"`
}

type OtherDetails Details

func (d Details) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		OtherDetails
		ResourceType string `json:"resourceType"`
	}{
		OtherDetails: OtherDetails(d),
		ResourceType: "PractitionerDetail",
	})
}

// NotFound returns the sentinel details for an unknown subject.
func NotFound() Details {
	id := NotFoundID
	return Details{Id: &id}
}

// CareTeamIDs returns the resource ids of the resolved care teams.
func (d Details) CareTeamIDs() []string {
	var ids []string
	for _, careTeam := range d.Fhir.CareTeams {
		if careTeam.Id != nil {
			ids = append(ids, *careTeam.Id)
		}
	}
	return ids
}

// OrganizationIDs returns the resource ids of the resolved organizations.
func (d Details) OrganizationIDs() []string {
	var ids []string
	for _, organization := range d.Fhir.Organizations {
		if organization.Id != nil {
			ids = append(ids, *organization.Id)
		}
	}
	return ids
}

// AttributedLocationIDs flattens the location hierarchies into the ids of all
// descendant locations.
func (d Details) AttributedLocationIDs() []string {
	return attributedLocationIDs(d.Fhir.LocationHierarchies)
}

// LocationHierarchy is the custom resource served by the upstream FHIR server
// describing a location and its descendants.
type LocationHierarchy struct {
	Id   *string                `json:"id,omitempty"`
	Tree *LocationHierarchyTree `json:"LocationHierarchyTree,omitempty"`
}

type OtherLocationHierarchy LocationHierarchy

func (h LocationHierarchy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		OtherLocationHierarchy
		ResourceType string `json:"resourceType"`
	}{
		OtherLocationHierarchy: OtherLocationHierarchy(h),
		ResourceType:           "LocationHierarchy",
	})
}

type LocationHierarchyTree struct {
	LocationsHierarchy *LocationTree `json:"locationsHierarchy,omitempty"`
}

type LocationTree struct {
	ParentChildren []ParentChildren `json:"parentChildren,omitempty"`
}

// ParentChildren maps one location to its direct child location references.
type ParentChildren struct {
	Identifier       *string  `json:"identifier,omitempty"`
	ChildIdentifiers []string `json:"childIdentifiers,omitempty"`
}

func attributedLocationIDs(hierarchies []LocationHierarchy) []string {
	var ids []string
	for _, hierarchy := range hierarchies {
		if hierarchy.Tree == nil || hierarchy.Tree.LocationsHierarchy == nil {
			continue
		}
		for _, parentChildren := range hierarchy.Tree.LocationsHierarchy.ParentChildren {
			for _, child := range parentChildren.ChildIdentifiers {
				ids = append(ids, fhirutil.ReferenceID(child))
			}
		}
	}
	return ids
}
