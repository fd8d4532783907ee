package practitioner

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/opensrp/fhir-gateway/lib/coding"
	"github.com/opensrp/fhir-gateway/lib/fhirutil"
	"github.com/opensrp/fhir-gateway/lib/logging"
	"github.com/opensrp/fhir-gateway/lib/to"
	"github.com/pkg/errors"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Resolver walks the assignment graph on the FHIR server: practitioner to
// care teams and roles, their organizations, affiliated locations and the
// location hierarchies below them.
type Resolver struct {
	client fhirclient.Client
}

func NewResolver(client fhirclient.Client) *Resolver {
	return &Resolver{client: client}
}

// DetailsBySubject resolves the full assignment graph for a token subject.
// An unknown subject yields the sentinel details, not an error.
func (r *Resolver) DetailsBySubject(ctx context.Context, subject string) (Details, error) {
	slog.DebugContext(ctx, "Resolving practitioner details", logging.Subject(subject))
	practitioner, err := r.practitionerByIdentifier(ctx, subject)
	if err != nil {
		return Details{}, err
	}
	if practitioner == nil {
		slog.WarnContext(ctx, "No practitioner found for token subject", logging.Subject(subject))
		return NotFound(), nil
	}
	return r.detailsOf(ctx, *practitioner)
}

// AttributedBundle resolves the supervisor view for a token subject: the
// details of every practitioner participating in a care team attributed to
// the subject's location hierarchy, packed into a searchset bundle.
func (r *Resolver) AttributedBundle(ctx context.Context, subject string) (fhir.Bundle, error) {
	practitioner, err := r.practitionerByIdentifier(ctx, subject)
	if err != nil {
		return fhir.Bundle{}, err
	}
	if practitioner == nil {
		slog.WarnContext(ctx, "No practitioner found for token subject", logging.Subject(subject))
		return fhir.Bundle{Type: fhir.BundleTypeSearchset, Total: to.Ptr(0)}, nil
	}
	return r.attributedBundleOf(ctx, *practitioner)
}

func (r *Resolver) practitionerByIdentifier(ctx context.Context, identifier string) (*fhir.Practitioner, error) {
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "Practitioner", url.Values{"identifier": {identifier}}, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search Practitioner by identifier")
	}
	practitioners, err := fhirutil.EntriesOf[fhir.Practitioner](&searchSet)
	if err != nil {
		return nil, err
	}
	if len(practitioners) == 0 {
		return nil, nil
	}
	return &practitioners[0], nil
}

func (r *Resolver) detailsOf(ctx context.Context, practitioner fhir.Practitioner) (Details, error) {
	practitionerID := to.Value(practitioner.Id)

	careTeams, practitionerRoles, err := r.careTeamsAndRoles(ctx, practitionerID)
	if err != nil {
		return Details{}, err
	}

	organizationIDs := distinct(append(managingOrganizationIDs(careTeams), roleOrganizationIDs(practitionerRoles)...))
	organizations, err := r.organizationsByID(ctx, organizationIDs)
	if err != nil {
		return Details{}, err
	}

	affiliations, err := r.affiliationsByPrimaryOrganization(ctx, organizationIDs)
	if err != nil {
		return Details{}, err
	}
	locationIDs := firstLocationIDs(affiliations)

	hierarchies, err := r.locationHierarchiesByID(ctx, locationIDs)
	if err != nil {
		return Details{}, err
	}
	locations, err := r.locationsByID(ctx, locationIDs)
	if err != nil {
		return Details{}, err
	}
	groups, err := r.practitionerGroups(ctx, practitionerID)
	if err != nil {
		return Details{}, err
	}

	return Details{
		Id: practitioner.Id,
		Fhir: DetailsData{
			Id:                       practitioner.Id,
			Practitioners:            []fhir.Practitioner{practitioner},
			CareTeams:                careTeams,
			Organizations:            organizations,
			PractitionerRoles:        practitionerRoles,
			Groups:                   groups,
			OrganizationAffiliations: affiliations,
			Locations:                locations,
			LocationHierarchies:      hierarchies,
		},
	}, nil
}

func (r *Resolver) attributedBundleOf(ctx context.Context, practitioner fhir.Practitioner) (fhir.Bundle, error) {
	details, err := r.detailsOf(ctx, practitioner)
	if err != nil {
		return fhir.Bundle{}, err
	}

	// Walk from the practitioner's own care teams down the location
	// hierarchy, then back up to every care team managed by an organization
	// affiliated to an attributed location.
	careTeams := details.Fhir.CareTeams
	affiliations, err := r.affiliationsByPrimaryOrganization(ctx, distinct(managingOrganizationIDs(careTeams)))
	if err != nil {
		return fhir.Bundle{}, err
	}
	hierarchies, err := r.locationHierarchiesByID(ctx, firstLocationIDs(affiliations))
	if err != nil {
		return fhir.Bundle{}, err
	}
	attributedOrganizationIDs, err := r.organizationIDsByLocation(ctx, attributedLocationIDs(hierarchies))
	if err != nil {
		return fhir.Bundle{}, err
	}
	attributedCareTeams, err := r.managedCareTeamsByOrganization(ctx, attributedOrganizationIDs)
	if err != nil {
		return fhir.Bundle{}, err
	}

	ownTeamIDs := make(map[string]bool)
	for _, careTeam := range careTeams {
		ownTeamIDs[to.Value(careTeam.Id)] = true
	}
	for _, careTeam := range attributedCareTeams {
		if !ownTeamIDs[to.Value(careTeam.Id)] {
			careTeams = append(careTeams, careTeam)
		}
	}

	attributedPractitioners, err := r.practitionersByID(ctx, practitionerMemberIDs(careTeams))
	if err != nil {
		return fhir.Bundle{}, err
	}

	var resources []any
	for _, attributedPractitioner := range attributedPractitioners {
		attributedDetails, err := r.detailsOf(ctx, attributedPractitioner)
		if err != nil {
			return fhir.Bundle{}, err
		}
		resources = append(resources, attributedDetails)
	}
	return fhirutil.SearchsetBundle(resources...)
}

// careTeamsAndRoles fetches the care teams the practitioner participates in
// and the practitioner's roles in a single batch bundle round trip.
func (r *Resolver) careTeamsAndRoles(ctx context.Context, practitionerID string) ([]fhir.CareTeam, []fhir.PractitionerRole, error) {
	batch := fhir.Bundle{
		Type: fhir.BundleTypeBatch,
		Entry: []fhir.BundleEntry{
			{Request: &fhir.BundleEntryRequest{
				Method: fhir.HTTPVerbGET,
				Url:    "CareTeam?" + url.Values{"participant": {"Practitioner/" + practitionerID}}.Encode(),
			}},
			{Request: &fhir.BundleEntryRequest{
				Method: fhir.HTTPVerbGET,
				Url:    "PractitionerRole?" + url.Values{"practitioner": {practitionerID}}.Encode(),
			}},
		},
	}
	var response fhir.Bundle
	if err := r.client.CreateWithContext(ctx, batch, &response, fhirclient.AtPath("/")); err != nil {
		return nil, nil, errors.Wrap(err, "batch fetch of care teams and practitioner roles")
	}
	if len(response.Entry) < 2 {
		return nil, nil, errors.Errorf("batch response has %d entries, expected 2", len(response.Entry))
	}
	careTeams, err := nestedSearchResult[fhir.CareTeam](response.Entry[0])
	if err != nil {
		return nil, nil, err
	}
	practitionerRoles, err := nestedSearchResult[fhir.PractitionerRole](response.Entry[1])
	if err != nil {
		return nil, nil, err
	}
	return careTeams, practitionerRoles, nil
}

// nestedSearchResult unmarshals a batch response entry holding a searchset
// bundle and returns its typed resources.
func nestedSearchResult[T any](entry fhir.BundleEntry) ([]T, error) {
	if len(entry.Resource) == 0 {
		return nil, nil
	}
	var searchSet fhir.Bundle
	if err := json.Unmarshal(entry.Resource, &searchSet); err != nil {
		return nil, errors.Wrap(err, "unmarshal batch response entry")
	}
	return fhirutil.EntriesOf[T](&searchSet)
}

func (r *Resolver) organizationsByID(ctx context.Context, organizationIDs []string) ([]fhir.Organization, error) {
	if len(organizationIDs) == 0 {
		return nil, nil
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "Organization", url.Values{"_id": {strings.Join(organizationIDs, ",")}}, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search Organization by id")
	}
	organizations, err := fhirutil.EntriesOf[fhir.Organization](&searchSet)
	if err != nil {
		return nil, err
	}
	return distinctByKey(organizations, func(organization fhir.Organization) string {
		return to.Value(organization.Id)
	}), nil
}

func (r *Resolver) affiliationsByPrimaryOrganization(ctx context.Context, organizationIDs []string) ([]fhir.OrganizationAffiliation, error) {
	if len(organizationIDs) == 0 {
		return nil, nil
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "OrganizationAffiliation", url.Values{"primary-organization": {strings.Join(organizationIDs, ",")}}, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search OrganizationAffiliation by primary organization")
	}
	return fhirutil.EntriesOf[fhir.OrganizationAffiliation](&searchSet)
}

// organizationIDsByLocation returns the distinct organization ids of all
// affiliations referencing one of the given locations.
func (r *Resolver) organizationIDsByLocation(ctx context.Context, locationIDs []string) ([]string, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "OrganizationAffiliation", url.Values{"location": {strings.Join(locationIDs, ",")}}, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search OrganizationAffiliation by location")
	}
	affiliations, err := fhirutil.EntriesOf[fhir.OrganizationAffiliation](&searchSet)
	if err != nil {
		return nil, err
	}
	var organizationIDs []string
	for _, affiliation := range affiliations {
		if affiliation.Organization != nil && affiliation.Organization.Reference != nil {
			organizationIDs = append(organizationIDs, fhirutil.ReferenceID(*affiliation.Organization.Reference))
		}
	}
	return distinct(organizationIDs), nil
}

// managedCareTeamsByOrganization returns care teams with any of the given
// organizations as participant, keeping only teams that have a managing
// organization.
func (r *Resolver) managedCareTeamsByOrganization(ctx context.Context, organizationIDs []string) ([]fhir.CareTeam, error) {
	if len(organizationIDs) == 0 {
		return nil, nil
	}
	references := make([]string, len(organizationIDs))
	for i, organizationID := range organizationIDs {
		references[i] = "Organization/" + organizationID
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "CareTeam", url.Values{"participant": {strings.Join(references, ",")}}, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search CareTeam by organization participant")
	}
	careTeams, err := fhirutil.EntriesOf[fhir.CareTeam](&searchSet)
	if err != nil {
		return nil, err
	}
	var managed []fhir.CareTeam
	for _, careTeam := range careTeams {
		if len(careTeam.ManagingOrganization) > 0 {
			managed = append(managed, careTeam)
		}
	}
	return managed, nil
}

func (r *Resolver) locationHierarchiesByID(ctx context.Context, locationIDs []string) ([]LocationHierarchy, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "LocationHierarchy", url.Values{"_id": {strings.Join(locationIDs, ",")}}, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search LocationHierarchy by id")
	}
	var hierarchies []LocationHierarchy
	for i, entry := range searchSet.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var hierarchy LocationHierarchy
		if err := json.Unmarshal(entry.Resource, &hierarchy); err != nil {
			return nil, errors.Wrapf(err, "unmarshal LocationHierarchy entry %d", i)
		}
		hierarchies = append(hierarchies, hierarchy)
	}
	return hierarchies, nil
}

func (r *Resolver) locationsByID(ctx context.Context, locationIDs []string) ([]fhir.Location, error) {
	if len(locationIDs) == 0 {
		return nil, nil
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "Location", url.Values{"_id": {strings.Join(locationIDs, ",")}}, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search Location by id")
	}
	return fhirutil.EntriesOf[fhir.Location](&searchSet)
}

func (r *Resolver) practitionerGroups(ctx context.Context, practitionerID string) ([]fhir.Group, error) {
	params := url.Values{
		"member": {practitionerID},
		"code":   {coding.Token(coding.SNOMEDSystem, coding.PractitionerGroupCode)},
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "Group", params, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search Group by practitioner member")
	}
	return fhirutil.EntriesOf[fhir.Group](&searchSet)
}

func (r *Resolver) practitionersByID(ctx context.Context, practitionerIDs []string) ([]fhir.Practitioner, error) {
	if len(practitionerIDs) == 0 {
		return nil, nil
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, "Practitioner", url.Values{"_id": {strings.Join(practitionerIDs, ",")}}, &searchSet); err != nil {
		return nil, errors.Wrap(err, "search Practitioner by id")
	}
	return fhirutil.EntriesOf[fhir.Practitioner](&searchSet)
}

func managingOrganizationIDs(careTeams []fhir.CareTeam) []string {
	var organizationIDs []string
	for _, careTeam := range careTeams {
		for _, reference := range careTeam.ManagingOrganization {
			if reference.Reference != nil {
				organizationIDs = append(organizationIDs, fhirutil.ReferenceID(*reference.Reference))
			}
		}
	}
	return organizationIDs
}

func roleOrganizationIDs(practitionerRoles []fhir.PractitionerRole) []string {
	var organizationIDs []string
	for _, role := range practitionerRoles {
		if role.Organization != nil && role.Organization.Reference != nil {
			organizationIDs = append(organizationIDs, fhirutil.ReferenceID(*role.Organization.Reference))
		}
	}
	return organizationIDs
}

// firstLocationIDs takes the first location reference of each affiliation.
// Secondary locations do not contribute to the hierarchy walk; affiliations
// without locations are skipped.
func firstLocationIDs(affiliations []fhir.OrganizationAffiliation) []string {
	var locationIDs []string
	for _, affiliation := range affiliations {
		if len(affiliation.Location) == 0 || affiliation.Location[0].Reference == nil {
			continue
		}
		locationIDs = append(locationIDs, fhirutil.ReferenceID(*affiliation.Location[0].Reference))
	}
	return locationIDs
}

// practitionerMemberIDs collects the distinct practitioner ids participating
// in any of the given care teams.
func practitionerMemberIDs(careTeams []fhir.CareTeam) []string {
	var practitionerIDs []string
	for _, careTeam := range careTeams {
		for _, participant := range careTeam.Participant {
			if participant.Member == nil || participant.Member.Reference == nil {
				continue
			}
			reference := *participant.Member.Reference
			if !strings.HasPrefix(reference, "Practitioner/") {
				continue
			}
			practitionerIDs = append(practitionerIDs, fhirutil.ReferenceID(reference))
		}
	}
	return distinct(practitionerIDs)
}

// distinctByKey keeps the first occurrence per key, dropping later duplicates.
func distinctByKey[T any](items []T, key func(T) string) []T {
	seen := make(map[string]bool)
	var result []T
	for _, item := range items {
		k := key(item)
		if seen[k] {
			continue
		}
		seen[k] = true
		result = append(result, item)
	}
	return result
}

func distinct(values []string) []string {
	return distinctByKey(values, func(value string) string { return value })
}
