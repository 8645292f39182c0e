package main

import (
	"github.com/medblocks/fhir-core/include"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/search"
)

// defaultMapping is the routing table shipped with this binary: the
// handful of resource types common to a clinical deployment each get
// their own collection, a fixed list of lower-volume types share the
// General catch-all spec §3 names, and types in neither list are not
// mapped (unsupported). Grounded on server/server_setup.go's
// CreateCollections, which pre-creates one Mongo collection per mapped
// type the same way.
func defaultMapping() routing.StaticMapping {
	named := []string{
		"Patient", "Practitioner", "PractitionerRole", "Organization",
		"Encounter", "Observation", "Condition", "Procedure",
		"MedicationRequest", "MedicationAdministration", "AllergyIntolerance",
		"Immunization", "DiagnosticReport", "CarePlan", "CareTeam",
		"Location", "Coverage", "Claim", "ExplanationOfBenefit",
	}
	// general is the catch-all spec §3 names for low-volume types that
	// don't warrant a dedicated collection; they share one FTS index
	// discriminated by a resourceType filter, per spec §4.6 step 1.
	general := []string{
		"Goal", "ServiceRequest", "DocumentReference", "Device", "Specimen",
		"Appointment", "Schedule", "Slot", "Consent", "Flag", "Provenance",
		"RelatedPerson", "Person", "HealthcareService", "Media",
	}

	mapping := make(routing.StaticMapping, 0, len(named)+len(general))
	for _, t := range named {
		mapping = append(mapping, routing.Entry{
			ResourceType: t,
			Collection:   t + "s",
			FTSIndex:     t + "Idx",
		})
	}
	for _, t := range general {
		mapping = append(mapping, routing.Entry{
			ResourceType: t,
			Collection:   "General",
			FTSIndex:     "GeneralIdx",
		})
	}
	return mapping
}

// defaultSearchRegistry declares the search parameters spec's worked
// examples exercise (patient/subject references, code tokens, date
// ranges, name strings). A real deployment would load this from a
// conformance statement; this binary ships a static registry, the same
// shortcut the teacher's search/mongo_registry_test.go fixtures take.
func defaultSearchRegistry() search.StaticRegistry {
	shared := map[string]search.ParamDef{
		"patient": {Name: "patient", Type: search.Reference, Path: "patient"},
		"subject": {Name: "subject", Type: search.Reference, Path: "subject"},
		"identifier": {Name: "identifier", Type: search.Token, Path: "identifier"},
		"_id":     {Name: "_id", Type: search.Token, Path: "id"},
	}
	reg := search.StaticRegistry{}
	for _, t := range []string{
		"Patient", "Practitioner", "PractitionerRole", "Organization",
		"Encounter", "Observation", "Condition", "Procedure",
		"MedicationRequest", "MedicationAdministration", "AllergyIntolerance",
		"Immunization", "DiagnosticReport", "CarePlan", "CareTeam",
		"Location", "Coverage", "Claim", "ExplanationOfBenefit",
	} {
		params := make(map[string]search.ParamDef, len(shared)+2)
		for k, v := range shared {
			params[k] = v
		}
		params["status"] = search.ParamDef{Name: "status", Type: search.Token, Path: "status"}
		params["code"] = search.ParamDef{Name: "code", Type: search.Token, Path: "code.coding"}
		params["date"] = search.ParamDef{Name: "date", Type: search.Date, Path: "effectiveDateTime"}
		reg[t] = params
	}
	reg["Patient"]["name"] = search.ParamDef{Name: "name", Type: search.String, Path: "name.family"}
	reg["Patient"]["family"] = search.ParamDef{Name: "family", Type: search.String, Path: "name.family"}
	reg["Patient"]["birthdate"] = search.ParamDef{Name: "birthdate", Type: search.Date, Path: "birthDate"}
	return reg
}

// staticPathRegistry is an include.PathRegistry over a fixed
// (resourceType, param) -> ReferencePath table.
type staticPathRegistry map[string]map[string]resource.ReferencePath

func (r staticPathRegistry) Lookup(resourceType, param string) (resource.ReferencePath, bool) {
	byParam, ok := r[resourceType]
	if !ok {
		return resource.ReferencePath{}, false
	}
	p, ok := byParam[param]
	return p, ok
}

func defaultIncludeRegistry() include.PathRegistry {
	return staticPathRegistry{
		"Encounter": {
			"subject":      resource.ParseReferencePath("subject"),
			"patient":      resource.ParseReferencePath("subject"),
			"participant":  resource.ParseReferencePath("participant.individual"),
			"practitioner": resource.ParseReferencePath("participant.individual"),
		},
		"Observation": {
			"subject": resource.ParseReferencePath("subject"),
			"patient": resource.ParseReferencePath("subject"),
			"encounter": resource.ParseReferencePath("encounter"),
		},
		"MedicationRequest": {
			"subject":      resource.ParseReferencePath("subject"),
			"patient":      resource.ParseReferencePath("subject"),
			"requester":    resource.ParseReferencePath("requester"),
		},
	}
}
