package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/search"
)

func TestDefaultMappingCoversNamedAndGeneralTypes(t *testing.T) {
	mapping := defaultMapping()

	byType := make(map[string]string)
	for _, e := range mapping {
		byType[e.ResourceType] = e.Collection
	}

	assert.Equal(t, "Patients", byType["Patient"])
	assert.Equal(t, "PatientIdx", func() string {
		for _, e := range mapping {
			if e.ResourceType == "Patient" {
				return e.FTSIndex
			}
		}
		return ""
	}())

	assert.Equal(t, "General", byType["Goal"])
	assert.Equal(t, "General", byType["Consent"])
}

func TestDefaultMappingHasNoDuplicateResourceTypes(t *testing.T) {
	mapping := defaultMapping()
	seen := make(map[string]bool, len(mapping))
	for _, e := range mapping {
		assert.False(t, seen[e.ResourceType], "duplicate mapping entry for %s", e.ResourceType)
		seen[e.ResourceType] = true
	}
}

func TestDefaultSearchRegistrySharesCommonParamsAcrossTypes(t *testing.T) {
	reg := defaultSearchRegistry()

	obs, ok := reg["Observation"]
	assert.True(t, ok)
	assert.Equal(t, search.Reference, obs["patient"].Type)
	assert.Equal(t, search.Token, obs["status"].Type)
	assert.Equal(t, search.Date, obs["date"].Type)
}

func TestDefaultSearchRegistryPatientHasNameAndBirthdate(t *testing.T) {
	reg := defaultSearchRegistry()

	patient := reg["Patient"]
	assert.Equal(t, search.String, patient["name"].Type)
	assert.Equal(t, search.String, patient["family"].Type)
	assert.Equal(t, search.Date, patient["birthdate"].Type)
}

func TestDefaultSearchRegistryMutationIsIsolatedPerType(t *testing.T) {
	reg := defaultSearchRegistry()
	_, observationHasName := reg["Observation"]["name"]
	assert.False(t, observationHasName, "Patient-only params must not leak into shared entries")
}

func TestDefaultIncludeRegistryLookup(t *testing.T) {
	reg := defaultIncludeRegistry()

	path, ok := reg.Lookup("Encounter", "subject")
	assert.True(t, ok)
	assert.Equal(t, resource.ReferencePath{Segments: []string{"subject"}, Array: false}, path)

	path, ok = reg.Lookup("Encounter", "participant")
	assert.True(t, ok)
	assert.Equal(t, resource.ReferencePath{Segments: []string{"participant", "individual"}, Array: true}, path)

	_, ok = reg.Lookup("Encounter", "nonexistent")
	assert.False(t, ok)

	_, ok = reg.Lookup("Unobtainium", "subject")
	assert.False(t, ok)
}
