// Package include implements spec §4.7: compute the set of referenced
// keys belonging to a page's primary matches, fetch them, and report
// them for inclusion in the Bundle alongside the primaries. Grounded on
// models2/json_visitor_references.go's FhirVisitorCollectReferences,
// ported schema-free onto resource.ExtractReferences (see DESIGN.md).
package include

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/medblocks/fhir-core/apperror"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/storage"
)

// PathRegistry is the search-parameter metadata external collaborator of
// spec §4.7: for a resource type and include parameter name, it supplies
// the field path to walk for reference strings. Choice-type references
// (`subjectReference`, canonicalized by suffixing `Reference` to the
// base field) are the registry's concern, not this package's.
type PathRegistry interface {
	Lookup(resourceType, param string) (resource.ReferencePath, bool)
}

// Directive is one parsed `_include`/`_revinclude` value, e.g.
// "Observation:subject" or "Observation:subject:Patient".
type Directive struct {
	ResourceType string
	Param        string
	TargetType   string // optional, third ":"-segment
}

// ParseDirective splits a raw _include/_revinclude value on ":".
func ParseDirective(raw string) Directive {
	parts := strings.SplitN(raw, ":", 3)
	d := Directive{}
	if len(parts) > 0 {
		d.ResourceType = parts[0]
	}
	if len(parts) > 1 {
		d.Param = parts[1]
	}
	if len(parts) > 2 {
		d.TargetType = parts[2]
	}
	return d
}

// Options bounds an Expand call, per spec §4.7 step 3.
type Options struct {
	MaxIncludes int
}

func (o Options) cap() int {
	if o.MaxIncludes <= 0 {
		return 100
	}
	return o.MaxIncludes
}

// Expand runs spec §4.7's four-step algorithm: harvest reference
// strings named by directives out of primaries, dedupe, cap, batch
// fetch grouped by type. The returned resources are tagged
// search.mode="include" by the caller (package httpapi) when assembling
// the response Bundle; primaries keep "match".
func Expand(ctx context.Context, gw storage.Gateway, table *routing.Table, registry PathRegistry, bucket string, primaries []*resource.Resource, rawDirectives []string, opts Options) ([]*resource.Resource, error) {
	if len(rawDirectives) == 0 || len(primaries) == 0 {
		return nil, nil
	}

	var directives []Directive
	for _, raw := range rawDirectives {
		directives = append(directives, ParseDirective(raw))
	}

	seen := make(map[string]bool)
	var refs []string
	for _, d := range directives {
		path, ok := registry.Lookup(d.ResourceType, d.Param)
		if !ok {
			return nil, apperror.Validationf("unknown include parameter %s:%s", d.ResourceType, d.Param)
		}
		for _, primary := range primaries {
			if primary.ResourceType() != d.ResourceType {
				continue
			}
			found, err := resource.ExtractReferences(primary.JSONBytes(), path)
			if err != nil {
				return nil, errors.Wrapf(err, "include: extract references for %s:%s failed", d.ResourceType, d.Param)
			}
			for _, ref := range found {
				if !seen[ref] {
					seen[ref] = true
					refs = append(refs, ref)
				}
			}
		}
	}

	if len(refs) > opts.cap() {
		refs = refs[:opts.cap()]
	}

	byType := make(map[string][]string)
	for _, ref := range refs {
		resourceType, id, ok := splitReference(ref)
		if !ok {
			continue
		}
		byType[resourceType] = append(byType[resourceType], resourceType+"/"+id)
	}

	var included []*resource.Resource
	for resourceType, keys := range byType {
		collection, err := table.TargetCollection(resourceType)
		if err != nil {
			// A referenced type absent from the routing table is skipped
			// rather than failing the whole search -- a dangling
			// reference should not make the primary results unavailable.
			continue
		}
		results, err := gw.KVGetMany(ctx, bucket, "Resources", collection, keys)
		if err != nil {
			return nil, apperror.Wrap(apperror.UnavailableDownstream, err, "include: KVGetMany failed for "+resourceType)
		}
		for _, r := range results {
			if !r.Present {
				continue
			}
			res, parseErr := resource.NewFromJSON(r.Value)
			if parseErr != nil {
				return nil, errors.Wrap(parseErr, "include: parse fetched document failed")
			}
			included = append(included, res)
		}
	}

	return included, nil
}

// splitReference accepts only local "Type/id" references; absolute URLs
// and "urn:uuid:" placeholders (unresolved at search time) are not
// includable and are skipped.
func splitReference(ref string) (resourceType, id string, ok bool) {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "urn:") {
		return "", "", false
	}
	idx := strings.Index(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}
