// Package resource wraps stored FHIR documents as opaque JSON bytes.
// The core never fully decodes a resource body: it extracts only the
// handful of fields it needs (resourceType, id, meta.versionId,
// meta.lastUpdated) and otherwise carries raw bytes through to the
// Fast Bundle Writer untouched.
package resource

import (
	"fmt"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
)

// Resource is a zero-copy view over a stored FHIR document.
type Resource struct {
	jsonBytes    []byte
	resourceType string
	id           string
	versionId    string
	lastUpdated  string

	searchIncludes []*Resource
}

func (r *Resource) JSONBytes() []byte    { return r.jsonBytes }
func (r *Resource) ResourceType() string { return r.resourceType }
func (r *Resource) Id() string           { return r.id }
func (r *Resource) VersionId() string    { return r.versionId }
func (r *Resource) LastUpdated() string  { return r.lastUpdated }

// Key is the canonical live-resource document key "{ResourceType}/{id}".
func (r *Resource) Key() string { return r.resourceType + "/" + r.id }

func (r *Resource) LastUpdatedTime() (time.Time, error) {
	t := time.Time{}
	err := t.UnmarshalJSON([]byte(`"` + r.lastUpdated + `"`))
	if err != nil {
		return t, errors.Wrapf(err, "failed to parse meta.lastUpdated %q", r.lastUpdated)
	}
	return t, nil
}

func (r *Resource) SearchIncludes() []*Resource { return r.searchIncludes }

func (r *Resource) SearchIncludesOfType(resourceType string) []*Resource {
	var out []*Resource
	for _, included := range r.searchIncludes {
		if included.resourceType == resourceType {
			out = append(out, included)
		}
	}
	return out
}

func (r *Resource) AddSearchInclude(included *Resource) {
	r.searchIncludes = append(r.searchIncludes, included)
}

// WithID returns a copy of r with id patched in place via jsonparser.Set,
// never decoding the rest of the document. This is the same "patch the
// raw bytes" approach the teacher sketches (and abandons in favour of a
// full BSON round-trip) in models2/resource.go's commented-out
// MarshalJSON body; this port takes that simpler road since the core has
// no FHIR schema to consult.
func (r *Resource) WithID(id string) (*Resource, error) {
	if id == r.id {
		return r, nil
	}
	out, err := jsonparser.Set(r.jsonBytes, []byte(strconv.Quote(id)), "id")
	if err != nil {
		return nil, errors.Wrap(err, "jsonparser.Set(id) failed")
	}
	return NewFromJSON(out)
}

// WithMeta returns a copy of r with meta.versionId/meta.lastUpdated
// patched in place.
func (r *Resource) WithMeta(versionId string, lastUpdated time.Time) (*Resource, error) {
	lastUpdatedStr := lastUpdated.UTC().Format(time.RFC3339Nano)
	out, err := setNested(r.jsonBytes, strconv.Quote(lastUpdatedStr), "meta", "lastUpdated")
	if err != nil {
		return nil, errors.Wrap(err, "set meta.lastUpdated failed")
	}
	out, err = setNested(out, strconv.Quote(versionId), "meta", "versionId")
	if err != nil {
		return nil, errors.Wrap(err, "set meta.versionId failed")
	}
	return NewFromJSON(out)
}

// setNested sets a dotted path, creating the "meta" object if absent --
// jsonparser.Set alone errors when an intermediate object is missing.
func setNested(jsonBytes []byte, rawValue string, path ...string) ([]byte, error) {
	if _, _, _, err := jsonparser.Get(jsonBytes, path[:len(path)-1]...); err != nil {
		jsonBytes, err = jsonparser.Set(jsonBytes, []byte("{}"), path[:len(path)-1]...)
		if err != nil {
			return nil, err
		}
	}
	return jsonparser.Set(jsonBytes, []byte(rawValue), path...)
}

// WithTag appends an audit tag into meta.tag, creating meta/meta.tag as
// needed. Used by package audit.
func (r *Resource) WithTag(system, code, display string) (*Resource, error) {
	out := r.jsonBytes
	tagJSON := fmt.Sprintf(`{"system":%s,"code":%s,"display":%s}`,
		strconv.Quote(system), strconv.Quote(code), strconv.Quote(display))

	existing, _, _, err := jsonparser.Get(out, "meta", "tag")
	if err != nil {
		out, err = setNested(out, "[]", "meta", "tag")
		if err != nil {
			return nil, errors.Wrap(err, "create meta.tag failed")
		}
		existing = []byte("[]")
	}

	merged := appendToArray(existing, tagJSON)
	out, err = jsonparser.Set(out, merged, "meta", "tag")
	if err != nil {
		return nil, errors.Wrap(err, "set meta.tag failed")
	}
	return NewFromJSON(out)
}

// WithProfiles union-merges newProfiles into meta.profile in stable
// order (existing entries first, then any not already present), per
// spec §4.2's profile-merge rule.
func (r *Resource) WithProfiles(newProfiles []string) (*Resource, error) {
	if len(newProfiles) == 0 {
		return r, nil
	}

	var existing []string
	if raw, _, _, err := jsonparser.Get(r.jsonBytes, "meta", "profile"); err == nil {
		jsonparser.ArrayEach(raw, func(v []byte, dt jsonparser.ValueType, _ int, _ error) {
			if dt == jsonparser.String {
				if s, err := jsonparser.ParseString(v); err == nil {
					existing = append(existing, s)
				}
			}
		})
	}

	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p] = true
	}
	merged := existing
	for _, p := range newProfiles {
		if !seen[p] {
			merged = append(merged, p)
			seen[p] = true
		}
	}

	arr := "[]"
	for i, p := range merged {
		if i == 0 {
			arr = "[" + strconv.Quote(p)
		} else {
			arr += "," + strconv.Quote(p)
		}
	}
	if len(merged) > 0 {
		arr += "]"
	}

	out, err := setNested(r.jsonBytes, arr, "meta", "profile")
	if err != nil {
		return nil, errors.Wrap(err, "WithProfiles: set meta.profile failed")
	}
	return NewFromJSON(out)
}

func appendToArray(arrJSON []byte, elemJSON string) []byte {
	trimmed := trimSpace(arrJSON)
	if len(trimmed) < 2 {
		return []byte("[" + elemJSON + "]")
	}
	inner := trimmed[1 : len(trimmed)-1]
	if len(trimSpace(inner)) == 0 {
		return []byte("[" + elemJSON + "]")
	}
	return []byte(string(trimmed[:len(trimmed)-1]) + "," + elemJSON + "]")
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\n' || b[start] == '\t') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}

// NewFromJSON parses just enough of jsonBytes to populate the
// identifying fields, grounded on models2.NewResourceFromJsonBytes's use
// of jsonparser.EachKey over exactly these four paths.
func NewFromJSON(jsonBytes []byte) (*Resource, error) {
	paths := [][]string{
		{"resourceType"},
		{"id"},
		{"meta", "lastUpdated"},
		{"meta", "versionId"},
	}
	var resourceType, id, lastUpdated, versionId string
	var firstErr error
	jsonparser.EachKey(jsonBytes, func(idx int, value []byte, _ jsonparser.ValueType, err error) {
		if firstErr != nil || err != nil {
			if err != nil {
				firstErr = err
			}
			return
		}
		switch idx {
		case 0:
			resourceType = string(value)
		case 1:
			id = string(value)
		case 2:
			lastUpdated = string(value)
		case 3:
			versionId = string(value)
		}
	}, paths...)
	if firstErr != nil {
		return nil, errors.Wrap(firstErr, "jsonparser.EachKey failed")
	}
	if resourceType == "" {
		return nil, errors.New("JSON missing resourceType")
	}

	return &Resource{
		jsonBytes:    jsonBytes,
		resourceType: resourceType,
		id:           id,
		lastUpdated:  lastUpdated,
		versionId:    versionId,
	}, nil
}
