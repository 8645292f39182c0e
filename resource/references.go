package resource

import (
	"strings"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
)

// ReferencePath names a reference-carrying field path within a resource,
// e.g. "subject" for a single reference or "participant.individual" for
// an array of backbone elements each holding a reference field. Paths
// come from the search-parameter metadata external collaborator (spec
// §4.7) -- the core never infers them from a FHIR schema.
type ReferencePath struct {
	Segments []string
	// Array marks that Segments[0] is a repeating backbone element and
	// the reference lives at Segments[1:] within each array element.
	Array bool
}

// ParseReferencePath turns "participant.individual" into a ReferencePath,
// treating the first segment as an array iff more than one segment is
// given (matching how include directives name choice/array references in
// spec's example "participant.individual").
func ParseReferencePath(path string) ReferencePath {
	segs := strings.Split(path, ".")
	return ReferencePath{Segments: segs, Array: len(segs) > 1}
}

// referenceStringFromValue extracts the bare "Type/id" string from a
// FHIR Reference object's "reference" field, or from a raw string value
// (some callers pass already-resolved reference strings).
func referenceStringFromValue(value []byte, dataType jsonparser.ValueType) (string, bool) {
	if dataType == jsonparser.Object {
		ref, err := jsonparser.GetString(value, "reference")
		if err != nil || ref == "" {
			return "", false
		}
		return ref, true
	}
	if dataType == jsonparser.String {
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return "", false
		}
		return s, true
	}
	return "", false
}

// ExtractReferences walks jsonBytes at the given field path and returns
// every reference string found there. It never consults a FHIR schema --
// it trusts the caller-supplied path, the way spec §4.7 describes include
// resolution working off search-parameter metadata rather than type
// inference.
func ExtractReferences(jsonBytes []byte, path ReferencePath) ([]string, error) {
	if !path.Array {
		value, dataType, _, err := jsonparser.Get(jsonBytes, path.Segments...)
		if err == jsonparser.KeyPathNotFoundError {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "ExtractReferences: get %v failed", path.Segments)
		}
		if dataType == jsonparser.Array {
			var refs []string
			_, iterErr := jsonparser.ArrayEach(value, func(v []byte, dt jsonparser.ValueType, _ int, _ error) {
				if ref, ok := referenceStringFromValue(v, dt); ok {
					refs = append(refs, ref)
				}
			})
			return refs, iterErr
		}
		if ref, ok := referenceStringFromValue(value, dataType); ok {
			return []string{ref}, nil
		}
		return nil, nil
	}

	arrValue, dataType, _, err := jsonparser.Get(jsonBytes, path.Segments[0])
	if err == jsonparser.KeyPathNotFoundError {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "ExtractReferences: get %s failed", path.Segments[0])
	}
	if dataType != jsonparser.Array {
		return nil, nil
	}

	var refs []string
	var iterErr error
	_, err = jsonparser.ArrayEach(arrValue, func(elem []byte, dt jsonparser.ValueType, _ int, _ error) {
		if dt != jsonparser.Object || iterErr != nil {
			return
		}
		sub, subType, _, getErr := jsonparser.Get(elem, path.Segments[1:]...)
		if getErr == jsonparser.KeyPathNotFoundError {
			return
		}
		if getErr != nil {
			iterErr = getErr
			return
		}
		if ref, ok := referenceStringFromValue(sub, subType); ok {
			refs = append(refs, ref)
		}
	})
	if err != nil {
		return nil, err
	}
	return refs, iterErr
}

// RewriteReferences substitutes every "urn:uuid:X" occurrence in
// jsonBytes with refMap[X], matching batch_controller.go's reference
// rewrite pass. A plain substring replacement is sufficient and safe
// here because urn:uuid: placeholders only appear as reference values
// inside a transaction/batch bundle's entries, and the bundle pre-pass
// builds refMap from exactly those entries' fullUrls.
func RewriteReferences(jsonBytes []byte, refMap map[string]string) []byte {
	out := string(jsonBytes)
	for uuid, target := range refMap {
		out = strings.ReplaceAll(out, "urn:uuid:"+uuid, target)
	}
	return []byte(out)
}
