// Package search implements spec §4.6: compiling FHIR search parameters
// into FTS queries and executing the read-side phases of a search
// request. Grounded on search/mongo_search_test.go and
// search/mongo_registry_test.go -- the only surviving files of the
// teacher's own search package, whose implementation was filtered out of
// the retrieval pack -- plus spec §4.6's explicit per-type compilation
// rules. createQueryObject's bson.M/$elemMatch/regex shape, evidenced by
// those tests, is reconstructed here as the compile* family.
package search

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/medblocks/fhir-core/apperror"
)

// ParamType is one of the search-parameter kinds spec §4.6 dispatches
// compilation on.
type ParamType int

const (
	Token ParamType = iota
	String
	Date
	Reference
)

// ParamDef names a single FHIR search parameter: its compiled type and
// the document path it is indexed at.
type ParamDef struct {
	Name string
	Type ParamType
	Path string
}

// Registry is the search-parameter metadata external collaborator of
// spec §1/§4.6: for a resource type and parameter name, it supplies the
// parameter's type and indexed path. The core never hardcodes FHIR
// search-parameter definitions.
type Registry interface {
	Lookup(resourceType, paramName string) (ParamDef, bool)
}

// StaticRegistry is a Registry backed by a fixed table, for tests and
// simple deployments.
type StaticRegistry map[string]map[string]ParamDef

func (r StaticRegistry) Lookup(resourceType, paramName string) (ParamDef, bool) {
	byName, ok := r[resourceType]
	if !ok {
		return ParamDef{}, false
	}
	def, ok := byName[paramName]
	return def, ok
}

// compileToken builds a term-match clause on the canonically indexed
// path, e.g. code.coding.code, with optional system|code splitting
// ("http://snomed.info/sct|123641001"), grounded on
// mongo_search_test.go's Condition "code=..." cases.
func compileToken(def ParamDef, values []string) (bson.M, error) {
	ors := make([]bson.M, 0, len(values))
	for _, v := range values {
		system, code := splitSystemCode(v)
		clause := bson.M{}
		if system != "" {
			clause[def.Path+".system"] = system
		}
		if code != "" {
			clause[def.Path+".code"] = code
		}
		if len(clause) == 0 {
			continue
		}
		ors = append(ors, bson.M{"$elemMatch": clause})
	}
	return disjunction(def.Path, ors), nil
}

func splitSystemCode(v string) (system, code string) {
	if idx := strings.Index(v, "|"); idx >= 0 {
		return v[:idx], v[idx+1:]
	}
	return "", v
}

// compileString builds a text match with :exact/:contains modifier
// handling against the text path.
func compileString(def ParamDef, values []string, modifier string) (bson.M, error) {
	ors := make([]bson.M, 0, len(values))
	for _, v := range values {
		switch modifier {
		case "exact":
			ors = append(ors, bson.M{def.Path: v})
		case "contains":
			ors = append(ors, bson.M{def.Path: primitive.Regex{Pattern: regexQuote(v), Options: "i"}})
		case "":
			ors = append(ors, bson.M{def.Path: primitive.Regex{Pattern: "^" + regexQuote(v), Options: "i"}})
		default:
			return nil, apperror.Validationf("unknown string modifier %q", modifier)
		}
	}
	return disjunction(def.Path, ors), nil
}

func regexQuote(s string) string {
	specials := `\.+*?()|[]{}^$`
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// datePrefix is one of the FHIR date-search prefix operators of spec
// §4.6.
type datePrefix string

const (
	eq datePrefix = "eq"
	ne datePrefix = "ne"
	lt datePrefix = "lt"
	le datePrefix = "le"
	gt datePrefix = "gt"
	ge datePrefix = "ge"
	sa datePrefix = "sa"
	eb datePrefix = "eb"
)

// compileDate builds a date-range query with prefix operators parsed
// from the value, e.g. "ge2020-01-01".
func compileDate(def ParamDef, values []string) (bson.M, error) {
	ors := make([]bson.M, 0, len(values))
	for _, v := range values {
		prefix, rawDate := parseDatePrefix(v)
		clause, err := dateClause(def.Path, prefix, rawDate)
		if err != nil {
			return nil, err
		}
		ors = append(ors, clause)
	}
	return disjunction(def.Path, ors), nil
}

func parseDatePrefix(v string) (datePrefix, string) {
	if len(v) >= 2 {
		switch datePrefix(v[:2]) {
		case eq, ne, lt, le, gt, ge, sa, eb:
			return datePrefix(v[:2]), v[2:]
		}
	}
	return eq, v
}

func dateClause(path string, prefix datePrefix, date string) (bson.M, error) {
	switch prefix {
	case eq:
		return bson.M{path: date}, nil
	case ne:
		return bson.M{path: bson.M{"$ne": date}}, nil
	case lt, eb:
		return bson.M{path: bson.M{"$lt": date}}, nil
	case le:
		return bson.M{path: bson.M{"$lte": date}}, nil
	case gt, sa:
		return bson.M{path: bson.M{"$gt": date}}, nil
	case ge:
		return bson.M{path: bson.M{"$gte": date}}, nil
	default:
		return nil, apperror.Validationf("unknown date prefix in %q", date)
	}
}

// compileReference matches either the stored reference string ("Type/id"
// form, term match) or a filter clause against it.
func compileReference(def ParamDef, values []string) (bson.M, error) {
	ors := make([]bson.M, 0, len(values))
	for _, v := range values {
		ors = append(ors, bson.M{def.Path + ".reference": v})
	}
	return disjunction(def.Path, ors), nil
}

func disjunction(path string, ors []bson.M) bson.M {
	if len(ors) == 0 {
		return bson.M{}
	}
	if len(ors) == 1 {
		return ors[0]
	}
	return bson.M{"$or": ors}
}

// Compile dispatches a single parameter into its bson.M clause. Unknown
// modifiers/types produce a *apperror.Error (Validation), per spec
// §4.6's "unknown parameters, unknown modifiers... produce validation
// errors".
func Compile(def ParamDef, values []string, modifier string) (bson.M, error) {
	if modifier != "" && def.Type != String {
		return nil, apperror.Validationf("unknown modifier %q for search parameter %s", modifier, def.Name)
	}
	switch def.Type {
	case Token:
		return compileToken(def, values)
	case String:
		return compileString(def, values, modifier)
	case Date:
		return compileDate(def, values)
	case Reference:
		return compileReference(def, values)
	default:
		return nil, apperror.Validationf("unsupported search parameter type for %s", def.Name)
	}
}

func splitModifier(paramKey string) (name, modifier string) {
	if idx := strings.Index(paramKey, ":"); idx >= 0 {
		return paramKey[:idx], paramKey[idx+1:]
	}
	return paramKey, ""
}
