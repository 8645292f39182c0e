// Package bundle implements spec §4.10 (Bundle Processor) and §4.11
// (Fast Bundle Writer). Grounded on models2/bundle.go's ShallowBundle/
// ShallowBundleEntryComponent shape and batch_controller.go's per-entry
// dispatch loop, generalized schema-free over resource.Resource rather
// than the teacher's generated models.Bundle types.
package bundle

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/medblocks/fhir-core/apperror"
	"github.com/medblocks/fhir-core/conditional"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/storage"
	"github.com/medblocks/fhir-core/write"
)

// Method is one of the HTTP verbs a bundle entry's request carries.
type Method string

const (
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// Entry is one parsed bundle.entry element.
type Entry struct {
	FullURL    string
	Method     Method
	RequestURL string // entry.request.url, e.g. "Patient" or "Patient/123" or "Patient?identifier=..."
	Resource   *resource.Resource
}

// ParseBundle parses spec §4.10's input shape: bundle.type plus each
// entry's fullUrl/request.method/request.url/resource, schema-free via
// jsonparser.
func ParseBundle(jsonBytes []byte) (bundleType string, entries []Entry, err error) {
	resourceType, typErr := jsonparser.GetString(jsonBytes, "resourceType")
	if typErr != nil || resourceType != "Bundle" {
		return "", nil, apperror.Validationf("not a Bundle resource")
	}
	bundleType, _ = jsonparser.GetString(jsonBytes, "type")

	entryArr, _, _, getErr := jsonparser.Get(jsonBytes, "entry")
	if getErr == jsonparser.KeyPathNotFoundError {
		return bundleType, nil, nil
	}
	if getErr != nil {
		return "", nil, errors.Wrap(getErr, "ParseBundle: get entry array failed")
	}

	var iterErr error
	_, err = jsonparser.ArrayEach(entryArr, func(raw []byte, _ jsonparser.ValueType, _ int, _ error) {
		if iterErr != nil {
			return
		}
		e, parseErr := parseEntry(raw)
		if parseErr != nil {
			iterErr = parseErr
			return
		}
		entries = append(entries, e)
	})
	if iterErr != nil {
		return "", nil, iterErr
	}
	if err != nil {
		return "", nil, errors.Wrap(err, "ParseBundle: iterate entries failed")
	}
	return bundleType, entries, nil
}

func parseEntry(raw []byte) (Entry, error) {
	var e Entry
	e.FullURL, _ = jsonparser.GetString(raw, "fullUrl")
	e.Method = Method(mustGetString(raw, "request", "method"))
	e.RequestURL = mustGetString(raw, "request", "url")

	resBytes, _, _, getErr := jsonparser.Get(raw, "resource")
	if getErr == nil {
		res, parseErr := resource.NewFromJSON(resBytes)
		if parseErr != nil {
			return Entry{}, errors.Wrap(parseErr, "parseEntry: parse entry.resource failed")
		}
		e.Resource = res
	}
	return e, nil
}

func mustGetString(raw []byte, path ...string) string {
	s, err := jsonparser.GetString(raw, path...)
	if err != nil {
		return ""
	}
	return s
}

// UUIDPrePass implements spec §4.10 step 1: assign ids to UUID-fullUrl
// entries and record urn:uuid:X -> Type/id.
func UUIDPrePass(entries []Entry) ([]Entry, map[string]string, error) {
	refMap := make(map[string]string)
	out := make([]Entry, len(entries))
	copy(out, entries)

	for i, e := range out {
		if !strings.HasPrefix(e.FullURL, "urn:uuid:") || e.Resource == nil {
			continue
		}
		uuidStr := strings.TrimPrefix(e.FullURL, "urn:uuid:")
		id := e.Resource.Id()
		if id == "" {
			id = uuid.New().String()
		}
		seeded, err := e.Resource.WithID(id)
		if err != nil {
			return nil, nil, errors.Wrap(err, "UUIDPrePass: WithID failed")
		}
		out[i].Resource = seeded
		refMap["urn:uuid:"+uuidStr] = seeded.ResourceType() + "/" + id
	}
	return out, refMap, nil
}

// ReferenceRewrite implements spec §4.10 step 2: substitute every
// urn:uuid:X occurrence with its resolved Type/id. An entry whose
// resource still contains an unresolved "urn:uuid:" after rewriting is
// a structured entry-level error.
func ReferenceRewrite(entries []Entry, refMap map[string]string) ([]Entry, error) {
	bare := make(map[string]string, len(refMap))
	for k, v := range refMap {
		bare[strings.TrimPrefix(k, "urn:uuid:")] = v
	}

	out := make([]Entry, len(entries))
	copy(out, entries)
	for i, e := range out {
		if e.Resource == nil {
			continue
		}
		rewritten := resource.RewriteReferences(e.Resource.JSONBytes(), bare)
		if strings.Contains(string(rewritten), "urn:uuid:") {
			return nil, apperror.Validationf("entry %d: unresolved urn:uuid: reference after bundle pre-pass", i)
		}
		res, err := resource.NewFromJSON(rewritten)
		if err != nil {
			return nil, errors.Wrap(err, "ReferenceRewrite: reparse rewritten resource failed")
		}
		out[i].Resource = res
	}
	return out, nil
}

// ResponseEntry is one element of the response bundle spec §4.10 step 4
// describes.
type ResponseEntry struct {
	Status   string
	Location string
	Resource *resource.Resource
	Err      error
}

// Processor applies a parsed, pre-passed bundle.
type Processor struct {
	Write       *write.Pipeline
	Conditional *conditional.Resolver
	Bucket      string
}

// Apply implements spec §4.10 step 3/4. For a transaction bundle, tx
// must carry an Ambient TxContext every entry joins, so a failure aborts
// the whole bundle; for a batch bundle, tx.Ambient must be nil so each
// entry gets its own Fresh transaction and failures are isolated
// per-entry.
func (p *Processor) Apply(ctx context.Context, tx storage.TxCtxOrFresh, entries []Entry) ([]ResponseEntry, error) {
	responses := make([]ResponseEntry, len(entries))
	transactional := tx.Ambient != nil

	for i, e := range entries {
		resp, err := p.applyEntry(ctx, tx, e)
		if err != nil {
			if transactional {
				return nil, errors.Wrapf(err, "bundle entry %d failed, aborting transaction", i)
			}
			responses[i] = ResponseEntry{Status: strconv.Itoa(apperror.Classify(err).Kind.HTTPStatus()), Err: err}
			continue
		}
		responses[i] = resp
	}
	return responses, nil
}

func (p *Processor) applyEntry(ctx context.Context, tx storage.TxCtxOrFresh, e Entry) (ResponseEntry, error) {
	switch e.Method {
	case MethodPost:
		return p.applyPost(ctx, tx, e)
	case MethodPut:
		return p.applyPut(ctx, tx, e)
	case MethodDelete:
		return p.applyDelete(ctx, tx, e)
	default:
		return ResponseEntry{}, apperror.Validationf("unsupported bundle entry request.method %q", e.Method)
	}
}

func (p *Processor) applyPost(ctx context.Context, tx storage.TxCtxOrFresh, e Entry) (ResponseEntry, error) {
	if e.Resource == nil {
		return ResponseEntry{}, apperror.Validationf("POST entry missing resource")
	}

	criteria := conditionalCriteria(e.RequestURL)
	if len(criteria) > 0 {
		outcome, err := p.Conditional.Resolve(ctx, p.Bucket, e.Resource.ResourceType(), criteria)
		if err != nil {
			return ResponseEntry{}, err
		}
		if outcome.Kind == conditional.ManyMatch {
			return ResponseEntry{}, apperror.PreconditionFailedf("conditional create criteria matched more than one resource")
		}
		if outcome.Kind == conditional.OneMatch {
			return ResponseEntry{
				Status:   "200",
				Location: e.Resource.ResourceType() + "/" + outcome.ID,
			}, nil
		}
	}

	result, err := p.Write.Post(ctx, tx, e.Resource, "")
	if err != nil {
		return ResponseEntry{}, err
	}
	return ResponseEntry{Status: "201", Location: result.Key(), Resource: result}, nil
}

func (p *Processor) applyPut(ctx context.Context, tx storage.TxCtxOrFresh, e Entry) (ResponseEntry, error) {
	if e.Resource == nil {
		return ResponseEntry{}, apperror.Validationf("PUT entry missing resource")
	}

	resourceType, id, criteria := putTarget(e.RequestURL)
	if id == "" && len(criteria) > 0 {
		outcome, err := p.Conditional.Resolve(ctx, p.Bucket, resourceType, criteria)
		if err != nil {
			return ResponseEntry{}, err
		}
		switch outcome.Kind {
		case conditional.ManyMatch:
			return ResponseEntry{}, apperror.PreconditionFailedf("conditional update criteria matched more than one resource")
		case conditional.OneMatch:
			id = outcome.ID
		default:
			id = uuid.New().String()
		}
	}
	if id == "" {
		return ResponseEntry{}, apperror.Validationf("PUT entry %q has no resolvable id", e.RequestURL)
	}

	result, createdNew, err := p.Write.Put(ctx, tx, resourceType, id, "", e.Resource)
	if err != nil {
		return ResponseEntry{}, err
	}
	status := "200"
	if createdNew {
		status = "201"
	}
	return ResponseEntry{Status: status, Location: result.Key(), Resource: result}, nil
}

func (p *Processor) applyDelete(ctx context.Context, tx storage.TxCtxOrFresh, e Entry) (ResponseEntry, error) {
	resourceType, id, _ := putTarget(e.RequestURL)
	if id == "" {
		return ResponseEntry{}, apperror.Validationf("DELETE entry %q has no resolvable id", e.RequestURL)
	}
	if err := p.Write.Delete(ctx, tx, resourceType, id, true); err != nil {
		return ResponseEntry{}, err
	}
	return ResponseEntry{Status: "204", Location: resourceType + "/" + id}, nil
}

// putTarget splits a PUT/DELETE entry.request.url of shape
// "Type/id" or "Type?criteria" into its parts.
func putTarget(requestURL string) (resourceType, id string, criteria map[string][]string) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return "", "", nil
	}
	path := u.Path
	if idx := strings.Index(path, "/"); idx >= 0 {
		resourceType = path[:idx]
		id = path[idx+1:]
	} else {
		resourceType = path
	}
	if id == "" && u.RawQuery != "" {
		criteria = map[string][]string(u.Query())
	}
	return resourceType, id, criteria
}

// conditionalCriteria parses a POST entry.request.url's "Type?criteria"
// shape into a search criteria map; a bare "Type" yields nil (no
// conditional create).
func conditionalCriteria(requestURL string) map[string][]string {
	u, err := url.Parse(requestURL)
	if err != nil || u.RawQuery == "" {
		return nil
	}
	return map[string][]string(u.Query())
}
