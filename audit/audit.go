// Package audit implements spec §4.2: uniform meta/audit application
// across CREATE/UPDATE/DELETE. Grounded on
// server/mongo_data_access.go's updateResourceMeta, generalized to add
// profile merging and the audit tag that function does not set.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/medblocks/fhir-core/resource"
)

// Op names which write path is calling ApplyMeta, selecting the audit
// tag code per spec §4.2.
type Op int

const (
	Create Op = iota
	Update
	Delete
)

func (op Op) auditCode() string {
	switch op {
	case Create:
		return "created-by"
	case Update:
		return "updated-by"
	default:
		return "deleted-by"
	}
}

// principalKey is the context key the ambient security context (an
// external collaborator per spec §1) is read from.
type principalKey struct{}

// Principal identifies the actor performing a mutation.
type Principal struct {
	// Kind is "user" or "system"; an empty Kind is treated as "user". An
	// empty ID normalizes to "user:anonymous" whatever the Kind.
	Kind string
	ID   string
}

func (p Principal) Normalized() string {
	if p.ID == "" {
		return "user:anonymous"
	}
	kind := p.Kind
	if kind == "" {
		kind = "user"
	}
	return kind + ":" + p.ID
}

// WithPrincipal attaches the acting principal to ctx, the explicit
// per-request value spec §9's design notes call for in place of a
// thread-local ambient security context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext resolves the current principal, defaulting to
// anonymous when the context carries none -- spec §4.2's "missing
// context maps to anonymous".
func PrincipalFromContext(ctx context.Context) Principal {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}
	}
	return p
}

// MetaRequest carries the caller-supplied overrides ApplyMeta may honor.
type MetaRequest struct {
	Op Op

	// RequestedVersionID, when non-empty, is used verbatim (CREATE seed
	// or UPDATE target version per spec §4.2's version-id rules).
	RequestedVersionID string
	// CurrentVersionID is the resource's current version, if any (empty
	// on CREATE of a brand new id).
	CurrentVersionID string
	// BumpVersionIfMissing applies only to DELETE.
	BumpVersionIfMissing bool

	// LastUpdated overrides the default now() timestamp, if the caller
	// supplied one.
	LastUpdated *time.Time
	// Profiles to union-merge into meta.profile (stable order).
	Profiles []string
}

// NextVersionID implements spec §4.2's version-id rules.
func (r MetaRequest) NextVersionID() (string, error) {
	switch r.Op {
	case Create:
		if r.RequestedVersionID != "" {
			if _, err := strconv.Atoi(r.RequestedVersionID); err != nil {
				return "", errors.Errorf("CREATE versionId must be numeric, got %q", r.RequestedVersionID)
			}
			return r.RequestedVersionID, nil
		}
		return "1", nil

	case Update:
		if r.RequestedVersionID != "" {
			return r.RequestedVersionID, nil
		}
		if r.CurrentVersionID != "" {
			cur, err := strconv.Atoi(r.CurrentVersionID)
			if err != nil {
				return "", errors.Errorf("current versionId %q is not numeric", r.CurrentVersionID)
			}
			return strconv.Itoa(cur + 1), nil
		}
		return "1", nil

	default: // Delete
		if r.BumpVersionIfMissing {
			if r.CurrentVersionID == "" {
				return "1", nil
			}
			cur, err := strconv.Atoi(r.CurrentVersionID)
			if err != nil {
				return "", errors.Errorf("current versionId %q is not numeric", r.CurrentVersionID)
			}
			return strconv.Itoa(cur + 1), nil
		}
		return r.CurrentVersionID, nil
	}
}

// ApplyMeta sets lastUpdated, versionId, merges profiles, and appends
// the audit tag, returning a new *resource.Resource (stored documents
// are never mutated in place).
func ApplyMeta(ctx context.Context, res *resource.Resource, req MetaRequest) (*resource.Resource, error) {
	versionID, err := req.NextVersionID()
	if err != nil {
		return nil, errors.Wrap(err, "ApplyMeta: version-id computation failed")
	}

	lastUpdated := time.Now().UTC()
	if req.LastUpdated != nil {
		lastUpdated = *req.LastUpdated
	}

	updated, err := res.WithMeta(versionID, lastUpdated)
	if err != nil {
		return nil, errors.Wrap(err, "ApplyMeta: WithMeta failed")
	}

	if len(req.Profiles) > 0 {
		updated, err = updated.WithProfiles(req.Profiles)
		if err != nil {
			return nil, errors.Wrap(err, "ApplyMeta: WithProfiles failed")
		}
	}

	principal := PrincipalFromContext(ctx)
	updated, err = updated.WithTag(resourceAuditSystem, req.Op.auditCode(), principal.Normalized())
	if err != nil {
		return nil, errors.Wrap(err, "ApplyMeta: WithTag failed")
	}

	return updated, nil
}

// resourceAuditSystem is the canonical audit-tag coding system (spec's
// Open Question #3 resolution).
const resourceAuditSystem = "couchbase.fhir.com/custom-tags"
