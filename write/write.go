// Package write implements spec §4.4: POST, PUT, DELETE, the three
// write-pipeline components sharing a common archive/mutate/tombstone
// skeleton. Grounded on server/mongo_data_access.go's Post/Put/Delete,
// restructured so every step of a single operation runs inside one
// storage.TxContext per spec's Open Question #1 resolution (archive
// without remove is never an acceptable intermediate state).
package write

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/medblocks/fhir-core/apperror"
	"github.com/medblocks/fhir-core/audit"
	"github.com/medblocks/fhir-core/resource"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/storage"
)

const scope = "Resources"

// Pipeline bundles the collaborators every write operation needs.
type Pipeline struct {
	Routing *routing.Table
	Bucket  string
}

func versionKey(resourceType, id, versionID string) string {
	return resourceType + "/" + id + "/" + versionID
}

func liveKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// Post implements server-generated-id create: fresh id, versionId "1"
// (or a caller-chosen numeric seed), audit tag, single idempotent
// upsert (or a transaction join when invoked from a bundle). Grounded
// on mongoSession.Post/PostWithID.
func (p *Pipeline) Post(ctx context.Context, tx storage.TxCtxOrFresh, res *resource.Resource, versionSeed string) (*resource.Resource, error) {
	id := uuid.New().String()
	return p.postWithID(ctx, tx, id, res, versionSeed)
}

// PostWithID implements client-specified-id create (e.g. conditional
// create resolved to ZERO, or a bundle entry with a UUID placeholder
// already resolved to a concrete id).
func (p *Pipeline) PostWithID(ctx context.Context, tx storage.TxCtxOrFresh, id string, res *resource.Resource, versionSeed string) (*resource.Resource, error) {
	return p.postWithID(ctx, tx, id, res, versionSeed)
}

func (p *Pipeline) postWithID(ctx context.Context, tx storage.TxCtxOrFresh, id string, res *resource.Resource, versionSeed string) (*resource.Resource, error) {
	collection, err := p.Routing.TargetCollection(res.ResourceType())
	if err != nil {
		return nil, apperror.Validationf("%v", err)
	}

	seeded, err := res.WithID(id)
	if err != nil {
		return nil, errors.Wrap(err, "Post: seed id failed")
	}

	applied, err := audit.ApplyMeta(ctx, seeded, audit.MetaRequest{Op: audit.Create, RequestedVersionID: versionSeed})
	if err != nil {
		return nil, errors.Wrap(err, "Post: ApplyMeta failed")
	}

	var result *resource.Resource
	err = tx.Run(ctx, func(txc storage.TxContext) error {
		if err := txc.Replace(ctx, scope, collection, liveKey(res.ResourceType(), id), applied.JSONBytes()); err != nil {
			return err
		}
		result = applied
		return nil
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, err, "Post: transaction failed")
	}
	return result, nil
}

// Put implements create-or-update by client-specified id, spec §4.4's
// four ordered steps: archive current live (if any), compute new
// version, upsert new live, commit. Grounded on mongoSession.Put.
func (p *Pipeline) Put(ctx context.Context, tx storage.TxCtxOrFresh, resourceType, id string, conditionalVersionID string, res *resource.Resource) (result *resource.Resource, createdNew bool, err error) {
	collection, err := p.Routing.TargetCollection(resourceType)
	if err != nil {
		return nil, false, apperror.Validationf("%v", err)
	}

	err = tx.Run(ctx, func(txc storage.TxContext) error {
		key := liveKey(resourceType, id)
		currentBytes, present, getErr := txc.Get(ctx, scope, collection, key)
		if getErr != nil {
			return getErr
		}

		var currentVersionID string
		if present {
			current, parseErr := resource.NewFromJSON(currentBytes)
			if parseErr != nil {
				return errors.Wrap(parseErr, "Put: parse current live document failed")
			}
			currentVersionID = current.VersionId()
			if currentVersionID == "" {
				currentVersionID = "1"
			}

			if conditionalVersionID != "" && conditionalVersionID != currentVersionID {
				return apperror.PreconditionFailedf("If-Match version %s does not match current version %s", conditionalVersionID, currentVersionID)
			}

			// Step 1: archive current live into Versions.
			if archErr := txc.Replace(ctx, scope, routing.VersionsCollection, versionKey(resourceType, id, currentVersionID), currentBytes); archErr != nil {
				return errors.Wrap(archErr, "Put: archive to Versions failed")
			}
		} else {
			createdNew = true
		}

		// Step 2: compute new version + apply meta.
		seeded, seedErr := res.WithID(id)
		if seedErr != nil {
			return errors.Wrap(seedErr, "Put: seed id failed")
		}
		applied, applyErr := audit.ApplyMeta(ctx, seeded, audit.MetaRequest{
			Op:               audit.Update,
			CurrentVersionID: currentVersionID,
		})
		if applyErr != nil {
			return errors.Wrap(applyErr, "Put: ApplyMeta failed")
		}

		// Step 3: upsert new live document.
		if present {
			if casErr := txc.ReplaceWithCAS(ctx, scope, collection, key, currentVersionID, applied.JSONBytes()); casErr != nil {
				return casErr
			}
		} else {
			if insErr := txc.Replace(ctx, scope, collection, key, applied.JSONBytes()); insErr != nil {
				return insErr
			}
		}

		result = applied
		return nil
	})

	if err != nil {
		// The gateway may wrap the body's error (mongogateway's
		// RunTransaction does), so classify by its cause.
		cause := errors.Cause(err)
		if _, ok := cause.(storage.ErrCASMismatch); ok {
			return nil, false, apperror.Wrap(apperror.ConflictTransient, err, "Put: concurrent modification")
		}
		if appErr, ok := cause.(*apperror.Error); ok {
			return nil, false, appErr
		}
		return nil, false, apperror.Wrap(apperror.Internal, err, "Put: transaction failed")
	}
	return result, createdNew, nil
}

// Delete implements idempotent soft-delete: archive (if a live document
// exists), write a tombstone, remove the live document, commit -- all
// inside one transaction per spec §4.4/Open Question #1. Grounded on
// mongoSession.Delete/saveDeletionIntoHistory.
func (p *Pipeline) Delete(ctx context.Context, tx storage.TxCtxOrFresh, resourceType, id string, bumpVersionIfMissing bool) error {
	collection, err := p.Routing.TargetCollection(resourceType)
	if err != nil {
		return apperror.Validationf("%v", err)
	}

	return tx.Run(ctx, func(txc storage.TxContext) error {
		key := liveKey(resourceType, id)
		currentBytes, present, getErr := txc.Get(ctx, scope, collection, key)
		if getErr != nil {
			return getErr
		}

		// Spec §4.4 step 2/§8: a tombstone is only written when a live
		// document was actually archived. DELETE on an id that never
		// existed, or repeat-DELETE of an already-tombstoned id (no live
		// document either way), is a terminal no-op: no tombstone is
		// created or rewritten.
		if !present {
			return nil
		}

		current, parseErr := resource.NewFromJSON(currentBytes)
		if parseErr != nil {
			return errors.Wrap(parseErr, "Delete: parse current live document failed")
		}
		archivedVersionID := current.VersionId()
		if archivedVersionID == "" {
			archivedVersionID = "1"
		}
		if archErr := txc.Replace(ctx, scope, routing.VersionsCollection, versionKey(resourceType, id, archivedVersionID), currentBytes); archErr != nil {
			return errors.Wrap(archErr, "Delete: archive to Versions failed")
		}

		lastVersionID, verErr := (audit.MetaRequest{
			Op:                   audit.Delete,
			CurrentVersionID:     archivedVersionID,
			BumpVersionIfMissing: bumpVersionIfMissing,
		}).NextVersionID()
		if verErr != nil {
			return errors.Wrap(verErr, "Delete: version-id computation failed")
		}

		principal := audit.PrincipalFromContext(ctx)
		tombstone := buildTombstone(resourceType, id, lastVersionID, principal.Normalized())
		if tsErr := txc.Replace(ctx, scope, routing.TombstonesCollection, key, tombstone); tsErr != nil {
			return errors.Wrap(tsErr, "Delete: write tombstone failed")
		}

		if remErr := txc.Remove(ctx, scope, collection, key); remErr != nil {
			return errors.Wrap(remErr, "Delete: remove live document failed")
		}
		return nil
	})
}

// buildTombstone renders the tombstone document shape of spec §3:
// {resourceType, id, deletedAt, lastVersionId, deletedBy, reason,
// restorable}. restorable is always written true though no restore path
// is implemented -- spec's Open Question #2 treats restoration as out
// of scope.
func buildTombstone(resourceType, id, lastVersionID, deletedBy string) []byte {
	return []byte(fmt.Sprintf(
		`{"resourceType":%s,"id":%s,"deletedAt":%s,"lastVersionId":%s,"deletedBy":%s,"restorable":true}`,
		strconv.Quote(resourceType),
		strconv.Quote(id),
		strconv.Quote(time.Now().UTC().Format(time.RFC3339Nano)),
		strconv.Quote(lastVersionID),
		strconv.Quote(deletedBy),
	))
}
