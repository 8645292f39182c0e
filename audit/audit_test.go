package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medblocks/fhir-core/resource"
)

func TestPrincipalNormalized(t *testing.T) {
	assert.Equal(t, "user:anonymous", Principal{}.Normalized())
	assert.Equal(t, "user:alice", Principal{ID: "alice"}.Normalized())
	assert.Equal(t, "system:batch-job", Principal{Kind: "system", ID: "batch-job"}.Normalized())
}

func TestPrincipalFromContextDefaultsAnonymous(t *testing.T) {
	p := PrincipalFromContext(context.Background())
	assert.Equal(t, "user:anonymous", p.Normalized())
}

func TestWithPrincipalRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{Kind: "user", ID: "alice"})
	p := PrincipalFromContext(ctx)
	assert.Equal(t, "alice", p.ID)
}

func TestNextVersionIDCreate(t *testing.T) {
	v, err := MetaRequest{Op: Create}.NextVersionID()
	assert.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = MetaRequest{Op: Create, RequestedVersionID: "5"}.NextVersionID()
	assert.NoError(t, err)
	assert.Equal(t, "5", v)

	_, err = MetaRequest{Op: Create, RequestedVersionID: "abc"}.NextVersionID()
	assert.Error(t, err)
}

func TestNextVersionIDUpdate(t *testing.T) {
	v, err := MetaRequest{Op: Update, CurrentVersionID: "3"}.NextVersionID()
	assert.NoError(t, err)
	assert.Equal(t, "4", v)

	v, err = MetaRequest{Op: Update}.NextVersionID()
	assert.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = MetaRequest{Op: Update, RequestedVersionID: "9"}.NextVersionID()
	assert.NoError(t, err)
	assert.Equal(t, "9", v)
}

func TestNextVersionIDDelete(t *testing.T) {
	v, err := MetaRequest{Op: Delete, CurrentVersionID: "3"}.NextVersionID()
	assert.NoError(t, err)
	assert.Equal(t, "3", v, "delete keeps current version unless bumping")

	v, err = MetaRequest{Op: Delete, BumpVersionIfMissing: true, CurrentVersionID: "3"}.NextVersionID()
	assert.NoError(t, err)
	assert.Equal(t, "4", v)

	v, err = MetaRequest{Op: Delete, BumpVersionIfMissing: true}.NextVersionID()
	assert.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestApplyMetaCreateSetsVersionAndAuditTag(t *testing.T) {
	res, err := resource.NewFromJSON([]byte(`{"resourceType":"Patient","id":"1"}`))
	assert.NoError(t, err)

	ctx := WithPrincipal(context.Background(), Principal{Kind: "user", ID: "alice"})
	updated, err := ApplyMeta(ctx, res, MetaRequest{Op: Create})
	assert.NoError(t, err)
	assert.Equal(t, "1", updated.VersionId())
	assert.Contains(t, string(updated.JSONBytes()), "couchbase.fhir.com/custom-tags")
	assert.Contains(t, string(updated.JSONBytes()), "user:alice")
}

func TestApplyMetaHonorsExplicitLastUpdated(t *testing.T) {
	res, err := resource.NewFromJSON([]byte(`{"resourceType":"Patient","id":"1"}`))
	assert.NoError(t, err)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	updated, err := ApplyMeta(context.Background(), res, MetaRequest{Op: Create, LastUpdated: &ts})
	assert.NoError(t, err)
	got, err := updated.LastUpdatedTime()
	assert.NoError(t, err)
	assert.True(t, ts.Equal(got))
}
