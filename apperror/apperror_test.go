package apperror

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		Validation:            http.StatusUnprocessableEntity,
		NotFound:              http.StatusNotFound,
		Gone:                  http.StatusGone,
		PreconditionFailed:    http.StatusPreconditionFailed,
		ConflictTransient:     http.StatusConflict,
		UnavailableDownstream: http.StatusServiceUnavailable,
		Internal:              http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus())
	}
}

func TestNotFoundf(t *testing.T) {
	err := NotFoundf("%s/%s not found", "Patient", "123")
	assert.Equal(t, NotFound, err.Kind)
	assert.Equal(t, "Patient/123 not found", err.Message)
	assert.Nil(t, err.Cause)
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(UnavailableDownstream, cause, "KVGet failed")
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "KVGet failed")
}

func TestClassifyPassesThroughAppError(t *testing.T) {
	original := PreconditionFailedf("criteria matched more than one resource")
	classified := Classify(original)
	assert.Same(t, original, classified)
}

func TestClassifyWrapsPlainError(t *testing.T) {
	plain := errors.New("connection reset")
	classified := Classify(plain)
	assert.Equal(t, Internal, classified.Kind)
	assert.Equal(t, "connection reset", classified.Message)
	assert.Equal(t, plain, classified.Cause)
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestStringer(t *testing.T) {
	assert.Equal(t, "not-found", NotFound.String())
	assert.Equal(t, "conflict", ConflictTransient.String())
	assert.Equal(t, "internal", Internal.String())
}
