// Package config implements spec §6's per-bucket configuration document
// and the concurrent-read cache of spec §5 ("a per-bucket configuration
// cache is concurrent-read; mutations invalidate entries by bucket").
// Field layout and the "exported struct of named knobs with a package
// default" pattern are grounded on server/config.go's Config/
// DefaultConfig.
package config

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/medblocks/fhir-core/apperror"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/storage"
)

// DocumentKey is the fixed key spec §6 names: "the per-bucket
// configuration document is read at bucket.Admin.config with key
// fhir-config".
const DocumentKey = "fhir-config"

const scope = "Resources"

// ValidationMode is one of strict|lenient|disabled, spec §6.
type ValidationMode string

const (
	ValidationStrict   ValidationMode = "strict"
	ValidationLenient  ValidationMode = "lenient"
	ValidationDisabled ValidationMode = "disabled"
)

// RotationBy is one of size|days, spec §6.
type RotationBy string

const (
	RotationBySize RotationBy = "size"
	RotationByDays RotationBy = "days"
)

// Validation mirrors the "validation" object of the configuration
// document.
type Validation struct {
	Mode    ValidationMode `json:"mode"`
	Profile string         `json:"profile,omitempty"`
}

// Logs mirrors the "logs" object of the configuration document.
type Logs struct {
	EnableSystem      bool       `json:"enableSystem"`
	EnableCRUDAudit   bool       `json:"enableCRUDAudit"`
	EnableSearchAudit bool       `json:"enableSearchAudit"`
	RotationBy        RotationBy `json:"rotationBy"`
	Number            int        `json:"number"`
	S3Endpoint        string     `json:"s3Endpoint,omitempty"`
}

// Bucket is the per-bucket configuration document of spec §6. Its
// absence marks a bucket "not FHIR-enabled" -- a terminal error for
// data-path operations on that bucket.
type Bucket struct {
	FHIRRelease string     `json:"fhirRelease"`
	Validation  Validation `json:"validation"`
	Logs        Logs       `json:"logs"`
}

// Default mirrors server/config.go's DefaultConfig: a reasonable
// starting point for a freshly provisioned bucket, not a fallback used
// when the document is actually absent (absence is a hard error, per
// spec §6).
var Default = Bucket{
	FHIRRelease: "R4",
	Validation:  Validation{Mode: ValidationLenient},
	Logs: Logs{
		EnableSystem:      true,
		EnableCRUDAudit:   true,
		EnableSearchAudit: false,
		RotationBy:        RotationByDays,
		Number:            7,
	},
}

// Cache is the concurrent-read per-bucket configuration cache of spec
// §5, backed by the Storage Gateway's Admin collection.
type Cache struct {
	Gateway storage.Gateway

	mu      sync.RWMutex
	entries map[string]Bucket
}

// NewCache builds an empty Cache over gateway.
func NewCache(gateway storage.Gateway) *Cache {
	return &Cache{Gateway: gateway, entries: make(map[string]Bucket)}
}

// Get returns bucket's configuration, reading through to the Admin
// collection on a cache miss. A missing document yields
// apperror.NotFound ("not FHIR-enabled"), per spec §6.
func (c *Cache) Get(ctx context.Context, bucket string) (Bucket, error) {
	c.mu.RLock()
	cfg, ok := c.entries[bucket]
	c.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	raw, err := c.Gateway.KVGet(ctx, bucket, scope, routing.AdminCollection, DocumentKey)
	if err != nil {
		return Bucket{}, apperror.Wrap(apperror.UnavailableDownstream, err, "config: KVGet failed")
	}
	if raw == nil {
		return Bucket{}, apperror.NotFoundf("bucket %q is not FHIR-enabled: no %s document", bucket, DocumentKey)
	}

	var cfgDoc Bucket
	if err := json.Unmarshal(raw, &cfgDoc); err != nil {
		return Bucket{}, errors.Wrap(err, "config: parse configuration document failed")
	}

	c.mu.Lock()
	c.entries[bucket] = cfgDoc
	c.mu.Unlock()
	return cfgDoc, nil
}

// Invalidate drops bucket's cached entry, per spec §5's "mutations
// invalidate entries by bucket".
func (c *Cache) Invalidate(bucket string) {
	c.mu.Lock()
	delete(c.entries, bucket)
	c.mu.Unlock()
}

// Put writes bucket's configuration document and invalidates the cache
// entry so the next Get reads the new value through.
func (c *Cache) Put(ctx context.Context, bucket string, cfg Bucket) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "config: marshal configuration document failed")
	}
	if err := c.Gateway.KVUpsert(ctx, bucket, scope, routing.AdminCollection, DocumentKey, raw); err != nil {
		return apperror.Wrap(apperror.UnavailableDownstream, err, "config: KVUpsert failed")
	}
	c.Invalidate(bucket)
	return nil
}
