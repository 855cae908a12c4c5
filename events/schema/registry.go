// Package schema implements the versioned event schema registry. Schemas
// are identified by (eventType, version); registration is idempotent for
// identical documents and rejects hash conflicts. Resolution caches compiled
// validators with separate positive and negative TTLs.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
)

type (
	// Options configures a Registry.
	Options struct {
		// Store persists schema rows. Required.
		Store store.EventStore
		// CacheTTL bounds positive cache entries. Defaults to 1m.
		CacheTTL time.Duration
		// NegativeCacheTTL bounds cached misses. Defaults to 10s.
		NegativeCacheTTL time.Duration
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records registry activity. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Registry registers and resolves event schemas.
	Registry struct {
		store   store.EventStore
		ttl     time.Duration
		negTTL  time.Duration
		clock   clock.Clock
		logger  telemetry.Logger
		mu      sync.Mutex
		entries map[string]*cacheEntry
	}

	// Resolved is a schema row plus its compiled validator.
	Resolved struct {
		Schema    *events.Schema
		Validator *jsonschema.Schema
	}

	// RegisterOptions tunes one registration.
	RegisterOptions struct {
		// Version pins the schema version. Zero means next integer.
		Version int
		// Status is the lifecycle status. Defaults to active.
		Status events.SchemaStatus
		// Metadata is attached to the schema row.
		Metadata map[string]any
	}

	// ResolveOptions selects which schema version to resolve.
	ResolveOptions struct {
		// Version pins an exact version. Zero selects by status.
		Version int
		// Statuses filters by lifecycle status when Version is zero.
		// Defaults to active.
		Statuses []events.SchemaStatus
	}

	cacheEntry struct {
		resolved *Resolved
		miss     bool
		expires  time.Time
	}
)

// metadataSchemaKey marks annotated envelopes.
const metadataSchemaKey = "schemaValidated"

// NewRegistry validates the options and builds a registry.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("schema: store is required")
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.NegativeCacheTTL <= 0 {
		opts.NegativeCacheTTL = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Registry{
		store:   opts.Store,
		ttl:     opts.CacheTTL,
		negTTL:  opts.NegativeCacheTTL,
		clock:   opts.Clock,
		logger:  opts.Logger,
		entries: make(map[string]*cacheEntry),
	}, nil
}

// Register stores a schema version for the event type. Registering an
// identical document for an existing version is idempotent and may change
// status and metadata; a different document for the same version is
// rejected. A zero version allocates the next integer.
func (r *Registry) Register(ctx context.Context, eventType string, doc []byte, opts RegisterOptions) (*events.Schema, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, apperr.New(apperr.KindValidation, "event type is required")
	}
	canonical, err := events.CanonicalJSON(json.RawMessage(doc))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "schema document is not valid JSON")
	}
	if _, err := compile(canonical); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "schema document does not compile")
	}
	hash := events.HashRaw(canonical)
	status := opts.Status
	if status == "" {
		status = events.SchemaStatusActive
	}
	version := opts.Version
	if version < 0 {
		return nil, apperr.New(apperr.KindValidation, "schema version must be positive")
	}
	if version == 0 {
		existing, err := r.store.ListSchemas(ctx, eventType)
		if err != nil {
			return nil, fmt.Errorf("schema: list versions: %w", err)
		}
		for _, s := range existing {
			if s.Version >= version {
				version = s.Version
			}
		}
		version++
	}
	now := r.clock.Now()
	row := &events.Schema{
		EventType:  eventType,
		Version:    version,
		Status:     status,
		Schema:     canonical,
		SchemaHash: hash,
		Metadata:   opts.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.UpsertSchema(ctx, row); err != nil {
		if err == store.ErrVersionExists {
			return nil, apperr.New(apperr.KindConflict, "schema %s@%d already registered with a different document", eventType, version)
		}
		return nil, fmt.Errorf("schema: persist: %w", err)
	}
	r.invalidate(eventType)
	r.logger.Info(ctx, "schema.registered", "eventType", eventType, "version", version, "status", string(status))
	return row, nil
}

// Resolve returns the schema row plus a compiled validator, or ErrNotFound.
// Hits are cached for the positive TTL, misses for the negative TTL.
func (r *Registry) Resolve(ctx context.Context, eventType string, opts ResolveOptions) (*Resolved, error) {
	key := cacheKey(eventType, opts)
	now := r.clock.Now()
	r.mu.Lock()
	if e, ok := r.entries[key]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		if e.miss {
			return nil, store.ErrNotFound
		}
		return e.resolved, nil
	}
	r.mu.Unlock()

	row, err := r.lookup(ctx, eventType, opts)
	if err == store.ErrNotFound {
		r.mu.Lock()
		r.entries[key] = &cacheEntry{miss: true, expires: now.Add(r.negTTL)}
		r.mu.Unlock()
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	validator, err := compile(row.Schema)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s@%d: %w", row.EventType, row.Version, err)
	}
	resolved := &Resolved{Schema: row, Validator: validator}
	r.mu.Lock()
	r.entries[key] = &cacheEntry{resolved: resolved, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return resolved, nil
}

func (r *Registry) lookup(ctx context.Context, eventType string, opts ResolveOptions) (*events.Schema, error) {
	if opts.Version > 0 {
		return r.store.GetSchema(ctx, eventType, opts.Version)
	}
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []events.SchemaStatus{events.SchemaStatusActive}
	}
	return r.store.LatestSchema(ctx, eventType, statuses)
}

// Annotate validates the envelope payload against the resolved schema and
// fills SchemaVersion, SchemaHash, and the validation marker. A missing
// schema leaves the envelope untouched unless enforce is set. An envelope
// that already carries a version or hash disagreeing with the registry
// fails regardless of enforce.
func (r *Registry) Annotate(ctx context.Context, env *events.Envelope, enforce bool) error {
	opts := ResolveOptions{}
	if env.SchemaVersion > 0 {
		opts.Version = env.SchemaVersion
	}
	resolved, err := r.Resolve(ctx, env.Type, opts)
	if err == store.ErrNotFound {
		if enforce {
			return apperr.New(apperr.KindSchemaMismatch, "no schema registered for event type %q", env.Type)
		}
		return nil
	}
	if err != nil {
		return err
	}
	row := resolved.Schema
	if env.SchemaVersion > 0 && env.SchemaVersion != row.Version {
		return apperr.New(apperr.KindSchemaMismatch, "envelope schema version %d does not match registry version %d", env.SchemaVersion, row.Version)
	}
	if env.SchemaHash != "" && env.SchemaHash != row.SchemaHash {
		return apperr.New(apperr.KindSchemaMismatch, "envelope schema hash does not match registry hash for %s@%d", row.EventType, row.Version)
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(env.Payload))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "envelope payload is not valid JSON")
	}
	if err := resolved.Validator.Validate(payload); err != nil {
		return apperr.Wrap(apperr.KindSchemaMismatch, err, "payload does not satisfy schema %s@%d", row.EventType, row.Version)
	}
	env.SchemaVersion = row.Version
	env.SchemaHash = row.SchemaHash
	if env.Metadata == nil {
		env.Metadata = make(map[string]any)
	}
	env.Metadata[metadataSchemaKey] = true
	return nil
}

// invalidate drops every cache entry for the event type.
func (r *Registry) invalidate(eventType string) {
	prefix := eventType + "|"
	r.mu.Lock()
	for k := range r.entries {
		if strings.HasPrefix(k, prefix) {
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()
}

func cacheKey(eventType string, opts ResolveOptions) string {
	if opts.Version > 0 {
		return eventType + "|v=" + strconv.Itoa(opts.Version)
	}
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []events.SchemaStatus{events.SchemaStatusActive}
	}
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	sort.Strings(parts)
	return eventType + "|s=" + strings.Join(parts, ",")
}

func compile(doc []byte) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", parsed); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}
