// Package provenance implements the L4 Provenance & Idempotency Store:
// find_by_provenance/ensure_tagged/build_mapping_cache, backed by
// lookup scripts run through the evaluator and cached in memory for the
// current process.
package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/netresearch/j2o-core/internal/evaluator"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/netresearch/j2o-core/internal/railsgen"
	"github.com/netresearch/j2o-core/internal/sanitize"
)

// Store resolves "does Jira key K already exist in OpenProject?"
// through L1, caching results in memory for the current process. Never
// the sole source of truth: ProvenanceTag on the remote entity is
// authoritative; this cache is an accelerator only.
type Store struct {
	eval      *evaluator.Client
	composer  *railsgen.Composer
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu    sync.RWMutex
	cache map[string]int // "entityType:originKey" -> target_id
}

// New creates a Store.
func New(eval *evaluator.Client, composer *railsgen.Composer, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		eval:     eval,
		composer: composer,
		logger:   logger,
		metrics:  metrics,
		cache:    make(map[string]int),
	}
}

func cacheKey(entityType, originKey string) string {
	return entityType + ":" + originKey
}

// FindByProvenance looks up the OpenProject id for (entityType,
// originKey), checking the in-memory cache first and falling back to a
// remote lookup script against the relevant ActiveRecord model joined
// with custom values. Returns (0, false) if no match exists.
func (s *Store) FindByProvenance(ctx context.Context, entityType, originKey string) (int, bool, error) {
	key := cacheKey(entityType, originKey)

	s.mu.RLock()
	if id, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		s.metrics.RecordProvenanceLookup(entityType, "cache")
		return id, true, nil
	}
	s.mu.RUnlock()

	payload, err := json.Marshal(map[string]any{
		"entity_type": entityType,
		"origin_key":  originKey,
		"field":       sanitize.FieldOriginKey,
	})
	if err != nil {
		return 0, false, fmt.Errorf("provenance: marshal lookup payload: %w", err)
	}

	result, err := s.eval.ExecuteModel(ctx, s.composer, "provenance_lookup", entityType, 0, false, payload, 0)
	if err != nil {
		return 0, false, fmt.Errorf("provenance: execute lookup: %w", err)
	}

	var decoded struct {
		TargetID *int `json:"target_id"`
	}
	if err := json.Unmarshal(result.Raw, &decoded); err != nil {
		return 0, false, fmt.Errorf("provenance: decode lookup result: %w", err)
	}

	s.metrics.RecordProvenanceLookup(entityType, "remote")

	if decoded.TargetID == nil {
		return 0, false, nil
	}

	s.mu.Lock()
	s.cache[key] = *decoded.TargetID
	s.mu.Unlock()
	return *decoded.TargetID, true, nil
}

// EnsureTagged idempotently writes the four provenance custom-field
// values onto targetID. The caller's Load step composes the write as
// part of the model's own body template; EnsureTagged exists for
// components that need to (re)tag an entity outside the normal
// create-path Load (e.g. a rescue pass over entities missing a tag).
func (s *Store) EnsureTagged(ctx context.Context, entityType string, targetID int, tag sanitize.ProvenanceTag) error {
	payload, err := json.Marshal(map[string]any{
		"entity_type": entityType,
		"target_id":   targetID,
		"provenance":  tag.AsCustomFieldAssignments(),
	})
	if err != nil {
		return fmt.Errorf("provenance: marshal ensure_tagged payload: %w", err)
	}

	if _, err := s.eval.ExecuteModel(ctx, s.composer, "provenance_ensure_tagged", entityType, 0, false, payload, 0); err != nil {
		return fmt.Errorf("provenance: execute ensure_tagged: %w", err)
	}

	s.mu.Lock()
	s.cache[cacheKey(entityType, tag.OriginKey)] = targetID
	s.mu.Unlock()
	return nil
}

// BuildMappingCache scans OpenProject for all entities of entityType
// bearing a provenance tag and returns origin_key -> target_id,
// warming (or rebuilding) the in-memory cache as a side effect.
func (s *Store) BuildMappingCache(ctx context.Context, entityType string) (map[string]int, error) {
	payload, err := json.Marshal(map[string]any{"entity_type": entityType})
	if err != nil {
		return nil, fmt.Errorf("provenance: marshal scan payload: %w", err)
	}

	result, err := s.eval.ExecuteModel(ctx, s.composer, "provenance_scan", entityType, 0, false, payload, 0)
	if err != nil {
		return nil, fmt.Errorf("provenance: execute scan: %w", err)
	}

	var rows []struct {
		OriginKey string `json:"origin_key"`
		TargetID  int    `json:"target_id"`
	}
	if err := json.Unmarshal(result.Raw, &rows); err != nil {
		return nil, fmt.Errorf("provenance: decode scan result: %w", err)
	}

	mapping := make(map[string]int, len(rows))
	s.mu.Lock()
	for _, row := range rows {
		mapping[row.OriginKey] = row.TargetID
		s.cache[cacheKey(entityType, row.OriginKey)] = row.TargetID
	}
	s.mu.Unlock()

	return mapping, nil
}

// Invalidate drops entityType's cached entries, forcing the next
// FindByProvenance call to resolve remotely again.
func (s *Store) Invalidate(entityType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := entityType + ":"
	for k := range s.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.cache, k)
		}
	}
}
