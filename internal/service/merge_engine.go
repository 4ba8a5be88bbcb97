package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/repository"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

// entityStore is the persistence surface the merge engine needs. Every call is
// expected to run inside the caller's transaction.
type entityStore interface {
	entityLookup
	LoadForUpdate(ctx context.Context, t models.EntityType, id string) (*models.Entity, error)
	Insert(ctx context.Context, e *models.Entity, columns []string) error
	Update(ctx context.Context, e *models.Entity, columns []string) error
	LockScope(ctx context.Context, scope string) error
}

// MergeEngine applies an approved update request onto the live entity.
type MergeEngine struct {
	store    entityStore
	registry *EntityRegistry
	now      func() time.Time
	newID    func() string
}

// MergeEngineOption configures the engine.
type MergeEngineOption func(*MergeEngine)

// WithMergeClock overrides the timestamp source.
func WithMergeClock(now func() time.Time) MergeEngineOption {
	return func(m *MergeEngine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMergeIDGenerator overrides how new entity ids are assigned.
func WithMergeIDGenerator(newID func() string) MergeEngineOption {
	return func(m *MergeEngine) {
		if newID != nil {
			m.newID = newID
		}
	}
}

// NewMergeEngine constructs the engine.
func NewMergeEngine(store entityStore, registry *EntityRegistry, opts ...MergeEngineOption) *MergeEngine {
	m := &MergeEngine{
		store:    store,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Merge overlays the request data onto the current entity, revalidates the
// entity as a whole and persists it. Creation requests produce a new entity
// with a fresh id. Invariant violations yield a merge conflict and nothing is
// written.
func (m *MergeEngine) Merge(ctx context.Context, req *models.UpdateRequest) (*models.Entity, error) {
	strategy, ok := m.registry.Strategy(req.EntityType)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported entity type %q", req.EntityType))
	}
	var data map[string]any
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrMergeConflict, err, "update request data is not a JSON object")
	}
	patch, violations := m.registry.NormalizePatch(req.EntityType, data)
	if len(violations) > 0 {
		return nil, violationError(appErrors.ErrMergeConflict, "update request data no longer satisfies field rules", violations)
	}

	if strategy.Scoped {
		if err := m.store.LockScope(ctx, string(req.EntityType)); err != nil {
			return nil, err
		}
	}

	now := m.now()
	var (
		entity  *models.Entity
		changed []string
	)
	if req.IsCreation() {
		entity = models.NewEntity(req.EntityType, m.newID())
		entity.CreatedAt = now
		for field, value := range m.registry.Defaults(req.EntityType) {
			entity.Fields[field] = value
		}
		for field, value := range patch {
			entity.Fields[field] = value
		}
		changed = sortedKeys(entity.Fields)
	} else {
		current, err := m.store.LoadForUpdate(ctx, req.EntityType, *req.EntityID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("%s %s not found", req.EntityType, *req.EntityID))
			}
			return nil, err
		}
		entity = current
		entity.Unlinked = nil
		for _, field := range sortedKeys(patch) {
			previous := entity.Fields[field]
			if sameValue(previous, patch[field]) {
				continue
			}
			if rule, _ := strategy.Field(field); rule.Kind == FieldRef {
				if id, ok := previous.(string); ok && id != "" {
					entity.Unlinked = append(entity.Unlinked, models.EntityRef{Type: rule.Ref, ID: id})
				}
			}
			entity.Fields[field] = patch[field]
			changed = append(changed, field)
		}
	}

	if strategy.Prepare != nil {
		changed = append(changed, strategy.Prepare(entity)...)
	}

	violations, err := m.registry.ValidateEntity(ctx, entity)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, violationError(appErrors.ErrMergeConflict, fmt.Sprintf("merged %s violates its invariants", req.EntityType), violations)
	}

	entity.UpdatedAt = now
	if req.IsCreation() {
		err = m.store.Insert(ctx, entity, changed)
	} else {
		err = m.store.Update(ctx, entity, changed)
	}
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.WrapAs(appErrors.ErrMergeConflict, err, fmt.Sprintf("merged %s collides with an existing record", req.EntityType))
		}
		return nil, err
	}
	return entity, nil
}

func sameValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}
