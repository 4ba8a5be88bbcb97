package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/repository"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

const (
	orgID      = "0b6f3c52-4d1e-4c39-9a55-8a0a3f7f2a01"
	serviceID  = "0b6f3c52-4d1e-4c39-9a55-8a0a3f7f2a02"
	locationID = "0b6f3c52-4d1e-4c39-9a55-8a0a3f7f2a03"
	persona1ID = "0b6f3c52-4d1e-4c39-9a55-8a0a3f7f2a04"
	persona2ID = "0b6f3c52-4d1e-4c39-9a55-8a0a3f7f2a05"
	newID      = "0b6f3c52-4d1e-4c39-9a55-8a0a3f7f2aff"

	otherServiceID    = "0b6f3c52-4d1e-4c39-9a55-8a0a3f7f2a06"
	serviceLocationID = "0b6f3c52-4d1e-4c39-9a55-8a0a3f7f2a07"
)

// memoryEntityStore keeps entities in maps and supports snapshot/restore so
// the transaction stub can roll back.
type memoryEntityStore struct {
	mu          sync.Mutex
	rows        map[models.EntityType]map[string]*models.Entity
	locks       []string
	inserts     int
	updates     int
	lastColumns []string
	writeErr    error
}

func newMemoryEntityStore() *memoryEntityStore {
	return &memoryEntityStore{rows: make(map[models.EntityType]map[string]*models.Entity)}
}

func (m *memoryEntityStore) put(t models.EntityType, id string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := models.NewEntity(t, id)
	for k, v := range fields {
		e.Fields[k] = v
	}
	if m.rows[t] == nil {
		m.rows[t] = make(map[string]*models.Entity)
	}
	m.rows[t][id] = e
}

func (m *memoryEntityStore) get(t models.EntityType, id string) *models.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rows[t][id]; ok {
		return e.Clone()
	}
	return nil
}

func (m *memoryEntityStore) snapshot() map[models.EntityType]map[string]*models.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.EntityType]map[string]*models.Entity, len(m.rows))
	for t, rows := range m.rows {
		out[t] = make(map[string]*models.Entity, len(rows))
		for id, e := range rows {
			out[t][id] = e.Clone()
		}
	}
	return out
}

func (m *memoryEntityStore) restore(rows map[models.EntityType]map[string]*models.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = rows
}

func (m *memoryEntityStore) Exists(ctx context.Context, t models.EntityType, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[t][id]
	return ok, nil
}

func (m *memoryEntityStore) ExistsWhere(ctx context.Context, t models.EntityType, match map[string]interface{}, excludeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.rows[t] {
		if id == excludeID {
			continue
		}
		matched := true
		for field, value := range match {
			if !sameValue(row.Fields[field], value) {
				matched = false
				break
			}
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryEntityStore) LoadForUpdate(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	if e := m.get(t, id); e != nil {
		return e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memoryEntityStore) Insert(ctx context.Context, e *models.Entity, columns []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.inserts++
	m.lastColumns = append([]string(nil), columns...)
	if m.rows[e.Type] == nil {
		m.rows[e.Type] = make(map[string]*models.Entity)
	}
	m.rows[e.Type][e.ID] = e.Clone()
	return nil
}

func (m *memoryEntityStore) Update(ctx context.Context, e *models.Entity, columns []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	existing, ok := m.rows[e.Type][e.ID]
	if !ok {
		return sql.ErrNoRows
	}
	m.updates++
	m.lastColumns = append([]string(nil), columns...)
	for _, column := range columns {
		existing.Fields[column] = e.Fields[column]
	}
	existing.UpdatedAt = e.UpdatedAt
	return nil
}

func (m *memoryEntityStore) LockScope(ctx context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, scope)
	return nil
}

func newTestMergeEngine(store *memoryEntityStore) *MergeEngine {
	registry := NewEntityRegistry(store, nil)
	return NewMergeEngine(store, registry,
		WithMergeClock(func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }),
		WithMergeIDGenerator(func() string { return newID }),
	)
}

func seedPersonas(store *memoryEntityStore) {
	store.put(models.EntityCollectionPersona, persona1ID, map[string]any{"name": "Carers", "order": int64(1), "enabled": true})
	store.put(models.EntityCollectionPersona, persona2ID, map[string]any{"name": "Parents", "order": int64(2), "enabled": true})
}

// seedServiceLocation links serviceID to locationID and adds a second service
// the link can move to.
func seedServiceLocation(store *memoryEntityStore) {
	store.put(models.EntityOrganisation, orgID, map[string]any{"name": "Council", "slug": "council", "description": "Local council"})
	for id, name := range map[string]string{serviceID: "Library", otherServiceID: "Mobile Library"} {
		store.put(models.EntityService, id, map[string]any{
			"organisation_id": orgID,
			"name":            name,
			"type":            "service",
			"status":          "active",
			"intro":           "Books",
			"description":     "Lots of books",
			"is_free":         true,
		})
	}
	store.put(models.EntityLocation, locationID, map[string]any{"address_line_1": "1 High St", "city": "Hounslow", "postcode": "TW3 1AA", "country": "United Kingdom"})
	store.put(models.EntityServiceLocation, serviceLocationID, map[string]any{"service_id": serviceID, "location_id": locationID})
}

func updateRequestFor(t models.EntityType, entityID string, data string) *models.UpdateRequest {
	req := &models.UpdateRequest{
		ID:          fmt.Sprintf("ur-%s-%d", t, time.Now().UnixNano()),
		EntityType:  t,
		Data:        []byte(data),
		Status:      models.UpdateRequestStatusPending,
		SubmittedBy: "user-1",
	}
	if entityID != "" {
		req.EntityID = &entityID
	}
	return req
}

func TestMergeOverlaysOnlyChangedFields(t *testing.T) {
	store := newMemoryEntityStore()
	seedPersonas(store)
	engine := newTestMergeEngine(store)

	entity, err := engine.Merge(context.Background(), updateRequestFor(models.EntityCollectionPersona, persona1ID, `{"name":"Carers","intro":"Support for carers"}`))
	require.NoError(t, err)
	assert.Equal(t, "Support for carers", entity.Fields["intro"])
	assert.Equal(t, []string{"intro"}, store.lastColumns)
	assert.Equal(t, []string{string(models.EntityCollectionPersona)}, store.locks)
	assert.Equal(t, "Support for carers", store.get(models.EntityCollectionPersona, persona1ID).Fields["intro"])
}

func TestMergeCreatesEntityWithFreshID(t *testing.T) {
	store := newMemoryEntityStore()
	engine := newTestMergeEngine(store)

	req := updateRequestFor(models.EntityLocation, "", `{"name":"New Centre","address_line_1":"1 High St","city":"Hounslow","postcode":"TW3 1AA","country":"United Kingdom"}`)
	entity, err := engine.Merge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, newID, entity.ID)
	assert.Equal(t, false, entity.Fields["has_wheelchair_access"])
	assert.False(t, entity.CreatedAt.IsZero())
	assert.Equal(t, 1, store.inserts)
	require.NotNil(t, store.get(models.EntityLocation, newID))
	assert.Empty(t, store.locks)
}

func TestMergeDerivesSlugOnCreate(t *testing.T) {
	store := newMemoryEntityStore()
	engine := newTestMergeEngine(store)

	entity, err := engine.Merge(context.Background(), updateRequestFor(models.EntityOrganisation, "", `{"name":"Hounslow Carers Hub","description":"Help for carers"}`))
	require.NoError(t, err)
	assert.Equal(t, "hounslow-carers-hub", entity.Fields["slug"])
	assert.Contains(t, store.lastColumns, "slug")
}

func TestMergeMissingEntityIsNotFound(t *testing.T) {
	store := newMemoryEntityStore()
	engine := newTestMergeEngine(store)

	_, err := engine.Merge(context.Background(), updateRequestFor(models.EntityCollectionPersona, persona1ID, `{"name":"Carers"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestMergeSiblingOrderConflict(t *testing.T) {
	store := newMemoryEntityStore()
	seedPersonas(store)
	engine := newTestMergeEngine(store)

	_, err := engine.Merge(context.Background(), updateRequestFor(models.EntityCollectionPersona, persona2ID, `{"order":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrMergeConflict))
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details, "order")
	assert.Equal(t, int64(2), store.get(models.EntityCollectionPersona, persona2ID).Fields["order"])
	assert.Zero(t, store.updates)
}

func TestMergeCrossFieldInvariant(t *testing.T) {
	store := newMemoryEntityStore()
	store.put(models.EntityOrganisation, orgID, map[string]any{"name": "Council", "slug": "council", "description": "Local council"})
	store.put(models.EntityService, serviceID, map[string]any{
		"organisation_id": orgID,
		"name":            "Library",
		"slug":            "library",
		"type":            "service",
		"status":          "active",
		"intro":           "Books",
		"description":     "Lots of books",
		"is_free":         true,
	})
	engine := newTestMergeEngine(store)

	_, err := engine.Merge(context.Background(), updateRequestFor(models.EntityService, serviceID, `{"is_free":false}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrMergeConflict))

	entity, err := engine.Merge(context.Background(), updateRequestFor(models.EntityService, serviceID, `{"is_free":false,"fees_text":"£2 per visit"}`))
	require.NoError(t, err)
	assert.Equal(t, false, entity.Fields["is_free"])
}

func TestMergeDuplicateKeyIsConflict(t *testing.T) {
	store := newMemoryEntityStore()
	seedPersonas(store)
	store.writeErr = fmt.Errorf("update collection_persona: %w", repository.ErrDuplicate)
	engine := newTestMergeEngine(store)

	_, err := engine.Merge(context.Background(), updateRequestFor(models.EntityCollectionPersona, persona1ID, `{"order":7}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrMergeConflict))
}

func TestMergeRejectsDataThatNoLongerFitsRules(t *testing.T) {
	store := newMemoryEntityStore()
	seedPersonas(store)
	engine := newTestMergeEngine(store)

	_, err := engine.Merge(context.Background(), updateRequestFor(models.EntityCollectionPersona, persona1ID, `{"colour":"red"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrMergeConflict))
}

func TestMergeRecordsUnlinkedReferences(t *testing.T) {
	store := newMemoryEntityStore()
	seedServiceLocation(store)
	engine := newTestMergeEngine(store)

	entity, err := engine.Merge(context.Background(), updateRequestFor(models.EntityServiceLocation, serviceLocationID, `{"service_id":"`+otherServiceID+`","name":"Branch"}`))
	require.NoError(t, err)
	assert.Equal(t, otherServiceID, entity.Fields["service_id"])
	assert.Equal(t, []models.EntityRef{{Type: models.EntityService, ID: serviceID}}, entity.Unlinked)

	entity, err = engine.Merge(context.Background(), updateRequestFor(models.EntityServiceLocation, serviceLocationID, `{"service_id":"`+otherServiceID+`","name":"Main branch"}`))
	require.NoError(t, err)
	assert.Empty(t, entity.Unlinked)
}
