package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/pkg/jobs"
)

type documentSourceStub struct {
	mu       sync.Mutex
	services map[string]*models.ServiceDocument
	events   map[string]*models.EventDocument
	related  map[string][2][]string
	failures map[string]int
}

func newDocumentSourceStub() *documentSourceStub {
	return &documentSourceStub{
		services: make(map[string]*models.ServiceDocument),
		events:   make(map[string]*models.EventDocument),
		related:  make(map[string][2][]string),
		failures: make(map[string]int),
	}
}

func (s *documentSourceStub) fail(id string) error {
	if s.failures[id] > 0 {
		s.failures[id]--
		return errors.New("connection reset")
	}
	return nil
}

func (s *documentSourceStub) ServiceDocument(ctx context.Context, id string) (*models.ServiceDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(id); err != nil {
		return nil, err
	}
	doc, ok := s.services[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return doc, nil
}

func (s *documentSourceStub) EventDocument(ctx context.Context, id string) (*models.EventDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.events[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return doc, nil
}

func (s *documentSourceStub) RelatedIDs(ctx context.Context, t models.EntityType, id string) ([]string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	related := s.related[string(t)+":"+id]
	return related[0], related[1], nil
}

func (s *documentSourceStub) AllIDs(ctx context.Context, t models.EntityType) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	switch t {
	case models.EntityService:
		for id := range s.services {
			ids = append(ids, id)
		}
	case models.EntityOrganisationEvent:
		for id := range s.events {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type indexWriterStub struct {
	mu      sync.Mutex
	indexed []string
	deleted []string
}

func (w *indexWriterStub) Index(ctx context.Context, index, id string, doc any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indexed = append(w.indexed, index+"/"+id)
	return nil
}

func (w *indexWriterStub) Delete(ctx context.Context, index, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleted = append(w.deleted, index+"/"+id)
	return nil
}

func (w *indexWriterStub) snapshot() ([]string, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	indexed := append([]string(nil), w.indexed...)
	deleted := append([]string(nil), w.deleted...)
	sort.Strings(indexed)
	sort.Strings(deleted)
	return indexed, deleted
}

type reindexFixture struct {
	svc    *ReindexService
	source *documentSourceStub
	writer *indexWriterStub
	cache  *memoryCacheRepo
}

func newReindexFixture(t *testing.T) *reindexFixture {
	t.Helper()
	f := &reindexFixture{
		source: newDocumentSourceStub(),
		writer: &indexWriterStub{},
		cache:  newMemoryCacheRepo(),
	}
	f.svc = NewReindexService(f.source, f.writer, NewCacheService(f.cache, nil, time.Minute, nil, true), NewMetricsService(), ReindexConfig{
		Queue:         jobs.QueueConfig{Lanes: 4, BufferSize: 8, MaxRetries: 2, RetryDelay: time.Millisecond},
		ServicesIndex: "services",
		EventsIndex:   "events",
	}, nil)
	f.svc.Start(context.Background())
	return f
}

func (f *reindexFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Drain(ctx))
}

func TestReindexIndexesActiveService(t *testing.T) {
	f := newReindexFixture(t)
	f.source.services[serviceID] = &models.ServiceDocument{ID: serviceID, Name: "Library", Status: "active"}

	require.NoError(t, f.svc.EnqueueReindex(context.Background(), models.EntityService, serviceID))
	f.drain(t)

	indexed, deleted := f.writer.snapshot()
	assert.Equal(t, []string{"services/" + serviceID}, indexed)
	assert.Empty(t, deleted)
	assert.Equal(t, []string{"search:services:*"}, f.cache.invalidations())
}

func TestReindexRemovesInactiveOrMissingService(t *testing.T) {
	f := newReindexFixture(t)
	f.source.services["svc-inactive"] = &models.ServiceDocument{ID: "svc-inactive", Status: "inactive"}

	require.NoError(t, f.svc.EnqueueReindex(context.Background(), models.EntityService, "svc-inactive"))
	require.NoError(t, f.svc.EnqueueReindex(context.Background(), models.EntityService, "svc-gone"))
	require.NoError(t, f.svc.EnqueueReindex(context.Background(), models.EntityOrganisationEvent, "evt-gone"))
	f.drain(t)

	indexed, deleted := f.writer.snapshot()
	assert.Empty(t, indexed)
	assert.Equal(t, []string{"events/evt-gone", "services/svc-gone", "services/svc-inactive"}, deleted)
}

func TestReindexCascadesFromOrganisation(t *testing.T) {
	f := newReindexFixture(t)
	f.source.services["svc-1"] = &models.ServiceDocument{ID: "svc-1", Status: "active"}
	f.source.services["svc-2"] = &models.ServiceDocument{ID: "svc-2", Status: "active"}
	f.source.events["evt-1"] = &models.EventDocument{ID: "evt-1"}
	f.source.related["organisation:"+orgID] = [2][]string{{"svc-1", "svc-2"}, {"evt-1"}}

	require.NoError(t, f.svc.EnqueueReindex(context.Background(), models.EntityOrganisation, orgID))
	f.drain(t)

	indexed, _ := f.writer.snapshot()
	assert.Equal(t, []string{"events/evt-1", "services/svc-1", "services/svc-2"}, indexed)
}

func TestReindexServiceLocationMoveRefreshesBothServices(t *testing.T) {
	f := newReindexFixture(t)
	f.source.services["svc-old"] = &models.ServiceDocument{ID: "svc-old", Status: "active"}
	f.source.services["svc-new"] = &models.ServiceDocument{ID: "svc-new", Status: "active"}
	f.source.related["service_location:sl-1"] = [2][]string{{"svc-new"}, nil}

	moved := models.NewEntity(models.EntityServiceLocation, "sl-1")
	moved.Unlinked = []models.EntityRef{
		{Type: models.EntityService, ID: "svc-old"},
		{Type: models.EntityLocation, ID: "loc-1"},
	}
	for _, target := range reindexTargets(moved) {
		require.NoError(t, f.svc.EnqueueReindex(context.Background(), target.Type, target.ID))
	}
	f.drain(t)

	indexed, _ := f.writer.snapshot()
	assert.Equal(t, []string{"services/svc-new", "services/svc-old"}, indexed)
}

func TestReindexRetriesTransientFailures(t *testing.T) {
	f := newReindexFixture(t)
	f.source.services["svc-1"] = &models.ServiceDocument{ID: "svc-1", Status: "active"}
	f.source.failures["svc-1"] = 2

	require.NoError(t, f.svc.EnqueueReindex(context.Background(), models.EntityService, "svc-1"))
	f.drain(t)

	indexed, _ := f.writer.snapshot()
	assert.Equal(t, []string{"services/svc-1"}, indexed)
}

func TestReindexGivesUpAfterRetries(t *testing.T) {
	f := newReindexFixture(t)
	f.source.services["svc-1"] = &models.ServiceDocument{ID: "svc-1", Status: "active"}
	f.source.failures["svc-1"] = 10

	require.NoError(t, f.svc.EnqueueReindex(context.Background(), models.EntityService, "svc-1"))
	f.drain(t)

	indexed, _ := f.writer.snapshot()
	assert.Empty(t, indexed)
	assert.Equal(t, 7, f.source.failures["svc-1"])
}

func TestReindexAllSchedulesServicesAndEvents(t *testing.T) {
	f := newReindexFixture(t)
	f.source.services["svc-1"] = &models.ServiceDocument{ID: "svc-1", Status: "active"}
	f.source.services["svc-2"] = &models.ServiceDocument{ID: "svc-2", Status: "active"}
	f.source.events["evt-1"] = &models.EventDocument{ID: "evt-1"}

	scheduled, err := f.svc.ReindexAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, scheduled)
	f.drain(t)

	indexed, _ := f.writer.snapshot()
	assert.Len(t, indexed, 3)
}

func TestEnqueueReindexRejectsInvalidTargets(t *testing.T) {
	f := newReindexFixture(t)
	defer f.drain(t)

	assert.Error(t, f.svc.EnqueueReindex(context.Background(), models.EntityType("kiosk"), "x"))
	assert.Error(t, f.svc.EnqueueReindex(context.Background(), models.EntityService, ""))
}

func TestEnqueueReindexAfterDrainFails(t *testing.T) {
	f := newReindexFixture(t)
	f.drain(t)

	err := f.svc.EnqueueReindex(context.Background(), models.EntityService, "svc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrQueueClosed))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.svc.Drain(ctx))
}
