package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/search"
	"github.com/noah-isme/connect-api/pkg/jobs"
)

// documentSource reads the relational state behind index documents.
type documentSource interface {
	ServiceDocument(ctx context.Context, id string) (*models.ServiceDocument, error)
	EventDocument(ctx context.Context, id string) (*models.EventDocument, error)
	RelatedIDs(ctx context.Context, t models.EntityType, id string) (services, events []string, err error)
	AllIDs(ctx context.Context, t models.EntityType) ([]string, error)
}

// indexWriter writes documents to the search engine.
type indexWriter interface {
	Index(ctx context.Context, index, id string, doc any) error
	Delete(ctx context.Context, index, id string) error
}

// ReindexConfig configures the reindex lanes and target indices.
type ReindexConfig struct {
	Queue         jobs.QueueConfig
	ServicesIndex string
	EventsIndex   string
}

type reindexTarget struct {
	Type models.EntityType
	ID   string
}

func (t reindexTarget) key() string {
	return string(t.Type) + ":" + t.ID
}

// ReindexService propagates entity changes into the search indices. Jobs are
// keyed by entity so changes to one entity are indexed one at a time in the
// order they were scheduled. A job always indexes the state current when it
// runs, never a snapshot taken at enqueue time.
type ReindexService struct {
	source  documentSource
	writer  indexWriter
	cache   *CacheService
	metrics *MetricsService
	cfg     ReindexConfig
	logger  *zap.Logger
	queue   *jobs.LaneQueue

	// pending counts accepted jobs whose final attempt has not finished.
	pending sync.WaitGroup
}

// NewReindexService constructs the service and its lane queue.
func NewReindexService(source documentSource, writer indexWriter, cache *CacheService, metrics *MetricsService, cfg ReindexConfig, logger *zap.Logger) *ReindexService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ReindexService{
		source:  source,
		writer:  writer,
		cache:   cache,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
	queueCfg := cfg.Queue
	queueCfg.Logger = logger
	queueCfg.OnResult = s.onResult
	s.queue = jobs.NewLaneQueue("reindex", s.handle, queueCfg)
	return s
}

// Start launches the lane workers.
func (s *ReindexService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop abandons queued work.
func (s *ReindexService) Stop() {
	s.queue.Stop()
}

// Drain waits until every accepted job, including cascades it scheduled, has
// finished, then shuts the lanes down. It gives up waiting when ctx ends.
func (s *ReindexService) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		s.queue.Stop()
		return fmt.Errorf("drain reindex queue: %w", ctx.Err())
	}
	s.queue.Drain()
	return nil
}

// EnqueueReindex schedules entity t/id for reindexing.
func (s *ReindexService) EnqueueReindex(ctx context.Context, t models.EntityType, id string) error {
	if !t.Valid() || id == "" {
		return fmt.Errorf("reindex: invalid target %s/%q", t, id)
	}
	s.pending.Add(1)
	if err := s.enqueue(reindexTarget{Type: t, ID: id}); err != nil {
		s.pending.Done()
		return err
	}
	return nil
}

// ReindexAll schedules every service and event. It returns the number of
// scheduled jobs.
func (s *ReindexService) ReindexAll(ctx context.Context) (int, error) {
	scheduled := 0
	for _, t := range []models.EntityType{models.EntityService, models.EntityOrganisationEvent} {
		ids, err := s.source.AllIDs(ctx, t)
		if err != nil {
			return scheduled, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return scheduled, err
			}
			if err := s.EnqueueReindex(ctx, t, id); err != nil {
				return scheduled, err
			}
			scheduled++
		}
	}
	return scheduled, nil
}

func (s *ReindexService) enqueue(target reindexTarget) error {
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Key:     target.key(),
		Type:    string(target.Type),
		Payload: target,
	})
}

func (s *ReindexService) onResult(job jobs.Job, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveReindex(job.Type, outcome, duration)
	if err == nil || job.Attempt >= s.cfg.Queue.MaxRetries {
		s.pending.Done()
	}
}

func (s *ReindexService) handle(ctx context.Context, job jobs.Job) error {
	target, ok := job.Payload.(reindexTarget)
	if !ok {
		return fmt.Errorf("reindex job %s: unexpected payload %T", job.ID, job.Payload)
	}
	switch target.Type {
	case models.EntityService:
		return s.indexService(ctx, target.ID)
	case models.EntityOrganisationEvent:
		return s.indexEvent(ctx, target.ID)
	}

	services, events, err := s.source.RelatedIDs(ctx, target.Type, target.ID)
	if err != nil {
		return err
	}
	cascade := make([]reindexTarget, 0, len(services)+len(events))
	for _, id := range services {
		cascade = append(cascade, reindexTarget{Type: models.EntityService, ID: id})
	}
	for _, id := range events {
		cascade = append(cascade, reindexTarget{Type: models.EntityOrganisationEvent, ID: id})
	}
	if len(cascade) == 0 {
		return nil
	}
	// Enqueue off the lane: the worker must not block on a lane it may own.
	s.pending.Add(len(cascade))
	go func() {
		for _, next := range cascade {
			if err := s.enqueue(next); err != nil {
				s.pending.Done()
				s.logger.Warn("cascade reindex not scheduled",
					zap.String("source", target.key()),
					zap.String("target", next.key()),
					zap.Error(err))
			}
		}
	}()
	s.logger.Debug("cascading reindex", zap.String("source", target.key()), zap.Int("services", len(services)), zap.Int("events", len(events)))
	return nil
}

func (s *ReindexService) indexService(ctx context.Context, id string) error {
	doc, err := s.source.ServiceDocument(ctx, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = s.writer.Delete(ctx, s.cfg.ServicesIndex, id)
	case err != nil:
		return fmt.Errorf("load service %s: %w", id, err)
	case doc.Status != "active":
		err = s.writer.Delete(ctx, s.cfg.ServicesIndex, id)
	default:
		err = s.writer.Index(ctx, s.cfg.ServicesIndex, id, doc)
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, search.KindServices)
	return nil
}

func (s *ReindexService) indexEvent(ctx context.Context, id string) error {
	doc, err := s.source.EventDocument(ctx, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = s.writer.Delete(ctx, s.cfg.EventsIndex, id)
	case err != nil:
		return fmt.Errorf("load event %s: %w", id, err)
	default:
		err = s.writer.Index(ctx, s.cfg.EventsIndex, id, doc)
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, search.KindEvents)
	return nil
}

func (s *ReindexService) invalidate(ctx context.Context, kind search.Kind) {
	if err := s.cache.Invalidate(ctx, SearchCachePattern(kind)); err != nil {
		s.logger.Warn("search cache not invalidated", zap.String("kind", string(kind)), zap.Error(err))
	}
}
