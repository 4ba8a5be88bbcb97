package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/search"
	"github.com/noah-isme/connect-api/pkg/elastic"
)

type searchEngine interface {
	Search(ctx context.Context, index string, body map[string]any) (*elastic.Result, error)
}

type resultMapper interface {
	Map(ctx context.Context, raw *elastic.Result, c search.Criteria) (*models.SearchResultPage, error)
}

// SearchConfig wires indices and paging limits.
type SearchConfig struct {
	Limits   search.Limits
	Indices  map[search.Kind]string
	CacheTTL time.Duration
}

// SearchService runs criteria through the query builder, the engine and the
// result mapper, caching result pages.
type SearchService struct {
	builder search.QueryBuilder
	engine  searchEngine
	mapper  resultMapper
	cache   *CacheService
	metrics *MetricsService
	cfg     SearchConfig
	logger  *zap.Logger
}

// NewSearchService constructs the service. cache and metrics may be nil.
func NewSearchService(builder search.QueryBuilder, engine searchEngine, mapper resultMapper, cache *CacheService, metrics *MetricsService, cfg SearchConfig, logger *zap.Logger) *SearchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchService{
		builder: builder,
		engine:  engine,
		mapper:  mapper,
		cache:   cache,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
}

// SearchCachePattern matches every cached page of kind.
func SearchCachePattern(kind search.Kind) string {
	return fmt.Sprintf("search:%s:*", kind)
}

// Search validates raw criteria and returns one page of hydrated results.
func (s *SearchService) Search(ctx context.Context, kind search.Kind, raw search.RawCriteria) (*models.SearchResultPage, error) {
	criteria, err := search.NewCriteria(kind, raw, s.cfg.Limits)
	if err != nil {
		return nil, err
	}
	index, ok := s.cfg.Indices[kind]
	if !ok {
		return nil, fmt.Errorf("no index configured for %s", kind)
	}

	key, err := CacheKey("search:"+string(kind), criteria)
	if err != nil {
		return nil, err
	}
	var cached models.SearchResultPage
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	start := time.Now()
	result, err := s.engine.Search(ctx, index, s.builder.Build(criteria))
	s.metrics.ObserveSearch(string(kind), totalOf(result), time.Since(start), err)
	if err != nil {
		s.logger.Warn("search engine request failed", zap.String("kind", string(kind)), zap.Error(err))
		return nil, backendError(err, "search engine unavailable")
	}

	page, err := s.mapper.Map(ctx, result, criteria)
	if err != nil {
		return nil, backendError(err, "failed to load search results")
	}
	s.cache.Set(ctx, key, page, s.cfg.CacheTTL)
	return page, nil
}

func totalOf(r *elastic.Result) int64 {
	if r == nil {
		return 0
	}
	return r.Total
}
