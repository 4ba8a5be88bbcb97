package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/search"
	"github.com/noah-isme/connect-api/pkg/elastic"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

type searchEngineStub struct {
	result *elastic.Result
	err    error
	calls  int
	index  string
	body   map[string]any
}

func (s *searchEngineStub) Search(ctx context.Context, index string, body map[string]any) (*elastic.Result, error) {
	s.calls++
	s.index = index
	s.body = body
	return s.result, s.err
}

type projectionStub struct {
	rows map[string]models.ResourceProjection
}

func (p *projectionStub) LoadProjections(ctx context.Context, kind search.Kind, ids []string) (map[string]models.ResourceProjection, error) {
	out := make(map[string]models.ResourceProjection, len(ids))
	for _, id := range ids {
		if row, ok := p.rows[id]; ok {
			out[id] = row
		}
	}
	return out, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newSearchFixture(engine *searchEngineStub, cache *CacheService) *SearchService {
	loader := &projectionStub{rows: map[string]models.ResourceProjection{
		"svc-1": {ID: "svc-1", Name: "Central Library"},
		"svc-2": {ID: "svc-2", Name: "Library at Home"},
		"svc-3": {ID: "svc-3", Name: "Mobile Library"},
	}}
	cfg := SearchConfig{
		Limits:  search.Limits{DefaultPerPage: 25, MaxPerPage: 100},
		Indices: map[search.Kind]string{search.KindServices: "services", search.KindEvents: "events"},
	}
	builder := search.NewElasticsearchQueryBuilder(search.BuilderConfig{MaxPerPage: 100})
	return NewSearchService(builder, engine, search.NewResultMapper(loader, nil), cache, NewMetricsService(), cfg, nil)
}

func libraryCriteria() search.RawCriteria {
	return search.RawCriteria{
		Query:   "library",
		Page:    1,
		PerPage: 10,
		Filters: map[string]json.RawMessage{search.FilterCategoryID: json.RawMessage(`"cat-1"`)},
	}
}

func TestSearchReturnsRelevanceOrderedPage(t *testing.T) {
	engine := &searchEngineStub{result: &elastic.Result{Total: 3, Hits: []elastic.Hit{
		{ID: "svc-3", Score: 7.5},
		{ID: "svc-1", Score: 3.2},
		{ID: "svc-2", Score: 1.1},
	}}}
	svc := newSearchFixture(engine, nil)

	page, err := svc.Search(context.Background(), search.KindServices, libraryCriteria())
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.PerPage)
	require.Len(t, page.Items, 3)
	for i := 1; i < len(page.Items); i++ {
		assert.GreaterOrEqual(t, page.Items[i-1].Score, page.Items[i].Score)
	}
	assert.Equal(t, "svc-3", page.Items[0].ID)
	assert.Equal(t, "services", engine.index)
	assert.Equal(t, 10, engine.body["size"])
}

func TestSearchServesCachedPage(t *testing.T) {
	engine := &searchEngineStub{result: &elastic.Result{Total: 1, Hits: []elastic.Hit{{ID: "svc-1", Score: 1}}}}
	repo := newMemoryCacheRepo()
	svc := newSearchFixture(engine, NewCacheService(repo, nil, 0, nil, true))

	first, err := svc.Search(context.Background(), search.KindServices, libraryCriteria())
	require.NoError(t, err)
	second, err := svc.Search(context.Background(), search.KindServices, libraryCriteria())
	require.NoError(t, err)

	assert.Equal(t, 1, engine.calls)
	assert.Equal(t, first.Items[0].ID, second.Items[0].ID)
	assert.Len(t, repo.entries, 1)

	require.NoError(t, repo.DeleteByPattern(context.Background(), SearchCachePattern(search.KindServices)))
	_, err = svc.Search(context.Background(), search.KindServices, libraryCriteria())
	require.NoError(t, err)
	assert.Equal(t, 2, engine.calls)
}

func TestSearchRejectsInvalidCriteria(t *testing.T) {
	engine := &searchEngineStub{}
	svc := newSearchFixture(engine, nil)

	_, err := svc.Search(context.Background(), search.KindServices, search.RawCriteria{
		Filters: map[string]json.RawMessage{"colour": json.RawMessage(`"red"`)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	assert.Zero(t, engine.calls)
}

func TestSearchMapsEngineFailures(t *testing.T) {
	engine := &searchEngineStub{err: timeoutError{}}
	svc := newSearchFixture(engine, nil)

	_, err := svc.Search(context.Background(), search.KindEvents, search.RawCriteria{Query: "fun day"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrTransient))

	engine.err = errors.New("index_not_found_exception")
	_, err = svc.Search(context.Background(), search.KindEvents, search.RawCriteria{Query: "fun day"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
}
