package search

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/pkg/elastic"
)

// ProjectionLoader hydrates projections for a batch of ids. Ids that no
// longer exist are simply absent from the returned map.
type ProjectionLoader interface {
	LoadProjections(ctx context.Context, kind Kind, ids []string) (map[string]models.ResourceProjection, error)
}

// ResultMapper converts raw engine hits into a result page.
type ResultMapper struct {
	loader ProjectionLoader
	logger *zap.Logger
}

// NewResultMapper constructs the mapper.
func NewResultMapper(loader ProjectionLoader, logger *zap.Logger) *ResultMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultMapper{loader: loader, logger: logger}
}

// Map keeps the engine's order. Hits whose entity has gone are dropped and
// each drop reduces Total by one.
func (m *ResultMapper) Map(ctx context.Context, raw *elastic.Result, c Criteria) (*models.SearchResultPage, error) {
	page := &models.SearchResultPage{
		Items:   []models.SearchResultItem{},
		Page:    c.Page,
		PerPage: c.PerPage,
	}
	if raw == nil {
		return page, nil
	}
	page.Total = raw.Total
	if len(raw.Hits) == 0 {
		return page, nil
	}

	ids := make([]string, 0, len(raw.Hits))
	for _, hit := range raw.Hits {
		ids = append(ids, hit.ID)
	}
	projections, err := m.loader.LoadProjections(ctx, c.Kind, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s results: %w", c.Kind, err)
	}

	entityType := models.EntityService
	if c.Kind == KindEvents {
		entityType = models.EntityOrganisationEvent
	}

	dropped := 0
	for _, hit := range raw.Hits {
		if len(page.Items) == c.PerPage {
			break
		}
		projection, ok := projections[hit.ID]
		if !ok {
			dropped++
			continue
		}
		projection.Type = entityType
		projection.Version = models.ProjectionVersion
		item := models.SearchResultItem{ResourceProjection: projection, Score: hit.Score}
		if c.Order == OrderDistance {
			item.Distance = sortDistance(hit.Sort)
		}
		page.Items = append(page.Items, item)
	}
	if dropped > 0 {
		m.logger.Debug("dropped stale search hits", zap.String("kind", string(c.Kind)), zap.Int("dropped", dropped))
	}

	page.Total -= int64(dropped)
	if floor := int64(c.Offset() + len(page.Items)); page.Total < floor {
		page.Total = floor
	}
	return page, nil
}

func sortDistance(values []json.RawMessage) *float64 {
	if len(values) == 0 {
		return nil
	}
	var d float64
	if err := json.Unmarshal(values[0], &d); err != nil {
		return nil
	}
	return &d
}
