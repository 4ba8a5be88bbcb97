package search

import (
	"fmt"
	"strconv"
	"strings"
)

// Document is a backend query body.
type Document map[string]any

// QueryBuilder turns criteria into a backend query document.
type QueryBuilder interface {
	Build(c Criteria) Document
}

// BackendElasticsearch is the only supported backend today.
const BackendElasticsearch = "elasticsearch"

// FieldBoost weights one searchable field.
type FieldBoost struct {
	Field string
	Boost float64
}

func (f FieldBoost) String() string {
	if f.Boost == 0 || f.Boost == 1 {
		return f.Field
	}
	return f.Field + "^" + strconv.FormatFloat(f.Boost, 'f', -1, 64)
}

// BuilderConfig holds the non-request inputs of query construction.
type BuilderConfig struct {
	MaxPerPage    int
	MaxWindow     int
	DistanceUnit  string
	DefaultRadius float64
	MaxRadius     float64
	Fields        map[Kind][]FieldBoost
}

// DefaultFields are the searchable fields and boosts of each index.
func DefaultFields() map[Kind][]FieldBoost {
	return map[Kind][]FieldBoost{
		KindServices: {
			{Field: "name", Boost: 3},
			{Field: "organisation_name", Boost: 3},
			{Field: "taxonomy_categories", Boost: 2},
			{Field: "intro", Boost: 2},
			{Field: "description", Boost: 1},
			{Field: "address", Boost: 1},
		},
		KindEvents: {
			{Field: "title", Boost: 3},
			{Field: "organisation_name", Boost: 3},
			{Field: "intro", Boost: 2},
			{Field: "description", Boost: 1},
			{Field: "address", Boost: 1},
		},
	}
}

// NewQueryBuilder returns the builder for backend.
func NewQueryBuilder(backend string, cfg BuilderConfig) (QueryBuilder, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendElasticsearch:
		return NewElasticsearchQueryBuilder(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported search backend %q", backend)
	}
}

// ElasticsearchQueryBuilder emits Elasticsearch query DSL. Free text goes to
// bool.must and scores; every filter goes to bool.filter and does not.
type ElasticsearchQueryBuilder struct {
	cfg BuilderConfig
}

// NewElasticsearchQueryBuilder applies defaults to cfg.
func NewElasticsearchQueryBuilder(cfg BuilderConfig) *ElasticsearchQueryBuilder {
	if cfg.DistanceUnit == "" {
		cfg.DistanceUnit = "mi"
	}
	if cfg.DefaultRadius <= 0 {
		cfg.DefaultRadius = 5
	}
	if cfg.MaxRadius <= 0 {
		cfg.MaxRadius = cfg.DefaultRadius
	}
	if cfg.Fields == nil {
		cfg.Fields = DefaultFields()
	}
	return &ElasticsearchQueryBuilder{cfg: cfg}
}

// Build implements QueryBuilder.
func (b *ElasticsearchQueryBuilder) Build(c Criteria) Document {
	page := c.Page
	if page < 1 {
		page = 1
	}
	size := ClampPerPage(c.PerPage, b.cfg.MaxPerPage)
	if last := LastPage(size, b.cfg.MaxWindow); page > last {
		page = last
	}

	text := b.textClause(c)
	filters := b.filterClauses(c)

	var query map[string]any
	if len(filters) == 0 {
		query = text
	} else {
		query = map[string]any{
			"bool": map[string]any{
				"must":   []any{text},
				"filter": filters,
			},
		}
	}

	doc := Document{
		"query":   query,
		"from":    (page - 1) * size,
		"size":    size,
		"_source": false,
	}
	if sortClauses := b.sortClauses(c); len(sortClauses) > 0 {
		doc["sort"] = sortClauses
		doc["track_scores"] = true
	}
	return doc
}

func (b *ElasticsearchQueryBuilder) textClause(c Criteria) map[string]any {
	if c.Query == "" {
		return map[string]any{"match_all": map[string]any{}}
	}
	boosts := b.cfg.Fields[c.Kind]
	fields := make([]string, 0, len(boosts))
	for _, f := range boosts {
		fields = append(fields, f.String())
	}
	return map[string]any{
		"multi_match": map[string]any{
			"query":     c.Query,
			"fields":    fields,
			"type":      "best_fields",
			"fuzziness": "AUTO",
		},
	}
}

func (b *ElasticsearchQueryBuilder) filterClauses(c Criteria) []any {
	f := c.Filters
	clauses := make([]any, 0, 6)

	clauses = appendTerms(clauses, "category_ids", f.CategoryIDs)
	clauses = appendTerms(clauses, "persona_ids", f.PersonaIDs)
	clauses = appendTerms(clauses, "taxonomy_ids", f.TaxonomyIDs)
	clauses = appendTerms(clauses, "organisation_id", f.OrganisationIDs)
	clauses = appendTerms(clauses, "type", f.Types)

	if f.IsFree != nil {
		clauses = append(clauses, map[string]any{"term": map[string]any{"is_free": *f.IsFree}})
	}
	// starts_after is inclusive, ends_before exclusive.
	if f.StartsAfter != nil {
		clauses = append(clauses, map[string]any{
			"range": map[string]any{"start_date": map[string]any{"gte": f.StartsAfter.Format(timeLayout)}},
		})
	}
	if f.EndsBefore != nil {
		clauses = append(clauses, map[string]any{
			"range": map[string]any{"end_date": map[string]any{"lt": f.EndsBefore.Format(timeLayout)}},
		})
	}
	if f.Location != nil {
		clauses = append(clauses, map[string]any{
			"geo_distance": map[string]any{
				"distance":         b.distance(f.Location.Radius),
				geoField(c.Kind): geoPoint(f.Location),
			},
		})
	}
	return clauses
}

func (b *ElasticsearchQueryBuilder) sortClauses(c Criteria) []any {
	switch c.Order {
	case OrderDistance:
		if c.Filters.Location == nil {
			return nil
		}
		return []any{
			map[string]any{
				"_geo_distance": map[string]any{
					geoField(c.Kind): geoPoint(c.Filters.Location),
					"order":          "asc",
					"unit":           b.cfg.DistanceUnit,
					"distance_type":  "arc",
				},
			},
			"_score",
		}
	case OrderStartDate:
		return []any{map[string]any{"start_date": map[string]any{"order": "asc"}}, "_score"}
	case OrderName:
		return []any{map[string]any{nameField(c.Kind) + ".keyword": map[string]any{"order": "asc"}}, "_score"}
	default:
		return nil
	}
}

// RadiusFor returns the effective radius for a requested one.
func (b *ElasticsearchQueryBuilder) RadiusFor(requested *float64) float64 {
	radius := b.cfg.DefaultRadius
	if requested != nil && *requested > 0 {
		radius = *requested
	}
	if radius > b.cfg.MaxRadius {
		radius = b.cfg.MaxRadius
	}
	return radius
}

func (b *ElasticsearchQueryBuilder) distance(requested *float64) string {
	return strconv.FormatFloat(b.RadiusFor(requested), 'f', -1, 64) + b.cfg.DistanceUnit
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func appendTerms(clauses []any, field string, values []string) []any {
	switch len(values) {
	case 0:
		return clauses
	case 1:
		return append(clauses, map[string]any{"term": map[string]any{field: values[0]}})
	default:
		return append(clauses, map[string]any{"terms": map[string]any{field: values}})
	}
}

func geoField(kind Kind) string {
	if kind == KindEvents {
		return "location"
	}
	return "locations"
}

func nameField(kind Kind) string {
	if kind == KindEvents {
		return "title"
	}
	return "name"
}

func geoPoint(l *LocationFilter) map[string]any {
	return map[string]any{"lat": l.Lat, "lon": l.Lon}
}
