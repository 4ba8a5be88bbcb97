package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/search"
)

// SearchRepository reads the relational data behind the search indices:
// result projections, index documents and reindex fan-out.
type SearchRepository struct {
	db *sqlx.DB
}

// NewSearchRepository constructs the repository.
func NewSearchRepository(db *sqlx.DB) *SearchRepository {
	return &SearchRepository{db: db}
}

const serviceProjectionQuery = `
SELECT s.id, s.name, s.slug, s.intro, s.organisation_id, o.name AS organisation_name,
	s.type AS service_type, s.is_free, NULL::timestamptz AS start_date, NULL::timestamptz AS end_date
FROM services s
JOIN organisations o ON o.id = s.organisation_id
WHERE s.id = ANY($1)`

const eventProjectionQuery = `
SELECT e.id, e.title AS name, '' AS slug, e.intro, e.organisation_id, o.name AS organisation_name,
	'' AS service_type, e.is_free, e.start_date, e.end_date
FROM organisation_events e
JOIN organisations o ON o.id = e.organisation_id
WHERE e.id = ANY($1)`

// LoadProjections hydrates projections for ids in a single query. Missing ids
// are absent from the result.
func (r *SearchRepository) LoadProjections(ctx context.Context, kind search.Kind, ids []string) (map[string]models.ResourceProjection, error) {
	out := make(map[string]models.ResourceProjection, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := serviceProjectionQuery
	if kind == search.KindEvents {
		query = eventProjectionQuery
	}
	var rows []models.ResourceProjection
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("load %s projections: %w", kind, err)
	}
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

// ServiceDocument assembles the index document for a service. It returns
// sql.ErrNoRows when the service no longer exists.
func (r *SearchRepository) ServiceDocument(ctx context.Context, id string) (*models.ServiceDocument, error) {
	const serviceQuery = `
SELECT s.id, s.name, s.slug, s.intro, s.description, s.type, s.status, s.is_free,
	s.organisation_id, o.name AS organisation_name
FROM services s
JOIN organisations o ON o.id = s.organisation_id
WHERE s.id = $1`
	var doc models.ServiceDocument
	if err := r.db.GetContext(ctx, &doc, serviceQuery, id); err != nil {
		return nil, err
	}

	var taxonomies []struct {
		ID   string `db:"id"`
		Name string `db:"name"`
	}
	const taxonomyQuery = `
SELECT t.id, t.name FROM taxonomies t
JOIN service_taxonomies st ON st.taxonomy_id = t.id
WHERE st.service_id = $1
ORDER BY t.name`
	if err := r.db.SelectContext(ctx, &taxonomies, taxonomyQuery, id); err != nil {
		return nil, fmt.Errorf("load service taxonomies: %w", err)
	}
	doc.TaxonomyIDs = make([]string, 0, len(taxonomies))
	doc.TaxonomyCategories = make([]string, 0, len(taxonomies))
	for _, t := range taxonomies {
		doc.TaxonomyIDs = append(doc.TaxonomyIDs, t.ID)
		doc.TaxonomyCategories = append(doc.TaxonomyCategories, t.Name)
	}

	var err error
	if doc.CategoryIDs, err = r.collectionIDs(ctx, "collection_categories", id); err != nil {
		return nil, err
	}
	if doc.PersonaIDs, err = r.collectionIDs(ctx, "collection_personas", id); err != nil {
		return nil, err
	}

	var locations []locationRow
	const locationQuery = `
SELECT l.lat, l.lon, l.address_line_1, l.city, l.postcode FROM locations l
JOIN service_locations sl ON sl.location_id = l.id
WHERE sl.service_id = $1`
	if err := r.db.SelectContext(ctx, &locations, locationQuery, id); err != nil {
		return nil, fmt.Errorf("load service locations: %w", err)
	}
	doc.Locations = make([]models.GeoPoint, 0, len(locations))
	doc.Addresses = make([]string, 0, len(locations))
	for _, l := range locations {
		if p := l.point(); p != nil {
			doc.Locations = append(doc.Locations, *p)
		}
		doc.Addresses = append(doc.Addresses, l.address())
	}
	return &doc, nil
}

func (r *SearchRepository) collectionIDs(ctx context.Context, table, serviceID string) ([]string, error) {
	query := fmt.Sprintf(`
SELECT DISTINCT c.id FROM %s c
JOIN collection_taxonomies ct ON ct.collection_id = c.id
JOIN service_taxonomies st ON st.taxonomy_id = ct.taxonomy_id
WHERE st.service_id = $1 AND c.enabled`, table)
	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, query, serviceID); err != nil {
		return nil, fmt.Errorf("load %s for service: %w", table, err)
	}
	return ids, nil
}

// EventDocument assembles the index document for an event. It returns
// sql.ErrNoRows when the event no longer exists.
func (r *SearchRepository) EventDocument(ctx context.Context, id string) (*models.EventDocument, error) {
	const query = `
SELECT e.id, e.title, e.intro, e.description, e.start_date, e.end_date, e.is_free, e.is_virtual,
	e.organisation_id, o.name AS organisation_name,
	l.lat, l.lon, l.address_line_1, l.city, l.postcode
FROM organisation_events e
JOIN organisations o ON o.id = e.organisation_id
LEFT JOIN locations l ON l.id = e.location_id
WHERE e.id = $1`
	var row struct {
		models.EventDocument
		Lat          sql.NullFloat64 `db:"lat"`
		Lon          sql.NullFloat64 `db:"lon"`
		AddressLine1 sql.NullString  `db:"address_line_1"`
		City         sql.NullString  `db:"city"`
		Postcode     sql.NullString  `db:"postcode"`
	}
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, err
	}
	doc := row.EventDocument
	loc := locationRow{Lat: row.Lat, Lon: row.Lon, AddressLine1: row.AddressLine1.String, City: row.City.String, Postcode: row.Postcode.String}
	doc.Location = loc.point()
	if row.AddressLine1.Valid {
		doc.Address = loc.address()
	}
	return &doc, nil
}

// RelatedIDs returns the services and events whose index documents embed data
// from the given entity.
func (r *SearchRepository) RelatedIDs(ctx context.Context, t models.EntityType, id string) (services, events []string, err error) {
	var serviceQuery, eventQuery string
	switch t {
	case models.EntityOrganisation:
		serviceQuery = `SELECT id FROM services WHERE organisation_id = $1`
		eventQuery = `SELECT id FROM organisation_events WHERE organisation_id = $1`
	case models.EntityLocation:
		serviceQuery = `SELECT DISTINCT service_id FROM service_locations WHERE location_id = $1`
		eventQuery = `SELECT id FROM organisation_events WHERE location_id = $1`
	case models.EntityServiceLocation:
		serviceQuery = `SELECT service_id FROM service_locations WHERE id = $1`
	case models.EntityCollectionPersona, models.EntityCollectionCategory:
		serviceQuery = `
SELECT DISTINCT st.service_id FROM service_taxonomies st
JOIN collection_taxonomies ct ON ct.taxonomy_id = st.taxonomy_id
WHERE ct.collection_id = $1`
	case models.EntityService:
		return []string{id}, nil, nil
	case models.EntityOrganisationEvent:
		return nil, []string{id}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported entity type %q", t)
	}

	services = []string{}
	if err := r.db.SelectContext(ctx, &services, serviceQuery, id); err != nil {
		return nil, nil, fmt.Errorf("load services related to %s: %w", t, err)
	}
	events = []string{}
	if eventQuery != "" {
		if err := r.db.SelectContext(ctx, &events, eventQuery, id); err != nil {
			return nil, nil, fmt.Errorf("load events related to %s: %w", t, err)
		}
	}
	return services, events, nil
}

// AllIDs lists every id of an indexed entity type, for bulk reindexing.
func (r *SearchRepository) AllIDs(ctx context.Context, t models.EntityType) ([]string, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, fmt.Sprintf("SELECT id FROM %s ORDER BY id", table)); err != nil {
		return nil, fmt.Errorf("list %s ids: %w", t, err)
	}
	return ids, nil
}

type locationRow struct {
	Lat          sql.NullFloat64 `db:"lat"`
	Lon          sql.NullFloat64 `db:"lon"`
	AddressLine1 string          `db:"address_line_1"`
	City         string          `db:"city"`
	Postcode     string          `db:"postcode"`
}

func (l locationRow) point() *models.GeoPoint {
	if !l.Lat.Valid || !l.Lon.Valid {
		return nil
	}
	return &models.GeoPoint{Lat: l.Lat.Float64, Lon: l.Lon.Float64}
}

func (l locationRow) address() string {
	return fmt.Sprintf("%s, %s, %s", l.AddressLine1, l.City, l.Postcode)
}
