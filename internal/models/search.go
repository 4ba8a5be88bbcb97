package models

import "time"

// ProjectionVersion is bumped whenever ResourceProjection changes shape.
const ProjectionVersion = 1

// ResourceProjection is the lightweight view of a service or event used in
// paginated search responses.
type ResourceProjection struct {
	ID               string     `db:"id" json:"id"`
	Type             EntityType `db:"-" json:"type"`
	Version          int        `db:"-" json:"version"`
	Name             string     `db:"name" json:"name"`
	Slug             string     `db:"slug" json:"slug,omitempty"`
	Intro            string     `db:"intro" json:"intro,omitempty"`
	OrganisationID   string     `db:"organisation_id" json:"organisation_id"`
	OrganisationName string     `db:"organisation_name" json:"organisation_name"`
	ServiceType      string     `db:"service_type" json:"service_type,omitempty"`
	IsFree           bool       `db:"is_free" json:"is_free"`
	StartDate        *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate          *time.Time `db:"end_date" json:"end_date,omitempty"`
}

// SearchResultItem is one ranked projection.
type SearchResultItem struct {
	ResourceProjection
	Score    float64  `json:"score"`
	Distance *float64 `json:"distance,omitempty"`
}

// SearchResultPage is one page of search results in engine order. Total is
// the engine's match count less any hits that no longer exist.
type SearchResultPage struct {
	Items   []SearchResultItem `json:"items"`
	Total   int64              `json:"total"`
	Page    int                `json:"page"`
	PerPage int                `json:"per_page"`
}

// GeoPoint is an Elasticsearch geo_point.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServiceDocument is the indexed form of a service.
type ServiceDocument struct {
	ID                 string     `db:"id" json:"id"`
	Name               string     `db:"name" json:"name"`
	Slug               string     `db:"slug" json:"slug"`
	Intro              string     `db:"intro" json:"intro"`
	Description        string     `db:"description" json:"description"`
	Type               string     `db:"type" json:"type"`
	Status             string     `db:"status" json:"status"`
	IsFree             bool       `db:"is_free" json:"is_free"`
	OrganisationID     string     `db:"organisation_id" json:"organisation_id"`
	OrganisationName   string     `db:"organisation_name" json:"organisation_name"`
	TaxonomyIDs        []string   `db:"-" json:"taxonomy_ids"`
	TaxonomyCategories []string   `db:"-" json:"taxonomy_categories"`
	CategoryIDs        []string   `db:"-" json:"category_ids"`
	PersonaIDs         []string   `db:"-" json:"persona_ids"`
	Locations          []GeoPoint `db:"-" json:"locations"`
	Addresses          []string   `db:"-" json:"address"`
}

// EventDocument is the indexed form of an organisation event.
type EventDocument struct {
	ID               string    `db:"id" json:"id"`
	Title            string    `db:"title" json:"title"`
	Intro            string    `db:"intro" json:"intro"`
	Description      string    `db:"description" json:"description"`
	StartDate        time.Time `db:"start_date" json:"start_date"`
	EndDate          time.Time `db:"end_date" json:"end_date"`
	IsFree           bool      `db:"is_free" json:"is_free"`
	IsVirtual        bool      `db:"is_virtual" json:"is_virtual"`
	OrganisationID   string    `db:"organisation_id" json:"organisation_id"`
	OrganisationName string    `db:"organisation_name" json:"organisation_name"`
	Location         *GeoPoint `db:"-" json:"location,omitempty"`
	Address          string    `db:"-" json:"address,omitempty"`
}
