package models

import "time"

// EntityType enumerates the directory records an update request may target.
type EntityType string

const (
	EntityOrganisation       EntityType = "organisation"
	EntityService            EntityType = "service"
	EntityLocation           EntityType = "location"
	EntityServiceLocation    EntityType = "service_location"
	EntityOrganisationEvent  EntityType = "organisation_event"
	EntityCollectionPersona  EntityType = "collection_persona"
	EntityCollectionCategory EntityType = "collection_category"
)

// EntityTypes lists every supported entity type.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityOrganisation,
		EntityService,
		EntityLocation,
		EntityServiceLocation,
		EntityOrganisationEvent,
		EntityCollectionPersona,
		EntityCollectionCategory,
	}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Table returns the relational table backing the entity type.
func (t EntityType) Table() string {
	switch t {
	case EntityOrganisation:
		return "organisations"
	case EntityService:
		return "services"
	case EntityLocation:
		return "locations"
	case EntityServiceLocation:
		return "service_locations"
	case EntityOrganisationEvent:
		return "organisation_events"
	case EntityCollectionPersona:
		return "collection_personas"
	case EntityCollectionCategory:
		return "collection_categories"
	default:
		return ""
	}
}

// EntityRef points at one directory record.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// Entity is a live directory record viewed as a field map so moderation can
// patch any type uniformly.
type Entity struct {
	Type      EntityType     `json:"type"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	// Unlinked holds the records a merge repointed this entity away from.
	Unlinked []EntityRef `json:"-"`
}

// NewEntity returns an empty entity of the given type.
func NewEntity(t EntityType, id string) *Entity {
	return &Entity{Type: t, ID: id, Fields: make(map[string]any)}
}

// Value returns the field value and whether it is set to a non-null value.
func (e *Entity) Value(field string) (any, bool) {
	v, ok := e.Fields[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String returns a string field or "".
func (e *Entity) String(field string) string {
	v, _ := e.Fields[field].(string)
	return v
}

// Bool returns a boolean field and whether it was set.
func (e *Entity) Bool(field string) (bool, bool) {
	v, ok := e.Fields[field].(bool)
	return v, ok
}

// Time returns a time field and whether it was set.
func (e *Entity) Time(field string) (time.Time, bool) {
	v, ok := e.Fields[field].(time.Time)
	return v, ok
}

// Clone copies the entity. Field values are scalars so a shallow map copy is
// enough.
func (e *Entity) Clone() *Entity {
	out := *e
	out.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return &out
}
