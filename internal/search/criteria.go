// Package search turns API search requests into validated criteria, builds
// backend query documents from them and maps raw hits back to result pages.
package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

// Kind selects the searchable collection.
type Kind string

const (
	KindServices Kind = "services"
	KindEvents   Kind = "events"
)

// Order selects the result ordering.
type Order string

const (
	OrderRelevance Order = "relevance"
	OrderDistance  Order = "distance"
	OrderStartDate Order = "start_date"
	OrderName      Order = "name"
)

// Filter keys accepted in RawCriteria.Filters.
const (
	FilterCategoryID     = "category_id"
	FilterPersonaID      = "persona_id"
	FilterTaxonomyID     = "taxonomy_id"
	FilterOrganisationID = "organisation_id"
	FilterType           = "type"
	FilterIsFree         = "is_free"
	FilterStartsAfter    = "starts_after"
	FilterEndsBefore     = "ends_before"
	FilterLocation       = "location"
)

var allowedFilters = map[Kind]map[string]struct{}{
	KindServices: setOf(FilterCategoryID, FilterPersonaID, FilterTaxonomyID, FilterOrganisationID, FilterType, FilterIsFree, FilterLocation),
	KindEvents:   setOf(FilterOrganisationID, FilterIsFree, FilterStartsAfter, FilterEndsBefore, FilterLocation),
}

var allowedOrders = map[Kind]map[string]struct{}{
	KindServices: setOf(string(OrderRelevance), string(OrderDistance), string(OrderName)),
	KindEvents:   setOf(string(OrderRelevance), string(OrderDistance), string(OrderStartDate), string(OrderName)),
}

const maxQueryLength = 255

// RawCriteria is the untrusted request payload.
type RawCriteria struct {
	Query   string                     `json:"query"`
	Page    int                        `json:"page"`
	PerPage int                        `json:"per_page"`
	Order   string                     `json:"order"`
	Filters map[string]json.RawMessage `json:"filters"`
}

// DefaultMaxWindow matches the engine's default index.max_result_window.
const DefaultMaxWindow = 10000

// Limits bounds pagination. MaxWindow caps Offset()+PerPage; zero means
// DefaultMaxWindow.
type Limits struct {
	DefaultPerPage int
	MaxPerPage     int
	MaxWindow      int
}

// LocationFilter restricts results to a radius around a point. A nil Radius
// means the configured default.
type LocationFilter struct {
	Lat    float64
	Lon    float64
	Radius *float64
}

// Filters holds the typed filter values. Empty slices and nil pointers mean
// the filter is absent.
type Filters struct {
	CategoryIDs     []string
	PersonaIDs      []string
	TaxonomyIDs     []string
	OrganisationIDs []string
	Types           []string
	IsFree          *bool
	StartsAfter     *time.Time
	EndsBefore      *time.Time
	Location        *LocationFilter
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool {
	return len(f.CategoryIDs) == 0 &&
		len(f.PersonaIDs) == 0 &&
		len(f.TaxonomyIDs) == 0 &&
		len(f.OrganisationIDs) == 0 &&
		len(f.Types) == 0 &&
		f.IsFree == nil &&
		f.StartsAfter == nil &&
		f.EndsBefore == nil &&
		f.Location == nil
}

// Criteria is a validated search request. Construct it with NewCriteria.
type Criteria struct {
	Kind    Kind
	Query   string
	Page    int
	PerPage int
	Order   Order
	Filters Filters
}

// Offset returns the zero based index of the first result on the page.
func (c Criteria) Offset() int {
	return (c.Page - 1) * c.PerPage
}

var validate = validator.New()

type locationInput struct {
	Lat    *float64 `json:"lat" validate:"required,latitude"`
	Lon    *float64 `json:"lon" validate:"required,longitude"`
	Radius *float64 `json:"radius" validate:"omitempty,gt=0"`
}

// NewCriteria validates raw input for kind. Unknown filter keys, malformed
// values and orders that do not apply to kind are rejected; PerPage is
// defaulted and clamped to limits.MaxPerPage.
func NewCriteria(kind Kind, raw RawCriteria, limits Limits) (Criteria, error) {
	problems := map[string]any{}

	allowed, ok := allowedFilters[kind]
	if !ok {
		return Criteria{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported search kind %q", kind))
	}

	c := Criteria{
		Kind:    kind,
		Query:   strings.TrimSpace(raw.Query),
		Page:    raw.Page,
		PerPage: raw.PerPage,
		Order:   OrderRelevance,
	}
	if len([]rune(c.Query)) > maxQueryLength {
		problems["query"] = fmt.Sprintf("must be at most %d characters", maxQueryLength)
	}

	switch {
	case c.Page == 0:
		c.Page = 1
	case c.Page < 0:
		problems["page"] = "must be at least 1"
	}
	switch {
	case c.PerPage == 0:
		c.PerPage = limits.DefaultPerPage
	case c.PerPage < 0:
		problems["per_page"] = "must be at least 1"
	}
	c.PerPage = ClampPerPage(c.PerPage, limits.MaxPerPage)
	if last := LastPage(c.PerPage, limits.MaxWindow); c.Page > last {
		problems["page"] = fmt.Sprintf("must be at most %d for per_page %d", last, c.PerPage)
	}

	if order := strings.TrimSpace(raw.Order); order != "" {
		if _, ok := allowedOrders[kind][order]; !ok {
			problems["order"] = fmt.Sprintf("unsupported order %q", order)
		} else {
			c.Order = Order(order)
		}
	}

	keys := make([]string, 0, len(raw.Filters))
	for key := range raw.Filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		field := "filters." + key
		if _, ok := allowed[key]; !ok {
			problems[field] = "unknown filter"
			continue
		}
		if err := c.Filters.set(key, raw.Filters[key]); err != nil {
			problems[field] = err.Error()
		}
	}

	if c.Order == OrderDistance && c.Filters.Location == nil {
		problems["order"] = "distance order requires a location filter"
	}
	if c.Filters.StartsAfter != nil && c.Filters.EndsBefore != nil && !c.Filters.EndsBefore.After(*c.Filters.StartsAfter) {
		problems["filters.ends_before"] = "must be after starts_after"
	}

	if len(problems) > 0 {
		return Criteria{}, appErrors.WithDetails(appErrors.ErrValidation, "invalid search criteria", problems)
	}
	return c, nil
}

// ClampPerPage bounds perPage to [1, max]. A non-positive max disables the
// upper bound.
func ClampPerPage(perPage, max int) int {
	if perPage < 1 {
		perPage = 1
	}
	if max > 0 && perPage > max {
		perPage = max
	}
	return perPage
}

// LastPage is the highest page whose results fit inside window. A
// non-positive window means DefaultMaxWindow.
func LastPage(perPage, window int) int {
	if window <= 0 {
		window = DefaultMaxWindow
	}
	if perPage < 1 {
		perPage = 1
	}
	if last := window / perPage; last > 1 {
		return last
	}
	return 1
}

func (f *Filters) set(key string, raw json.RawMessage) error {
	switch key {
	case FilterCategoryID:
		return decodeIDs(raw, &f.CategoryIDs)
	case FilterPersonaID:
		return decodeIDs(raw, &f.PersonaIDs)
	case FilterTaxonomyID:
		return decodeIDs(raw, &f.TaxonomyIDs)
	case FilterOrganisationID:
		return decodeIDs(raw, &f.OrganisationIDs)
	case FilterType:
		return decodeIDs(raw, &f.Types)
	case FilterIsFree:
		var v *bool
		if err := json.Unmarshal(raw, &v); err != nil || v == nil {
			return fmt.Errorf("must be a boolean")
		}
		f.IsFree = v
	case FilterStartsAfter:
		t, err := decodeDate(raw)
		if err != nil {
			return err
		}
		f.StartsAfter = &t
	case FilterEndsBefore:
		t, err := decodeDate(raw)
		if err != nil {
			return err
		}
		f.EndsBefore = &t
	case FilterLocation:
		var in locationInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("must be an object with lat, lon and optional radius")
		}
		if err := validate.Struct(in); err != nil {
			return fmt.Errorf("invalid location: %s", describe(err))
		}
		f.Location = &LocationFilter{Lat: *in.Lat, Lon: *in.Lon, Radius: in.Radius}
	}
	return nil
}

// decodeIDs accepts a single string or a list of strings.
func decodeIDs(raw json.RawMessage, dest *[]string) error {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		single = strings.TrimSpace(single)
		if single == "" {
			return fmt.Errorf("must not be empty")
		}
		*dest = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return fmt.Errorf("must be a string or a list of strings")
	}
	out := make([]string, 0, len(many))
	for _, v := range many {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fmt.Errorf("must not be empty")
	}
	*dest = out
	return nil
}

func decodeDate(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("must be a date string")
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("must be YYYY-MM-DD or RFC3339")
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

func setOf(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
