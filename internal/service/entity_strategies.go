package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"

	"github.com/noah-isme/connect-api/internal/models"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

// FieldKind is the value type of an entity field.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldBool
	FieldInt
	FieldFloat
	FieldTime
	FieldRef
)

// FieldRule describes one patchable field.
type FieldRule struct {
	Name     string
	Kind     FieldKind
	Rules    string // validator tags applied to non-null values
	Required bool
	Ref      models.EntityType
	Default  any
}

// Violation is one failed rule, keyed by field.
type Violation struct {
	Field   string
	Message string
}

// entityLookup is the read surface invariants and reference checks need.
type entityLookup interface {
	Exists(ctx context.Context, t models.EntityType, id string) (bool, error)
	ExistsWhere(ctx context.Context, t models.EntityType, match map[string]interface{}, excludeID string) (bool, error)
}

// Invariant checks a whole entity and returns a violation when it is broken.
type Invariant func(ctx context.Context, lookup entityLookup, e *models.Entity) (*Violation, error)

// EntityStrategy is the validation and merge behaviour of one entity type.
type EntityStrategy struct {
	Type       models.EntityType
	Fields     []FieldRule
	Invariants []Invariant
	// Scoped strategies have invariants spanning sibling rows; merges take a
	// transaction scoped lock on the type before reading siblings.
	Scoped  bool
	Prepare func(e *models.Entity) []string
}

// Field returns the field definition for name.
func (s *EntityStrategy) Field(name string) (FieldRule, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldRule{}, false
}

// Columns returns every field name.
func (s *EntityStrategy) Columns() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// EntityRegistry holds the strategy of each entity type. The same rules back
// update request submission and merge.
type EntityRegistry struct {
	strategies map[models.EntityType]*EntityStrategy
	validate   *validator.Validate
	lookup     entityLookup
}

// NewEntityRegistry registers the built-in strategies.
func NewEntityRegistry(lookup entityLookup, validate *validator.Validate) *EntityRegistry {
	if validate == nil {
		validate = validator.New()
	}
	mustRegisterValidation(validate, "slug", func(fl validator.FieldLevel) bool {
		return slug.IsSlug(fl.Field().String())
	})
	r := &EntityRegistry{
		strategies: make(map[models.EntityType]*EntityStrategy),
		validate:   validate,
		lookup:     lookup,
	}
	for _, s := range defaultStrategies() {
		r.Register(s)
	}
	return r
}

func mustRegisterValidation(validate *validator.Validate, tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %q validation: %v", tag, err))
	}
}

// Register adds or replaces a strategy.
func (r *EntityRegistry) Register(s *EntityStrategy) {
	r.strategies[s.Type] = s
}

// Strategy returns the strategy for t.
func (r *EntityRegistry) Strategy(t models.EntityType) (*EntityStrategy, bool) {
	s, ok := r.strategies[t]
	return s, ok
}

// Exists reports whether entity t/id exists.
func (r *EntityRegistry) Exists(ctx context.Context, t models.EntityType, id string) (bool, error) {
	return r.lookup.Exists(ctx, t, id)
}

// NormalizePatch type checks and coerces every value of data against the
// field rules of t. Unknown fields are violations.
func (r *EntityRegistry) NormalizePatch(t models.EntityType, data map[string]any) (map[string]any, []Violation) {
	strategy, ok := r.Strategy(t)
	if !ok {
		return nil, []Violation{{Field: "entity_type", Message: fmt.Sprintf("unsupported entity type %q", t)}}
	}
	out := make(map[string]any, len(data))
	var violations []Violation
	for _, name := range sortedKeys(data) {
		rule, ok := strategy.Field(name)
		if !ok {
			violations = append(violations, Violation{Field: name, Message: "unknown field"})
			continue
		}
		value, err := r.coerce(rule, data[name])
		if err != nil {
			violations = append(violations, Violation{Field: name, Message: err.Error()})
			continue
		}
		out[name] = value
	}
	return out, violations
}

// ValidatePatch validates a submitted patch: value rules, required fields when
// creating, and existence of referenced entities. It returns the normalised
// patch or a validation error.
func (r *EntityRegistry) ValidatePatch(ctx context.Context, t models.EntityType, creating bool, data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "data must contain at least one field")
	}
	patch, violations := r.NormalizePatch(t, data)
	if len(violations) > 0 {
		return nil, violationError(appErrors.ErrValidation, "invalid update request data", violations)
	}
	strategy, _ := r.Strategy(t)
	if creating {
		for _, rule := range strategy.Fields {
			if rule.Required && patch[rule.Name] == nil {
				violations = append(violations, Violation{Field: rule.Name, Message: "is required"})
			}
		}
	} else {
		for _, rule := range strategy.Fields {
			if v, present := patch[rule.Name]; present && v == nil && rule.Required {
				violations = append(violations, Violation{Field: rule.Name, Message: "cannot be cleared"})
			}
		}
	}
	refViolations, err := r.checkRefs(ctx, strategy, patch)
	if err != nil {
		return nil, err
	}
	violations = append(violations, refViolations...)
	if len(violations) > 0 {
		return nil, violationError(appErrors.ErrValidation, "invalid update request data", violations)
	}
	return patch, nil
}

// ValidateEntity checks the merged entity as a whole: required fields, value
// rules, references and the cross-field and sibling invariants of its type.
func (r *EntityRegistry) ValidateEntity(ctx context.Context, e *models.Entity) ([]Violation, error) {
	strategy, ok := r.Strategy(e.Type)
	if !ok {
		return []Violation{{Field: "entity_type", Message: fmt.Sprintf("unsupported entity type %q", e.Type)}}, nil
	}
	var violations []Violation
	known := make(map[string]any, len(strategy.Fields))
	for _, rule := range strategy.Fields {
		value, present := e.Fields[rule.Name]
		if !present || value == nil {
			if rule.Required {
				violations = append(violations, Violation{Field: rule.Name, Message: "is required"})
			}
			continue
		}
		coerced, err := r.coerce(rule, value)
		if err != nil {
			violations = append(violations, Violation{Field: rule.Name, Message: err.Error()})
			continue
		}
		known[rule.Name] = coerced
	}
	refViolations, err := r.checkRefs(ctx, strategy, known)
	if err != nil {
		return nil, err
	}
	violations = append(violations, refViolations...)
	if len(violations) > 0 {
		return violations, nil
	}
	for _, check := range strategy.Invariants {
		v, err := check(ctx, r.lookup, e)
		if err != nil {
			return nil, err
		}
		if v != nil {
			violations = append(violations, *v)
		}
	}
	return violations, nil
}

// Defaults returns the default values applied to new entities of t.
func (r *EntityRegistry) Defaults(t models.EntityType) map[string]any {
	out := make(map[string]any)
	strategy, ok := r.Strategy(t)
	if !ok {
		return out
	}
	for _, rule := range strategy.Fields {
		if rule.Default != nil {
			out[rule.Name] = rule.Default
		}
	}
	return out
}

func (r *EntityRegistry) checkRefs(ctx context.Context, strategy *EntityStrategy, values map[string]any) ([]Violation, error) {
	var violations []Violation
	for _, rule := range strategy.Fields {
		if rule.Kind != FieldRef {
			continue
		}
		id, ok := values[rule.Name].(string)
		if !ok || id == "" {
			continue
		}
		exists, err := r.lookup.Exists(ctx, rule.Ref, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			violations = append(violations, Violation{Field: rule.Name, Message: fmt.Sprintf("%s %s does not exist", rule.Ref, id)})
		}
	}
	return violations, nil
}

func (r *EntityRegistry) coerce(rule FieldRule, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var out any
	switch rule.Kind {
	case FieldString, FieldRef:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			// Blank strings clear optional fields.
			return nil, nil
		}
		out = s
	case FieldBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean")
		}
		out = b
	case FieldInt:
		switch n := value.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("must be an integer")
			}
			out = int64(n)
		case int64:
			out = n
		case int:
			out = int64(n)
		case int32:
			out = int64(n)
		default:
			return nil, fmt.Errorf("must be an integer")
		}
	case FieldFloat:
		switch n := value.(type) {
		case float64:
			out = n
		case int64:
			out = float64(n)
		case string:
			// numeric columns scan as text
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("must be a number")
			}
			out = f
		default:
			return nil, fmt.Errorf("must be a number")
		}
	case FieldTime:
		switch t := value.(type) {
		case time.Time:
			out = t.UTC()
		case string:
			parsed, err := parseTime(t)
			if err != nil {
				return nil, err
			}
			out = parsed
		default:
			return nil, fmt.Errorf("must be a date-time string")
		}
	}
	if rule.Rules != "" {
		if err := r.validate.Var(out, rule.Rules); err != nil {
			return nil, fmt.Errorf("failed %s", ruleNames(err))
		}
	}
	return out, nil
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("must be an RFC3339 date-time")
}

func ruleNames(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fe.Tag()+"="+fe.Param())
			continue
		}
		parts = append(parts, fe.Tag())
	}
	return strings.Join(parts, ",")
}

func violationError(base *appErrors.Error, message string, violations []Violation) error {
	details := make(map[string]any, len(violations))
	for _, v := range violations {
		details[v.Field] = v.Message
	}
	return appErrors.WithDetails(base, message, details)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var serviceTypes = "oneof=service activity club group helpline information app advice"

func defaultStrategies() []*EntityStrategy {
	return []*EntityStrategy{
		{
			Type: models.EntityOrganisation,
			Fields: []FieldRule{
				{Name: "name", Kind: FieldString, Rules: "max=255", Required: true},
				{Name: "slug", Kind: FieldString, Rules: "max=255,slug"},
				{Name: "description", Kind: FieldString, Rules: "max=10000", Required: true},
				{Name: "url", Kind: FieldString, Rules: "url,max=255"},
				{Name: "email", Kind: FieldString, Rules: "email,max=255"},
				{Name: "phone", Kind: FieldString, Rules: "max=255"},
			},
			Scoped:     true,
			Prepare:    deriveSlug("name"),
			Invariants: []Invariant{uniqueAmongSiblings("slug")},
		},
		{
			Type: models.EntityService,
			Fields: []FieldRule{
				{Name: "organisation_id", Kind: FieldRef, Ref: models.EntityOrganisation, Rules: "uuid", Required: true},
				{Name: "name", Kind: FieldString, Rules: "max=255", Required: true},
				{Name: "slug", Kind: FieldString, Rules: "max=255,slug"},
				{Name: "type", Kind: FieldString, Rules: serviceTypes, Required: true},
				{Name: "status", Kind: FieldString, Rules: "oneof=active inactive", Required: true, Default: "active"},
				{Name: "intro", Kind: FieldString, Rules: "max=300", Required: true},
				{Name: "description", Kind: FieldString, Rules: "max=10000", Required: true},
				{Name: "is_free", Kind: FieldBool, Required: true},
				{Name: "fees_text", Kind: FieldString, Rules: "max=255"},
				{Name: "url", Kind: FieldString, Rules: "url,max=255"},
			},
			Scoped:  true,
			Prepare: deriveSlug("name"),
			Invariants: []Invariant{
				uniqueAmongSiblings("slug"),
				feesTextWhenNotFree,
			},
		},
		{
			Type: models.EntityLocation,
			Fields: []FieldRule{
				{Name: "name", Kind: FieldString, Rules: "max=255"},
				{Name: "address_line_1", Kind: FieldString, Rules: "max=255", Required: true},
				{Name: "address_line_2", Kind: FieldString, Rules: "max=255"},
				{Name: "address_line_3", Kind: FieldString, Rules: "max=255"},
				{Name: "city", Kind: FieldString, Rules: "max=255", Required: true},
				{Name: "county", Kind: FieldString, Rules: "max=255"},
				{Name: "postcode", Kind: FieldString, Rules: "max=255", Required: true},
				{Name: "country", Kind: FieldString, Rules: "max=255", Required: true},
				{Name: "lat", Kind: FieldFloat, Rules: "latitude"},
				{Name: "lon", Kind: FieldFloat, Rules: "longitude"},
				{Name: "has_wheelchair_access", Kind: FieldBool, Default: false},
				{Name: "has_induction_loop", Kind: FieldBool, Default: false},
			},
			Invariants: []Invariant{bothOrNeither("lat", "lon")},
		},
		{
			Type: models.EntityServiceLocation,
			Fields: []FieldRule{
				{Name: "service_id", Kind: FieldRef, Ref: models.EntityService, Rules: "uuid", Required: true},
				{Name: "location_id", Kind: FieldRef, Ref: models.EntityLocation, Rules: "uuid", Required: true},
				{Name: "name", Kind: FieldString, Rules: "max=255"},
			},
			Scoped:     true,
			Invariants: []Invariant{uniqueAmongSiblings("service_id", "location_id")},
		},
		{
			Type: models.EntityOrganisationEvent,
			Fields: []FieldRule{
				{Name: "organisation_id", Kind: FieldRef, Ref: models.EntityOrganisation, Rules: "uuid", Required: true},
				{Name: "title", Kind: FieldString, Rules: "max=255", Required: true},
				{Name: "intro", Kind: FieldString, Rules: "max=300", Required: true},
				{Name: "description", Kind: FieldString, Rules: "max=10000", Required: true},
				{Name: "start_date", Kind: FieldTime, Required: true},
				{Name: "end_date", Kind: FieldTime, Required: true},
				{Name: "is_free", Kind: FieldBool, Required: true},
				{Name: "fees_text", Kind: FieldString, Rules: "max=255"},
				{Name: "location_id", Kind: FieldRef, Ref: models.EntityLocation, Rules: "uuid"},
				{Name: "is_virtual", Kind: FieldBool, Default: false},
			},
			Invariants: []Invariant{
				endNotBeforeStart,
				locationUnlessVirtual,
				feesTextWhenNotFree,
			},
		},
		collectionStrategy(models.EntityCollectionPersona, FieldRule{Name: "subtitle", Kind: FieldString, Rules: "max=255"}),
		collectionStrategy(models.EntityCollectionCategory),
	}
}

func collectionStrategy(t models.EntityType, extra ...FieldRule) *EntityStrategy {
	fields := []FieldRule{
		{Name: "name", Kind: FieldString, Rules: "max=255", Required: true},
		{Name: "intro", Kind: FieldString, Rules: "max=300"},
		{Name: "order", Kind: FieldInt, Rules: "min=1", Required: true},
		{Name: "enabled", Kind: FieldBool, Default: true},
	}
	return &EntityStrategy{
		Type:       t,
		Fields:     append(fields, extra...),
		Scoped:     true,
		Invariants: []Invariant{uniqueAmongSiblings("order")},
	}
}

// deriveSlug fills an empty slug from source and reports the changed column.
func deriveSlug(source string) func(e *models.Entity) []string {
	return func(e *models.Entity) []string {
		if e.String("slug") != "" {
			return nil
		}
		name := e.String(source)
		if name == "" {
			return nil
		}
		e.Fields["slug"] = slug.Make(name)
		return []string{"slug"}
	}
}

// uniqueAmongSiblings requires the combination of fields to be unique across
// rows of the same type. Unset fields skip the check.
func uniqueAmongSiblings(fields ...string) Invariant {
	return func(ctx context.Context, lookup entityLookup, e *models.Entity) (*Violation, error) {
		match := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			v, ok := e.Value(f)
			if !ok {
				return nil, nil
			}
			match[f] = v
		}
		taken, err := lookup.ExistsWhere(ctx, e.Type, match, e.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return &Violation{Field: strings.Join(fields, ","), Message: "already used by another " + string(e.Type)}, nil
		}
		return nil, nil
	}
}

func bothOrNeither(a, b string) Invariant {
	return func(_ context.Context, _ entityLookup, e *models.Entity) (*Violation, error) {
		_, hasA := e.Value(a)
		_, hasB := e.Value(b)
		if hasA != hasB {
			return &Violation{Field: a + "," + b, Message: "must be provided together"}, nil
		}
		return nil, nil
	}
}

func feesTextWhenNotFree(_ context.Context, _ entityLookup, e *models.Entity) (*Violation, error) {
	if free, ok := e.Bool("is_free"); ok && !free && e.String("fees_text") == "" {
		return &Violation{Field: "fees_text", Message: "is required when is_free is false"}, nil
	}
	return nil, nil
}

func endNotBeforeStart(_ context.Context, _ entityLookup, e *models.Entity) (*Violation, error) {
	start, okStart := e.Time("start_date")
	end, okEnd := e.Time("end_date")
	if okStart && okEnd && end.Before(start) {
		return &Violation{Field: "end_date", Message: "must not be before start_date"}, nil
	}
	return nil, nil
}

func locationUnlessVirtual(_ context.Context, _ entityLookup, e *models.Entity) (*Violation, error) {
	if virtual, _ := e.Bool("is_virtual"); virtual {
		return nil, nil
	}
	if e.String("location_id") == "" {
		return &Violation{Field: "location_id", Message: "is required unless is_virtual is true"}, nil
	}
	return nil, nil
}
