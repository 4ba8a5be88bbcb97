package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/connect-api/internal/models"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
)

func validationDetails(t *testing.T, err error) map[string]any {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, appErrors.ErrValidation), "expected validation error, got %v", err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	return appErr.Details
}

func TestValidatePatchRejectsUnknownAndMistypedFields(t *testing.T) {
	registry := NewEntityRegistry(newMemoryEntityStore(), nil)

	_, err := registry.ValidatePatch(context.Background(), models.EntityCollectionPersona, false, map[string]any{
		"colour":  "red",
		"order":   "first",
		"enabled": "yes",
	})
	details := validationDetails(t, err)
	assert.Equal(t, "unknown field", details["colour"])
	assert.Equal(t, "must be an integer", details["order"])
	assert.Equal(t, "must be a boolean", details["enabled"])
}

func TestValidatePatchAppliesFieldRules(t *testing.T) {
	registry := NewEntityRegistry(newMemoryEntityStore(), nil)

	_, err := registry.ValidatePatch(context.Background(), models.EntityOrganisation, false, map[string]any{
		"slug":  "Not A Slug",
		"email": "nope",
	})
	details := validationDetails(t, err)
	assert.Contains(t, details, "slug")
	assert.Contains(t, details, "email")

	_, err = registry.ValidatePatch(context.Background(), models.EntityCollectionCategory, false, map[string]any{"order": float64(0)})
	details = validationDetails(t, err)
	assert.Equal(t, "failed min=1", details["order"])
}

func TestValidatePatchRequiresFieldsOnCreate(t *testing.T) {
	registry := NewEntityRegistry(newMemoryEntityStore(), nil)

	_, err := registry.ValidatePatch(context.Background(), models.EntityLocation, true, map[string]any{"name": "New Centre"})
	details := validationDetails(t, err)
	for _, field := range []string{"address_line_1", "city", "postcode", "country"} {
		assert.Equal(t, "is required", details[field], field)
	}
	assert.NotContains(t, details, "name")

	_, err = registry.ValidatePatch(context.Background(), models.EntityLocation, false, map[string]any{"city": nil})
	details = validationDetails(t, err)
	assert.Equal(t, "cannot be cleared", details["city"])
}

func TestValidatePatchChecksReferences(t *testing.T) {
	store := newMemoryEntityStore()
	store.put(models.EntityService, serviceID, map[string]any{"name": "Library"})
	registry := NewEntityRegistry(store, nil)

	_, err := registry.ValidatePatch(context.Background(), models.EntityServiceLocation, true, map[string]any{
		"service_id":  serviceID,
		"location_id": locationID,
	})
	details := validationDetails(t, err)
	assert.NotContains(t, details, "service_id")
	assert.Contains(t, details["location_id"], "does not exist")

	store.put(models.EntityLocation, locationID, map[string]any{"address_line_1": "1 High St"})
	patch, err := registry.ValidatePatch(context.Background(), models.EntityServiceLocation, true, map[string]any{
		"service_id":  serviceID,
		"location_id": locationID,
	})
	require.NoError(t, err)
	assert.Equal(t, serviceID, patch["service_id"])
}

func TestValidatePatchCoercesValues(t *testing.T) {
	registry := NewEntityRegistry(newMemoryEntityStore(), nil)

	patch, err := registry.ValidatePatch(context.Background(), models.EntityCollectionPersona, false, map[string]any{
		"order": float64(3),
		"intro": "  trimmed  ",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), patch["order"])
	assert.Equal(t, "trimmed", patch["intro"])

	_, err = registry.ValidatePatch(context.Background(), models.EntityCollectionPersona, false, map[string]any{"order": 2.5})
	details := validationDetails(t, err)
	assert.Equal(t, "must be an integer", details["order"])
}

func TestValidatePatchRejectsEmptyData(t *testing.T) {
	registry := NewEntityRegistry(newMemoryEntityStore(), nil)
	_, err := registry.ValidatePatch(context.Background(), models.EntityService, false, map[string]any{})
	require.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestValidateEntityEventInvariants(t *testing.T) {
	store := newMemoryEntityStore()
	store.put(models.EntityOrganisation, orgID, map[string]any{"name": "Council"})
	registry := NewEntityRegistry(store, nil)

	start := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	event := models.NewEntity(models.EntityOrganisationEvent, newID)
	event.Fields = map[string]any{
		"organisation_id": orgID,
		"title":           "Fun Day",
		"intro":           "Games",
		"description":     "Games for all ages",
		"start_date":      start,
		"end_date":        start.Add(-time.Hour),
		"is_free":         true,
		"is_virtual":      false,
	}

	violations, err := registry.ValidateEntity(context.Background(), event)
	require.NoError(t, err)
	fields := make([]string, 0, len(violations))
	for _, v := range violations {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"end_date", "location_id"}, fields)

	event.Fields["end_date"] = start.Add(2 * time.Hour)
	event.Fields["is_virtual"] = true
	violations, err = registry.ValidateEntity(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestValidateEntityLocationCoordinatesTogether(t *testing.T) {
	registry := NewEntityRegistry(newMemoryEntityStore(), nil)
	location := models.NewEntity(models.EntityLocation, locationID)
	location.Fields = map[string]any{
		"address_line_1": "1 High St",
		"city":           "Hounslow",
		"postcode":       "TW3 1AA",
		"country":        "United Kingdom",
		"lat":            "51.4677",
	}

	violations, err := registry.ValidateEntity(context.Background(), location)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "lat,lon", violations[0].Field)
}

func TestRegistryDefaults(t *testing.T) {
	registry := NewEntityRegistry(newMemoryEntityStore(), nil)
	assert.Equal(t, map[string]any{"status": "active"}, registry.Defaults(models.EntityService))
	assert.Equal(t, map[string]any{"enabled": true}, registry.Defaults(models.EntityCollectionCategory))
}

func TestRegistrySharesCallerValidator(t *testing.T) {
	validate := validator.New()
	NewEntityRegistry(newMemoryEntityStore(), validate)
	assert.NoError(t, validate.Var("hounslow-carers", "slug"))
	assert.Error(t, validate.Var("Hounslow Carers", "slug"))
}

func TestMustRegisterValidationPanicsOnFailure(t *testing.T) {
	assert.Panics(t, func() {
		mustRegisterValidation(validator.New(), "", func(fl validator.FieldLevel) bool { return true })
	})
	assert.NotPanics(t, func() {
		mustRegisterValidation(validator.New(), "always", func(fl validator.FieldLevel) bool { return true })
	})
}
