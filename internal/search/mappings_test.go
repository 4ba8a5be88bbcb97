package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func properties(t *testing.T, kind Kind) map[string]any {
	t.Helper()
	mappings, ok := Mapping(kind)["mappings"].(map[string]any)
	require.True(t, ok)
	props, ok := mappings["properties"].(map[string]any)
	require.True(t, ok)
	return props
}

func TestMappingCoversQueriedFields(t *testing.T) {
	for kind, fields := range DefaultFields() {
		props := properties(t, kind)
		for _, f := range fields {
			assert.Contains(t, props, f.Field, "%s.%s", kind, f.Field)
		}
		assert.Equal(t, "geo_point", props[geoField(kind)].(map[string]any)["type"])
		name := props[nameField(kind)].(map[string]any)
		assert.Contains(t, name["fields"], "keyword")
	}
}

func TestMappingFilterFieldsAreKeywords(t *testing.T) {
	props := properties(t, KindServices)
	for _, field := range []string{"category_ids", "persona_ids", "taxonomy_ids", "organisation_id", "type"} {
		assert.Equal(t, "keyword", props[field].(map[string]any)["type"], field)
	}
	events := properties(t, KindEvents)
	assert.Equal(t, "date", events["start_date"].(map[string]any)["type"])
	assert.NotContains(t, events, "category_ids")
}
