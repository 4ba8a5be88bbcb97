package search

// Mapping returns the index settings and mappings for kind. Text fields that
// can be sorted by name carry a keyword sub-field.
func Mapping(kind Kind) map[string]any {
	properties := map[string]any{
		"id":                keyword(),
		"intro":             text(),
		"description":       text(),
		"is_free":           map[string]any{"type": "boolean"},
		"organisation_id":   keyword(),
		"organisation_name": text(),
		"address":           text(),
	}
	switch kind {
	case KindEvents:
		properties["title"] = sortableText()
		properties["start_date"] = map[string]any{"type": "date"}
		properties["end_date"] = map[string]any{"type": "date"}
		properties["is_virtual"] = map[string]any{"type": "boolean"}
		properties["location"] = map[string]any{"type": "geo_point"}
	default:
		properties["name"] = sortableText()
		properties["slug"] = keyword()
		properties["type"] = keyword()
		properties["status"] = keyword()
		properties["taxonomy_ids"] = keyword()
		properties["taxonomy_categories"] = text()
		properties["category_ids"] = keyword()
		properties["persona_ids"] = keyword()
		properties["locations"] = map[string]any{"type": "geo_point"}
	}
	return map[string]any{
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
		"mappings": map[string]any{
			"dynamic":    "strict",
			"properties": properties,
		},
	}
}

func keyword() map[string]any { return map[string]any{"type": "keyword"} }

func text() map[string]any { return map[string]any{"type": "text", "analyzer": "english"} }

func sortableText() map[string]any {
	return map[string]any{
		"type":     "text",
		"analyzer": "english",
		"fields":   map[string]any{"keyword": map[string]any{"type": "keyword", "ignore_above": 256}},
	}
}
