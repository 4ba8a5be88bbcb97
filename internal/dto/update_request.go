package dto

import "encoding/json"

// SubmitUpdateRequest proposes a sparse patch. A missing entity_id asks for a
// new entity.
type SubmitUpdateRequest struct {
	EntityType string          `json:"entity_type" binding:"required"`
	EntityID   *string         `json:"entity_id"`
	Data       json.RawMessage `json:"data" binding:"required"`
}

// ReviewUpdateRequest carries the optional reviewer note.
type ReviewUpdateRequest struct {
	Note string `json:"note" binding:"max=2000"`
}

// UpdateRequestQuery mirrors supported listing filters. Status accepts a
// comma separated list.
type UpdateRequestQuery struct {
	Status      string `form:"status"`
	EntityType  string `form:"entity_type"`
	EntityID    string `form:"entity_id"`
	SubmittedBy string `form:"submitted_by"`
	Page        int    `form:"page"`
	PageSize    int    `form:"page_size"`
}

// ExportUpdateRequestsQuery selects the export format on top of the listing
// filters.
type ExportUpdateRequestsQuery struct {
	UpdateRequestQuery
	Format string `form:"format"`
}
