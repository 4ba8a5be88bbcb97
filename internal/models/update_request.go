package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// UpdateRequestStatus captures moderation states.
type UpdateRequestStatus string

const (
	UpdateRequestStatusPending  UpdateRequestStatus = "PENDING"
	UpdateRequestStatusApproved UpdateRequestStatus = "APPROVED"
	UpdateRequestStatusRejected UpdateRequestStatus = "REJECTED"
)

// Valid reports whether s is a known status.
func (s UpdateRequestStatus) Valid() bool {
	switch s {
	case UpdateRequestStatusPending, UpdateRequestStatusApproved, UpdateRequestStatusRejected:
		return true
	}
	return false
}

// UpdateRequest is a proposed sparse patch awaiting review. A nil EntityID
// asks for a new entity; approval records the id that was assigned.
type UpdateRequest struct {
	ID          string              `db:"id" json:"id"`
	EntityType  EntityType          `db:"entity_type" json:"entity_type"`
	EntityID    *string             `db:"entity_id" json:"entity_id"`
	Data        types.JSONText      `db:"data" json:"data"`
	Status      UpdateRequestStatus `db:"status" json:"status"`
	SubmittedBy string              `db:"submitted_by" json:"submitted_by"`
	SubmittedAt time.Time           `db:"submitted_at" json:"submitted_at"`
	ReviewedBy  *string             `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time          `db:"reviewed_at" json:"reviewed_at,omitempty"`
	Note        *string             `db:"note" json:"note,omitempty"`
}

// Pending reports whether the request can still be reviewed.
func (r *UpdateRequest) Pending() bool {
	return r.Status == UpdateRequestStatusPending
}

// IsCreation reports whether the request asks for a new entity.
func (r *UpdateRequest) IsCreation() bool {
	return r.EntityID == nil || *r.EntityID == ""
}

// UpdateRequestFilter constrains listing queries.
type UpdateRequestFilter struct {
	Status      []UpdateRequestStatus
	EntityType  EntityType
	EntityID    string
	SubmittedBy string
	Limit       int
	Offset      int
}

// ApprovalResult pairs the approved request with the merged entity.
type ApprovalResult struct {
	UpdateRequest *UpdateRequest `json:"update_request"`
	Entity        *Entity        `json:"entity"`
}
