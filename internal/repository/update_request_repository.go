package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/connect-api/internal/models"
)

const updateRequestColumns = `id, entity_type, entity_id, data, status, submitted_by, submitted_at, reviewed_by, reviewed_at, note`

// UpdateRequestRepository persists moderation requests.
type UpdateRequestRepository struct {
	db *sqlx.DB
}

// NewUpdateRequestRepository constructs the repository.
func NewUpdateRequestRepository(db *sqlx.DB) *UpdateRequestRepository {
	return &UpdateRequestRepository{db: db}
}

// Create inserts a new pending request.
func (r *UpdateRequestRepository) Create(ctx context.Context, req *models.UpdateRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.UpdateRequestStatusPending
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	const query = `INSERT INTO update_requests (` + updateRequestColumns + `)
	VALUES (:id, :entity_type, :entity_id, :data, :status, :submitted_by, :submitted_at, :reviewed_by, :reviewed_at, :note)`
	if _, err := executor(ctx, r.db).NamedExecContext(ctx, query, req); err != nil {
		return fmt.Errorf("create update request: %w", err)
	}
	return nil
}

// GetByID fetches a request by identifier.
func (r *UpdateRequestRepository) GetByID(ctx context.Context, id string) (*models.UpdateRequest, error) {
	const query = `SELECT ` + updateRequestColumns + ` FROM update_requests WHERE id = $1`
	var req models.UpdateRequest
	if err := executor(ctx, r.db).GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetForUpdate fetches and row-locks a request. It must run inside a
// transaction so the lock is held until the review commits.
func (r *UpdateRequestRepository) GetForUpdate(ctx context.Context, id string) (*models.UpdateRequest, error) {
	if !inTx(ctx) {
		return nil, fmt.Errorf("lock update request: no transaction in context")
	}
	const query = `SELECT ` + updateRequestColumns + ` FROM update_requests WHERE id = $1 FOR UPDATE`
	var req models.UpdateRequest
	if err := executor(ctx, r.db).GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns requests matching the filter (latest first) and the total
// number of matches ignoring limit and offset.
func (r *UpdateRequestRepository) List(ctx context.Context, filter models.UpdateRequestFilter) ([]models.UpdateRequest, int, error) {
	args := make([]interface{}, 0, 6)
	conditions := make([]string, 0, 4)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if filter.SubmittedBy != "" {
		args = append(args, filter.SubmittedBy)
		conditions = append(conditions, fmt.Sprintf("submitted_by = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	db := executor(ctx, r.db)
	var total int
	if err := db.GetContext(ctx, &total, "SELECT COUNT(*) FROM update_requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count update requests: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf("SELECT %s FROM update_requests%s ORDER BY submitted_at DESC LIMIT %d OFFSET %d",
		updateRequestColumns, where, limit, offset)

	var requests []models.UpdateRequest
	if err := db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list update requests: %w", err)
	}
	return requests, total, nil
}

// UpdateStatusParams groups the columns written by a review.
type UpdateStatusParams struct {
	ID         string
	Status     models.UpdateRequestStatus
	ReviewedBy string
	ReviewedAt time.Time
	Note       *string
	EntityID   *string
}

// UpdateStatus persists a review outcome. Only pending rows are updated;
// sql.ErrNoRows signals the request was already reviewed or does not exist.
func (r *UpdateRequestRepository) UpdateStatus(ctx context.Context, params UpdateStatusParams) error {
	setParts := []string{
		"status = :status",
		"reviewed_by = :reviewed_by",
		"reviewed_at = :reviewed_at",
	}
	if params.Note != nil {
		setParts = append(setParts, "note = :note")
	}
	if params.EntityID != nil {
		setParts = append(setParts, "entity_id = :entity_id")
	}
	query := fmt.Sprintf("UPDATE update_requests SET %s WHERE id = :id AND status = '%s'",
		strings.Join(setParts, ", "),
		models.UpdateRequestStatusPending,
	)
	result, err := executor(ctx, r.db).NamedExecContext(ctx, query, map[string]interface{}{
		"id":          params.ID,
		"status":      params.Status,
		"reviewed_by": params.ReviewedBy,
		"reviewed_at": params.ReviewedAt,
		"note":        params.Note,
		"entity_id":   params.EntityID,
	})
	if err != nil {
		return fmt.Errorf("update update request status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check update request rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
