package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/connect-api/internal/dto"
	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/repository"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
	"github.com/noah-isme/connect-api/pkg/events"
	"github.com/noah-isme/connect-api/pkg/export"
)

const (
	defaultUpdateRequestPageSize = 20
	maxUpdateRequestPageSize     = 100
	exportBatchSize              = 200
)

type updateRequestStore interface {
	Create(ctx context.Context, req *models.UpdateRequest) error
	GetByID(ctx context.Context, id string) (*models.UpdateRequest, error)
	GetForUpdate(ctx context.Context, id string) (*models.UpdateRequest, error)
	List(ctx context.Context, filter models.UpdateRequestFilter) ([]models.UpdateRequest, int, error)
	UpdateStatus(ctx context.Context, params repository.UpdateStatusParams) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type entityMerger interface {
	Merge(ctx context.Context, req *models.UpdateRequest) (*models.Entity, error)
}

type reindexScheduler interface {
	EnqueueReindex(ctx context.Context, t models.EntityType, id string) error
}

type exporter interface {
	ContentType() string
	Extension() string
	Render(data export.Dataset) ([]byte, error)
}

// ExportFile is a rendered moderation queue export.
type ExportFile struct {
	Filename    string
	ContentType string
	Payload     []byte
}

// UpdateRequestService orchestrates submission and review of update requests.
type UpdateRequestService struct {
	repo      updateRequestStore
	tx        transactor
	registry  *EntityRegistry
	merger    entityMerger
	audit     auditLogger
	reindex   reindexScheduler
	publisher events.Publisher
	metrics   *MetricsService
	exporters map[string]exporter
	txTimeout time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// UpdateRequestServiceOption configures the service.
type UpdateRequestServiceOption func(*UpdateRequestService)

// WithReindexScheduler sets the indexing trigger used after approvals.
func WithReindexScheduler(reindex reindexScheduler) UpdateRequestServiceOption {
	return func(s *UpdateRequestService) {
		s.reindex = reindex
	}
}

// WithEventPublisher sets the workflow event publisher.
func WithEventPublisher(publisher events.Publisher) UpdateRequestServiceOption {
	return func(s *UpdateRequestService) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

// WithUpdateRequestMetrics records submissions and review outcomes.
func WithUpdateRequestMetrics(metrics *MetricsService) UpdateRequestServiceOption {
	return func(s *UpdateRequestService) {
		s.metrics = metrics
	}
}

// WithReviewTimeout bounds the approve/reject transaction.
func WithReviewTimeout(timeout time.Duration) UpdateRequestServiceOption {
	return func(s *UpdateRequestService) {
		s.txTimeout = timeout
	}
}

// WithUpdateRequestClock overrides the review timestamp source.
func WithUpdateRequestClock(now func() time.Time) UpdateRequestServiceOption {
	return func(s *UpdateRequestService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewUpdateRequestService constructs the service with defaults.
func NewUpdateRequestService(repo updateRequestStore, tx transactor, registry *EntityRegistry, merger entityMerger, audit auditLogger, logger *zap.Logger, opts ...UpdateRequestServiceOption) *UpdateRequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &UpdateRequestService{
		repo:      repo,
		tx:        tx,
		registry:  registry,
		merger:    merger,
		audit:     audit,
		publisher: events.NoopPublisher{},
		exporters: map[string]exporter{
			"csv": export.NewCSVExporter(),
			"pdf": export.NewPDFExporter(),
		},
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Submit validates data against the field rules of the target type and stores
// a pending update request.
func (s *UpdateRequestService) Submit(ctx context.Context, req dto.SubmitUpdateRequest, actor *models.JWTClaims) (*models.UpdateRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	entityType := models.EntityType(strings.ToLower(strings.TrimSpace(req.EntityType)))
	if !entityType.Valid() {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "unsupported entity type", map[string]any{"entity_type": req.EntityType})
	}
	var data map[string]any
	if err := json.Unmarshal(req.Data, &data); err != nil || data == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "data must be a JSON object")
	}

	var entityID *string
	if req.EntityID != nil {
		entityID = optionalString(*req.EntityID)
	}
	if entityID != nil {
		exists, err := s.registry.Exists(ctx, entityType, *entityID)
		if err != nil {
			return nil, backendError(err, "failed to load target entity")
		}
		if !exists {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("%s %s not found", entityType, *entityID))
		}
	}
	patch, err := s.registry.ValidatePatch(ctx, entityType, entityID == nil, data)
	if err != nil {
		return nil, backendError(err, "failed to validate update request")
	}
	normalised, err := json.Marshal(patch)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to encode update request data")
	}
	updateRequest := &models.UpdateRequest{
		EntityType:  entityType,
		EntityID:    entityID,
		Data:        normalised,
		SubmittedBy: actor.UserID,
	}
	if err := s.repo.Create(ctx, updateRequest); err != nil {
		return nil, backendError(err, "failed to store update request")
	}

	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionUpdateRequestSubmit,
		Resource:   string(entityType),
		ResourceID: entityID,
		NewValues:  updateRequest.Data,
	})
	s.metrics.RecordSubmission(string(entityType))
	s.publish(ctx, events.TopicUpdateRequestSubmitted, updateRequest)
	return updateRequest, nil
}

// Approve merges a pending request into its entity and marks it approved in
// one transaction. After commit the entity is scheduled for reindexing;
// failures there are logged and never undo the approval.
func (s *UpdateRequestService) Approve(ctx context.Context, id string, req dto.ReviewUpdateRequest, actor *models.JWTClaims) (*models.ApprovalResult, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	var (
		result     *models.ApprovalResult
		entityType models.EntityType
	)
	err := s.withinReviewTx(ctx, func(txCtx context.Context) error {
		updateRequest, err := s.lockPending(txCtx, id)
		if err != nil {
			return err
		}
		entityType = updateRequest.EntityType
		entity, err := s.merger.Merge(txCtx, updateRequest)
		if err != nil {
			return err
		}
		now := s.now()
		note := optionalString(req.Note)
		if err := s.transition(txCtx, repository.UpdateStatusParams{
			ID:         updateRequest.ID,
			Status:     models.UpdateRequestStatusApproved,
			ReviewedBy: actor.UserID,
			ReviewedAt: now,
			Note:       note,
			EntityID:   &entity.ID,
		}); err != nil {
			return err
		}
		updateRequest.Status = models.UpdateRequestStatusApproved
		updateRequest.ReviewedBy = &actor.UserID
		updateRequest.ReviewedAt = &now
		updateRequest.Note = note
		updateRequest.EntityID = &entity.ID
		result = &models.ApprovalResult{UpdateRequest: updateRequest, Entity: entity}
		return nil
	})
	if err != nil {
		s.recordReviewFailure(id, entityType, err)
		return nil, backendError(err, "failed to approve update request")
	}

	updateRequest := result.UpdateRequest
	s.metrics.RecordReview(string(updateRequest.EntityType), "approved")
	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionUpdateRequestApprove,
		Resource:   string(updateRequest.EntityType),
		ResourceID: updateRequest.EntityID,
		NewValues:  updateRequest.Data,
	})
	if s.reindex != nil {
		for _, target := range reindexTargets(result.Entity) {
			if err := s.reindex.EnqueueReindex(ctx, target.Type, target.ID); err != nil {
				s.logger.Error("reindex not scheduled after approval",
					zap.String("update_request_id", updateRequest.ID),
					zap.String("entity_type", string(target.Type)),
					zap.String("entity_id", target.ID),
					zap.Error(err))
			}
		}
	}
	s.publish(ctx, events.TopicUpdateRequestApproved, updateRequest)
	return result, nil
}

// reindexTargets lists the merged entity and every indexed record it was
// detached from, whose documents still embed the old link.
func reindexTargets(e *models.Entity) []models.EntityRef {
	targets := []models.EntityRef{{Type: e.Type, ID: e.ID}}
	for _, ref := range e.Unlinked {
		if ref.Type == models.EntityService || ref.Type == models.EntityOrganisationEvent {
			targets = append(targets, ref)
		}
	}
	return targets
}

// Reject marks a pending request rejected. The target entity is untouched.
func (s *UpdateRequestService) Reject(ctx context.Context, id string, req dto.ReviewUpdateRequest, actor *models.JWTClaims) (*models.UpdateRequest, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	var updateRequest *models.UpdateRequest
	err := s.withinReviewTx(ctx, func(txCtx context.Context) error {
		var err error
		updateRequest, err = s.lockPending(txCtx, id)
		if err != nil {
			return err
		}
		now := s.now()
		note := optionalString(req.Note)
		if err := s.transition(txCtx, repository.UpdateStatusParams{
			ID:         updateRequest.ID,
			Status:     models.UpdateRequestStatusRejected,
			ReviewedBy: actor.UserID,
			ReviewedAt: now,
			Note:       note,
		}); err != nil {
			return err
		}
		updateRequest.Status = models.UpdateRequestStatusRejected
		updateRequest.ReviewedBy = &actor.UserID
		updateRequest.ReviewedAt = &now
		updateRequest.Note = note
		return nil
	})
	if err != nil {
		entityType := models.EntityType("")
		if updateRequest != nil {
			entityType = updateRequest.EntityType
		}
		s.recordReviewFailure(id, entityType, err)
		return nil, backendError(err, "failed to reject update request")
	}

	s.metrics.RecordReview(string(updateRequest.EntityType), "rejected")
	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionUpdateRequestReject,
		Resource:   string(updateRequest.EntityType),
		ResourceID: updateRequest.EntityID,
		OldValues:  updateRequest.Data,
	})
	s.publish(ctx, events.TopicUpdateRequestRejected, updateRequest)
	return updateRequest, nil
}

// List returns update requests visible to actor. Non-reviewers only see their
// own submissions.
func (s *UpdateRequestService) List(ctx context.Context, query dto.UpdateRequestQuery, actor *models.JWTClaims) ([]models.UpdateRequest, *models.Pagination, error) {
	filter, err := buildUpdateRequestFilter(query, actor)
	if err != nil {
		return nil, nil, err
	}
	page := query.Page
	if page <= 0 {
		page = 1
	}
	size := query.PageSize
	if size <= 0 {
		size = defaultUpdateRequestPageSize
	}
	if size > maxUpdateRequestPageSize {
		size = maxUpdateRequestPageSize
	}
	filter.Limit = size
	filter.Offset = (page - 1) * size

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, backendError(err, "failed to list update requests")
	}
	return items, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one update request enforcing visibility.
func (s *UpdateRequestService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.UpdateRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	updateRequest, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "update request not found")
		}
		return nil, backendError(err, "failed to load update request")
	}
	if !actor.Role.CanReview() && updateRequest.SubmittedBy != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return updateRequest, nil
}

// Export renders the filtered moderation queue as CSV or PDF.
func (s *UpdateRequestService) Export(ctx context.Context, query dto.ExportUpdateRequestsQuery, actor *models.JWTClaims) (*ExportFile, error) {
	if err := requireReviewer(actor); err != nil {
		return nil, err
	}
	format := strings.ToLower(strings.TrimSpace(query.Format))
	if format == "" {
		format = "csv"
	}
	renderer, ok := s.exporters[format]
	if !ok {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "unsupported export format", map[string]any{"format": query.Format})
	}
	filter, err := buildUpdateRequestFilter(query.UpdateRequestQuery, actor)
	if err != nil {
		return nil, err
	}

	dataset := export.Dataset{
		Title:   "Update requests",
		Headers: []string{"ID", "Entity Type", "Entity ID", "Status", "Submitted By", "Submitted At", "Reviewed By", "Reviewed At", "Note"},
	}
	filter.Limit = exportBatchSize
	for {
		items, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, backendError(err, "failed to list update requests")
		}
		for _, item := range items {
			dataset.Rows = append(dataset.Rows, exportRow(item))
		}
		filter.Offset += len(items)
		if len(items) == 0 || filter.Offset >= total {
			break
		}
	}

	payload, err := renderer.Render(dataset)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrInternal, err, "failed to render export")
	}
	return &ExportFile{
		Filename:    fmt.Sprintf("update-requests-%s.%s", s.now().Format("20060102-150405"), renderer.Extension()),
		ContentType: renderer.ContentType(),
		Payload:     payload,
	}, nil
}

func (s *UpdateRequestService) withinReviewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}
	return s.tx.WithinTx(ctx, fn)
}

// lockPending loads and row-locks the request, failing unless it is pending.
func (s *UpdateRequestService) lockPending(ctx context.Context, id string) (*models.UpdateRequest, error) {
	updateRequest, err := s.repo.GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "update request not found")
		}
		return nil, err
	}
	if !updateRequest.Pending() {
		return nil, appErrors.Clone(appErrors.ErrStateConflict, fmt.Sprintf("update request already %s", strings.ToLower(string(updateRequest.Status))))
	}
	return updateRequest, nil
}

func (s *UpdateRequestService) transition(ctx context.Context, params repository.UpdateStatusParams) error {
	if err := s.repo.UpdateStatus(ctx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrStateConflict, "update request already reviewed")
		}
		return err
	}
	return nil
}

func (s *UpdateRequestService) recordReviewFailure(id string, entityType models.EntityType, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, appErrors.ErrStateConflict):
		outcome = "state_conflict"
	case errors.Is(err, appErrors.ErrMergeConflict):
		outcome = "merge_conflict"
	case errors.Is(err, appErrors.ErrNotFound):
		outcome = "not_found"
	}
	label := string(entityType)
	if label == "" {
		label = "unknown"
	}
	s.metrics.RecordReview(label, outcome)
	if outcome == "error" {
		s.logger.Error("update request review failed", zap.String("update_request_id", id), zap.Error(err))
	}
}

func (s *UpdateRequestService) emitAudit(ctx context.Context, log *models.AuditLog) {
	if s.audit == nil || log == nil {
		return
	}
	log.IPAddress = "system"
	log.UserAgent = "update-request-service"
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.String("action", log.Action), zap.Error(err))
	}
}

func (s *UpdateRequestService) publish(ctx context.Context, topic string, req *models.UpdateRequest) {
	event := events.UpdateRequestEvent{
		UpdateRequestID: req.ID,
		EntityType:      string(req.EntityType),
		EntityID:        req.EntityID,
		SubmittedBy:     req.SubmittedBy,
		ReviewedBy:      req.ReviewedBy,
		OccurredAt:      s.now(),
	}
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		s.logger.Warn("failed to publish update request event", zap.String("topic", topic), zap.String("update_request_id", req.ID), zap.Error(err))
	}
}

func requireReviewer(actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() {
		return appErrors.ErrForbidden
	}
	return nil
}

func buildUpdateRequestFilter(query dto.UpdateRequestQuery, actor *models.JWTClaims) (models.UpdateRequestFilter, error) {
	filter := models.UpdateRequestFilter{
		EntityID:    strings.TrimSpace(query.EntityID),
		SubmittedBy: strings.TrimSpace(query.SubmittedBy),
	}
	if actor == nil {
		return filter, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() {
		filter.SubmittedBy = actor.UserID
	}
	if raw := strings.TrimSpace(query.EntityType); raw != "" {
		entityType := models.EntityType(strings.ToLower(raw))
		if !entityType.Valid() {
			return filter, appErrors.WithDetails(appErrors.ErrValidation, "unsupported entity type", map[string]any{"entity_type": raw})
		}
		filter.EntityType = entityType
	}
	for _, raw := range strings.Split(query.Status, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		status := models.UpdateRequestStatus(strings.ToUpper(raw))
		if !status.Valid() {
			return filter, appErrors.WithDetails(appErrors.ErrValidation, "unsupported status", map[string]any{"status": raw})
		}
		filter.Status = append(filter.Status, status)
	}
	return filter, nil
}

func exportRow(item models.UpdateRequest) map[string]string {
	row := map[string]string{
		"ID":           item.ID,
		"Entity Type":  string(item.EntityType),
		"Status":       string(item.Status),
		"Submitted By": item.SubmittedBy,
		"Submitted At": item.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if item.EntityID != nil {
		row["Entity ID"] = *item.EntityID
	}
	if item.ReviewedBy != nil {
		row["Reviewed By"] = *item.ReviewedBy
	}
	if item.ReviewedAt != nil {
		row["Reviewed At"] = item.ReviewedAt.UTC().Format(time.RFC3339)
	}
	if item.Note != nil {
		row["Note"] = *item.Note
	}
	return row
}

func optionalString(value string) *string {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	return &v
}
