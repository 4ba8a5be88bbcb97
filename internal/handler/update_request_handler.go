package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/connect-api/internal/dto"
	"github.com/noah-isme/connect-api/internal/middleware"
	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/service"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
	"github.com/noah-isme/connect-api/pkg/response"
)

type updateRequestService interface {
	Submit(ctx context.Context, req dto.SubmitUpdateRequest, actor *models.JWTClaims) (*models.UpdateRequest, error)
	Approve(ctx context.Context, id string, req dto.ReviewUpdateRequest, actor *models.JWTClaims) (*models.ApprovalResult, error)
	Reject(ctx context.Context, id string, req dto.ReviewUpdateRequest, actor *models.JWTClaims) (*models.UpdateRequest, error)
	List(ctx context.Context, query dto.UpdateRequestQuery, actor *models.JWTClaims) ([]models.UpdateRequest, *models.Pagination, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.UpdateRequest, error)
	Export(ctx context.Context, query dto.ExportUpdateRequestsQuery, actor *models.JWTClaims) (*service.ExportFile, error)
}

// UpdateRequestHandler exposes the moderation workflow.
type UpdateRequestHandler struct {
	service updateRequestService
}

// NewUpdateRequestHandler builds an update request handler.
func NewUpdateRequestHandler(service updateRequestService) *UpdateRequestHandler {
	return &UpdateRequestHandler{service: service}
}

// Submit godoc
// @Summary Submit an update request
// @Tags Update Requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.SubmitUpdateRequest true "Proposed change"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /update-requests [post]
func (h *UpdateRequestHandler) Submit(c *gin.Context) {
	var req dto.SubmitUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid update request payload"))
		return
	}
	created, err := h.service.Submit(c.Request.Context(), req, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// List godoc
// @Summary List update requests
// @Tags Update Requests
// @Produce json
// @Security BearerAuth
// @Param status query string false "Comma separated statuses"
// @Param entity_type query string false "Entity type"
// @Param entity_id query string false "Entity ID"
// @Param submitted_by query string false "Submitter user ID"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /update-requests [get]
func (h *UpdateRequestHandler) List(c *gin.Context) {
	var query dto.UpdateRequestQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	items, pagination, err := h.service.List(c.Request.Context(), query, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get an update request
// @Tags Update Requests
// @Produce json
// @Security BearerAuth
// @Param id path string true "Update request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /update-requests/{id} [get]
func (h *UpdateRequestHandler) Get(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Approve godoc
// @Summary Approve an update request
// @Tags Update Requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Update request ID"
// @Param payload body dto.ReviewUpdateRequest false "Review note"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /update-requests/{id}/approve [put]
func (h *UpdateRequestHandler) Approve(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}
	result, err := h.service.Approve(c.Request.Context(), c.Param("id"), req, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Reject godoc
// @Summary Reject an update request
// @Tags Update Requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Update request ID"
// @Param payload body dto.ReviewUpdateRequest false "Review note"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /update-requests/{id}/reject [put]
func (h *UpdateRequestHandler) Reject(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}
	item, err := h.service.Reject(c.Request.Context(), c.Param("id"), req, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Export godoc
// @Summary Export the moderation queue
// @Tags Update Requests
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param format query string false "csv or pdf"
// @Param status query string false "Comma separated statuses"
// @Success 200 {file} file
// @Router /update-requests/export [get]
func (h *UpdateRequestHandler) Export(c *gin.Context) {
	var query dto.ExportUpdateRequestsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	file, err := h.service.Export(c.Request.Context(), query, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Payload)
}

// bindReview accepts an empty body as a review without a note.
func bindReview(c *gin.Context) (dto.ReviewUpdateRequest, bool) {
	var req dto.ReviewUpdateRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid review payload"))
		return req, false
	}
	return req, true
}
