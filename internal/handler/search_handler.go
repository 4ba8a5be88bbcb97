package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/connect-api/internal/models"
	"github.com/noah-isme/connect-api/internal/search"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
	"github.com/noah-isme/connect-api/pkg/response"
)

type searchService interface {
	Search(ctx context.Context, kind search.Kind, raw search.RawCriteria) (*models.SearchResultPage, error)
}

// SearchHandler exposes the public directory search endpoints.
type SearchHandler struct {
	service searchService
}

// NewSearchHandler builds a search handler.
func NewSearchHandler(service searchService) *SearchHandler {
	return &SearchHandler{service: service}
}

// Services godoc
// @Summary Search services
// @Tags Search
// @Accept json
// @Produce json
// @Param payload body search.RawCriteria true "Search criteria"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /search [post]
func (h *SearchHandler) Services(c *gin.Context) {
	h.search(c, search.KindServices)
}

// Events godoc
// @Summary Search organisation events
// @Tags Search
// @Accept json
// @Produce json
// @Param payload body search.RawCriteria true "Search criteria"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /search/events [post]
func (h *SearchHandler) Events(c *gin.Context) {
	h.search(c, search.KindEvents)
}

func (h *SearchHandler) search(c *gin.Context, kind search.Kind) {
	var raw search.RawCriteria
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&raw); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid search payload"))
			return
		}
	}
	page, err := h.service.Search(c.Request.Context(), kind, raw)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, page.Items, nil, map[string]interface{}{
		"total":    page.Total,
		"page":     page.Page,
		"per_page": page.PerPage,
	})
}
