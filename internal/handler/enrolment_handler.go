package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
	"github.com/noah-isme/lms-enrolment-api/internal/service"
	appErrors "github.com/noah-isme/lms-enrolment-api/pkg/errors"
	"github.com/noah-isme/lms-enrolment-api/pkg/response"
)

// EnrolmentHandler wires HTTP endpoints to the enrolment service.
type EnrolmentHandler struct {
	service *service.EnrolmentService
}

// NewEnrolmentHandler creates a new handler.
func NewEnrolmentHandler(svc *service.EnrolmentService) *EnrolmentHandler {
	return &EnrolmentHandler{service: svc}
}

// List godoc
// @Summary List enrolments
// @Description List enrolments with filtering and pagination
// @Tags Enrolments
// @Produce json
// @Param user_id query string false "Filter by user"
// @Param lo_id query string false "Filter by learning object"
// @Param portal_id query string false "Filter by portal"
// @Param status query string false "Filter by status"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /enrolments [get]
func (h *EnrolmentHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	filter := models.EnrolmentFilter{
		UserID:        c.Query("user_id"),
		LOID:          c.Query("lo_id"),
		TakenPortalID: c.Query("portal_id"),
		Status:        models.EnrolmentStatus(c.Query("status")),
		Page:          page,
		PageSize:      pageSize,
		SortBy:        c.Query("sort_by"),
		SortOrder:     c.Query("sort_order"),
	}

	enrolments, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrolments, pagination)
}

// Get godoc
// @Summary Get enrolment
// @Description Get a single enrolment by id
// @Tags Enrolments
// @Produce json
// @Param id path string true "Enrolment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrolments/{id} [get]
func (h *EnrolmentHandler) Get(c *gin.Context) {
	enrolment, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrolment, nil)
}

// History godoc
// @Summary Enrolment history
// @Description List the revision trail of an enrolment, newest first
// @Tags Enrolments
// @Produce json
// @Param id path string true "Enrolment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrolments/{id}/history [get]
func (h *EnrolmentHandler) History(c *gin.Context) {
	revisions, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, revisions, nil)
}

// UpdateStatus godoc
// @Summary Update enrolment status
// @Description Write a status onto an enrolment and propagate to ancestors
// @Tags Enrolments
// @Accept json
// @Produce json
// @Param id path string true "Enrolment ID"
// @Param payload body service.UpdateEnrolmentStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /enrolments/{id}/status [put]
func (h *EnrolmentHandler) UpdateStatus(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.UpdateEnrolmentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid status payload"))
		return
	}
	enrolment, err := h.service.UpdateStatus(c.Request.Context(), claims, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrolment, nil)
}

// SetDueDate godoc
// @Summary Set enrolment due date
// @Description Create or update the active plan backing this enrolment's due date
// @Tags Enrolments
// @Accept json
// @Produce json
// @Param id path string true "Enrolment ID"
// @Param payload body service.SetDueDateRequest true "Due date payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /enrolments/{id}/due-date [put]
func (h *EnrolmentHandler) SetDueDate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.SetDueDateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid due date payload"))
		return
	}
	enrolment, err := h.service.SetDueDate(c.Request.Context(), claims, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrolment, nil)
}

// Recalculate godoc
// @Summary Recalculate enrolment
// @Description Recompute an enrolment from its children and propagate upward
// @Tags Enrolments
// @Produce json
// @Param id path string true "Enrolment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrolments/{id}/recalculate [post]
func (h *EnrolmentHandler) Recalculate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	enrolment, changed, err := h.service.Recalculate(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"enrolment": enrolment, "changed": changed}, nil)
}

// Delete godoc
// @Summary Unenroll
// @Description Remove an enrolment, keeping its revision history
// @Tags Enrolments
// @Produce json
// @Param id path string true "Enrolment ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrolments/{id} [delete]
func (h *EnrolmentHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Unenroll(c.Request.Context(), claims, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
