package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nebari-dev/launchpad/internal/service"
)

type DeploymentHandler struct {
	svc *service.Service
}

func NewDeploymentHandler(svc *service.Service) *DeploymentHandler {
	return &DeploymentHandler{svc: svc}
}

// CreatePreview godoc
// @Summary Queue a preview deployment of an artifact
// @Tags deployments
// @Accept json
// @Produce json
// @Param projectId path string true "Project ID"
// @Param request body service.PreviewRequest true "Artifact"
// @Success 202 {object} service.DeploymentTicket
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /projects/{projectId}/deployments/preview [post]
func (h *DeploymentHandler) CreatePreview(c *gin.Context) {
	var req service.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ticket, err := h.svc.QueuePreviewDeployment(c.Request.Context(), c.Param("projectId"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ticket)
}

func (h *DeploymentHandler) ListDeployments(c *gin.Context) {
	list, err := h.svc.ListDeployments(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *DeploymentHandler) GetDeployment(c *gin.Context) {
	d, err := h.svc.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Promote godoc
// @Summary Promote a READY preview to the active production deployment
// @Tags deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Success 200 {object} models.Deployment
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /deployments/{id}/promote [post]
func (h *DeploymentHandler) Promote(c *gin.Context) {
	d, err := h.svc.PromoteDeployment(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Rollback godoc
// @Summary Queue a rollback of production to an earlier deployment
// @Tags deployments
// @Produce json
// @Param id path string true "Target deployment ID"
// @Success 202 {object} service.DeploymentTicket
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /deployments/{id}/rollback [post]
func (h *DeploymentHandler) Rollback(c *gin.Context) {
	ticket, err := h.svc.RollbackDeployment(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ticket)
}

func (h *DeploymentHandler) Cancel(c *gin.Context) {
	d, err := h.svc.CancelDeployment(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListAudit returns the newest audit entries of a project
func (h *DeploymentHandler) ListAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.svc.ListAudit(c.Request.Context(), c.Param("projectId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}
