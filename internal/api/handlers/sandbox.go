package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nebari-dev/launchpad/internal/service"
)

type SandboxHandler struct {
	svc *service.Service
}

func NewSandboxHandler(svc *service.Service) *SandboxHandler {
	return &SandboxHandler{svc: svc}
}

// CreateSandbox godoc
// @Summary Queue creation of the project's sandbox
// @Tags sandboxes
// @Accept json
// @Produce json
// @Param projectId path string true "Project ID"
// @Param request body service.SandboxRequest false "Sandbox parameters"
// @Success 202 {object} service.SandboxTicket
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /projects/{projectId}/sandboxes [post]
func (h *SandboxHandler) CreateSandbox(c *gin.Context) {
	var req service.SandboxRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	ticket, err := h.svc.QueueSandboxCreation(c.Request.Context(), c.Param("projectId"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ticket)
}

// GetActiveSandbox godoc
// @Summary Get the project's live sandbox inside its activity window
// @Tags sandboxes
// @Produce json
// @Param projectId path string true "Project ID"
// @Success 200 {object} models.Sandbox
// @Failure 404 {object} ErrorResponse
// @Router /projects/{projectId}/sandboxes/active [get]
func (h *SandboxHandler) GetActiveSandbox(c *gin.Context) {
	sb, err := h.svc.GetActiveSandbox(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

// ListSandboxes godoc
// @Summary List a project's sandboxes
// @Tags sandboxes
// @Produce json
// @Param projectId path string true "Project ID"
// @Success 200 {array} models.Sandbox
// @Router /projects/{projectId}/sandboxes [get]
func (h *SandboxHandler) ListSandboxes(c *gin.Context) {
	list, err := h.svc.ListSandboxes(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *SandboxHandler) GetSandbox(c *gin.Context) {
	sb, err := h.svc.GetSandbox(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

// TouchSandbox godoc
// @Summary Record activity on a sandbox, extending its window
// @Tags sandboxes
// @Produce json
// @Param id path string true "Sandbox ID"
// @Success 200 {object} models.Sandbox
// @Failure 404 {object} ErrorResponse
// @Router /sandboxes/{id}/touch [post]
func (h *SandboxHandler) TouchSandbox(c *gin.Context) {
	sb, err := h.svc.TouchSandbox(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (h *SandboxHandler) CloseSandbox(c *gin.Context) {
	sb, err := h.svc.CloseSandbox(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}
