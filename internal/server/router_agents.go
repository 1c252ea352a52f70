package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/agents"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerAgentRoutes(group *gin.RouterGroup) {
	group.POST("/agents", h.handleCreateAgent)
	group.GET("/agents/:id", h.handleGetAgent)
	group.PATCH("/agents/:id", h.handleUpdateAgent)
	group.DELETE("/agents/:id", h.handleDeleteAgent)
	group.POST("/agents/:id/status", h.handleUpdateAgentStatus)
	group.POST("/agents/:id/refresh", h.handleRefreshAgent)
	group.GET("/courses/:id/agent", h.handleGetCourseAgent)
}

func (h *httpHandler) handleCreateAgent(c *gin.Context) {
	var request agents.NewAgent
	if !bindJSON(c, &request) {
		return
	}
	agent, err := h.agents.Create(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *httpHandler) handleGetAgent(c *gin.Context) {
	agent, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *httpHandler) handleGetCourseAgent(c *gin.Context) {
	agent, err := h.agents.GetByCourse(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *httpHandler) handleUpdateAgent(c *gin.Context) {
	var request agents.AgentUpdate
	if !bindJSON(c, &request) {
		return
	}
	agent, err := h.agents.Update(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *httpHandler) handleDeleteAgent(c *gin.Context) {
	if err := h.agents.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type agentStatusRequestPayload struct {
	Status    string `json:"status"`
	LastError string `json:"last_error"`
}

func (h *httpHandler) handleUpdateAgentStatus(c *gin.Context) {
	var request agentStatusRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	agent, err := h.agents.UpdateStatus(c.Request.Context(), c.Param("id"), agents.Status(request.Status), request.LastError)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type refreshAgentRequestPayload struct {
	Sources []string `json:"sources"`
}

func (h *httpHandler) handleRefreshAgent(c *gin.Context) {
	var request refreshAgentRequestPayload
	if c.Request.ContentLength != 0 && !bindJSON(c, &request) {
		return
	}
	agent, err := h.agents.RefreshKnowledge(c.Request.Context(), c.Param("id"), request.Sources)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}
