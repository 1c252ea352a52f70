package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/transcriptions"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerTranscriptionRoutes(group *gin.RouterGroup) {
	group.POST("/transcriptions", h.handleCreateTranscription)
	group.GET("/transcriptions", h.handleListTranscriptions)
	group.GET("/transcriptions/:id", h.handleGetTranscription)
	group.PATCH("/transcriptions/:id", h.handleUpdateTranscription)
	group.DELETE("/transcriptions/:id", h.handleDeleteTranscription)
	group.POST("/transcriptions/:id/complete", h.handleCompleteTranscription)
	group.POST("/transcriptions/:id/fail", h.handleFailTranscription)
}

func (h *httpHandler) handleCreateTranscription(c *gin.Context) {
	var request transcriptions.NewTranscription
	if !bindJSON(c, &request) {
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		request.UserID = c.GetString(userIDContextKey)
	}
	transcription, err := h.transcriptions.Create(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, transcription)
}

func (h *httpHandler) handleListTranscriptions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		userID = c.GetString(userIDContextKey)
	}
	listed, err := h.transcriptions.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(listed))
}

func (h *httpHandler) handleGetTranscription(c *gin.Context) {
	transcription, err := h.transcriptions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transcription)
}

func (h *httpHandler) handleUpdateTranscription(c *gin.Context) {
	var request transcriptions.TranscriptionUpdate
	if !bindJSON(c, &request) {
		return
	}
	transcription, err := h.transcriptions.Update(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transcription)
}

func (h *httpHandler) handleDeleteTranscription(c *gin.Context) {
	if err := h.transcriptions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCompleteTranscription(c *gin.Context) {
	var request transcriptions.Result
	if !bindJSON(c, &request) {
		return
	}
	transcription, err := h.transcriptions.Complete(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transcription)
}

type failTranscriptionRequestPayload struct {
	Error string `json:"error"`
}

func (h *httpHandler) handleFailTranscription(c *gin.Context) {
	var request failTranscriptionRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	transcription, err := h.transcriptions.Fail(c.Request.Context(), c.Param("id"), request.Error)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transcription)
}
