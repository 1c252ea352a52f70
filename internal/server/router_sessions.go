package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/sessions"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerSessionRoutes(group *gin.RouterGroup) {
	group.POST("/sessions", h.handleStartSession)
	group.GET("/sessions", h.handleListSessions)
	group.GET("/sessions/active", h.handleGetActiveSession)
	group.GET("/sessions/:id", h.handleGetSession)
	group.DELETE("/sessions/:id", h.handleDeleteSession)
	group.POST("/sessions/:id/progress", h.handleUpdateProgress)
	group.POST("/sessions/:id/status", h.handleUpdateSessionStatus)
	group.PUT("/sessions/:id/notes", h.handleUpdateSessionNotes)
	group.GET("/courses/:id/sessions", h.handleListCourseSessions)

	group.POST("/sessions/:id/interactions", h.handleRecordInteraction)
	group.GET("/sessions/:id/interactions", h.handleListInteractions)
	group.GET("/interactions/:id", h.handleGetInteraction)
	group.DELETE("/interactions/:id", h.handleDeleteInteraction)
}

type startSessionRequestPayload struct {
	StudentID string `json:"student_id"`
	CourseID  string `json:"course_id"`
	Resume    bool   `json:"resume"`
}

type startSessionResponsePayload struct {
	Session sessions.Session `json:"session"`
	Resumed bool             `json:"resumed"`
}

func (h *httpHandler) handleStartSession(c *gin.Context) {
	var request startSessionRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	input := sessions.NewSession{StudentID: strings.TrimSpace(request.StudentID), CourseID: request.CourseID}
	if input.StudentID == "" {
		input.StudentID = c.GetString(userIDContextKey)
	}

	if request.Resume {
		session, isNew, err := h.sessions.ResumeOrCreate(c.Request.Context(), input)
		if err != nil {
			h.writeError(c, err)
			return
		}
		status := http.StatusOK
		if isNew {
			status = http.StatusCreated
		}
		c.JSON(status, startSessionResponsePayload{Session: session, Resumed: !isNew})
		return
	}

	session, err := h.sessions.Create(c.Request.Context(), input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, startSessionResponsePayload{Session: session})
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	studentID := strings.TrimSpace(c.Query("student_id"))
	if studentID == "" {
		studentID = c.GetString(userIDContextKey)
	}
	listed, err := h.sessions.ListByStudent(c.Request.Context(), studentID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(listed))
}

func (h *httpHandler) handleListCourseSessions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	listed, err := h.sessions.ListByCourse(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(listed))
}

func (h *httpHandler) handleGetActiveSession(c *gin.Context) {
	courseID := strings.TrimSpace(c.Query("course_id"))
	if courseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_course_id"})
		return
	}
	studentID := strings.TrimSpace(c.Query("student_id"))
	if studentID == "" {
		studentID = c.GetString(userIDContextKey)
	}
	session, err := h.sessions.GetActive(c.Request.Context(), studentID, courseID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleDeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUpdateProgress(c *gin.Context) {
	var request sessions.ProgressUpdate
	if !bindJSON(c, &request) {
		return
	}
	session, err := h.sessions.UpdateProgress(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{
		CourseID:           session.CourseID,
		EventType:          RealtimeEventSessionProgress,
		SessionID:          session.ID,
		StudentID:          session.StudentID,
		ProgressPercentage: float64(session.ProgressPercentage),
		Timestamp:          time.Now().UTC(),
	})
	c.JSON(http.StatusOK, session)
}

type sessionStatusRequestPayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleUpdateSessionStatus(c *gin.Context) {
	var request sessionStatusRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	session, err := h.sessions.UpdateStatus(c.Request.Context(), c.Param("id"), sessions.Status(request.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type sessionNotesRequestPayload struct {
	Notes string `json:"notes"`
}

func (h *httpHandler) handleUpdateSessionNotes(c *gin.Context) {
	var request sessionNotesRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	session, err := h.sessions.UpdateNotes(c.Request.Context(), c.Param("id"), request.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleRecordInteraction(c *gin.Context) {
	var request sessions.NewInteraction
	if !bindJSON(c, &request) {
		return
	}
	request.SessionID = c.Param("id")
	interaction, err := h.sessions.RecordInteraction(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, interaction)
}

func (h *httpHandler) handleListInteractions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	listed, err := h.sessions.ListInteractions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(listed))
}

func (h *httpHandler) handleGetInteraction(c *gin.Context) {
	interaction, err := h.sessions.GetInteraction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, interaction)
}

func (h *httpHandler) handleDeleteInteraction(c *gin.Context) {
	if err := h.sessions.DeleteInteraction(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
