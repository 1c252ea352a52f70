package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/courses"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerCourseRoutes(group *gin.RouterGroup) {
	group.POST("/courses", h.handleCreateCourse)
	group.GET("/courses", h.handleListCourses)
	group.GET("/courses/:id", h.handleGetCourse)
	group.PATCH("/courses/:id", h.handleUpdateCourse)
	group.DELETE("/courses/:id", h.handleDeleteCourse)
	group.GET("/courses/:id/events", h.handleCourseEvents)

	group.POST("/courses/:id/slides", h.handleCreateSlide)
	group.GET("/courses/:id/slides", h.handleListSlides)
	group.GET("/courses/:id/slides/at/:position", h.handleGetSlideAt)
	group.POST("/courses/:id/slides/reorder", h.handleReorderSlides)
	group.POST("/courses/:id/slides/reconcile", h.handleReconcileSlides)

	group.GET("/slides/:id", h.handleGetSlide)
	group.PATCH("/slides/:id", h.handleUpdateSlide)
	group.DELETE("/slides/:id", h.handleDeleteSlide)
	group.POST("/slides/:id/duplicate", h.handleDuplicateSlide)
}

func (h *httpHandler) handleCreateCourse(c *gin.Context) {
	var request courses.NewCourse
	if !bindJSON(c, &request) {
		return
	}
	if strings.TrimSpace(request.InstructorID) == "" {
		request.InstructorID = c.GetString(userIDContextKey)
	}
	course, err := h.courses.CreateCourse(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, course)
}

func (h *httpHandler) handleListCourses(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var (
		listed []courses.Course
		err    error
	)
	if instructorID := strings.TrimSpace(c.Query("instructor_id")); instructorID != "" {
		listed, err = h.courses.ListCoursesByInstructor(c.Request.Context(), instructorID, limit)
	} else {
		listed, err = h.courses.ListCourses(c.Request.Context(), limit)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(listed))
}

func (h *httpHandler) handleGetCourse(c *gin.Context) {
	course, err := h.courses.GetCourse(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, course)
}

func (h *httpHandler) handleUpdateCourse(c *gin.Context) {
	var request courses.CourseUpdate
	if !bindJSON(c, &request) {
		return
	}
	course, err := h.courses.UpdateCourse(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, course)
}

func (h *httpHandler) handleDeleteCourse(c *gin.Context) {
	courseID := c.Param("id")
	if err := h.courses.DeleteCourse(c.Request.Context(), courseID); err != nil {
		h.writeError(c, err)
		return
	}
	h.publishSlidesChanged(courseID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreateSlide(c *gin.Context) {
	var request courses.NewSlide
	if !bindJSON(c, &request) {
		return
	}
	courseID := c.Param("id")
	slide, err := h.courses.CreateSlide(c.Request.Context(), courseID, request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publishSlidesChanged(courseID, slide.ID)
	c.JSON(http.StatusCreated, slide)
}

func (h *httpHandler) handleListSlides(c *gin.Context) {
	slides, err := h.courses.ListSlides(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(slides))
}

func (h *httpHandler) handleGetSlideAt(c *gin.Context) {
	position, err := strconv.Atoi(c.Param("position"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_position"})
		return
	}
	slide, err := h.courses.GetSlideAt(c.Request.Context(), c.Param("id"), position)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, slide)
}

type reorderRequestPayload struct {
	Moves []docstore.Move `json:"moves"`
}

func (h *httpHandler) handleReorderSlides(c *gin.Context) {
	var request reorderRequestPayload
	if !bindJSON(c, &request) {
		return
	}
	courseID := c.Param("id")
	slides, err := h.courses.ReorderSlides(c.Request.Context(), courseID, request.Moves)
	if err != nil {
		h.writeError(c, err)
		return
	}
	moved := make([]string, 0, len(request.Moves))
	for _, move := range request.Moves {
		moved = append(moved, move.ID)
	}
	h.publishSlidesChanged(courseID, moved...)
	c.JSON(http.StatusOK, newListResponse(slides))
}

func (h *httpHandler) handleReconcileSlides(c *gin.Context) {
	courseID := c.Param("id")
	repaired, err := h.courses.ReconcileSlides(c.Request.Context(), courseID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if repaired > 0 {
		h.publishSlidesChanged(courseID)
	}
	c.JSON(http.StatusOK, gin.H{"repaired": repaired})
}

func (h *httpHandler) handleGetSlide(c *gin.Context) {
	slide, err := h.courses.GetSlide(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, slide)
}

func (h *httpHandler) handleUpdateSlide(c *gin.Context) {
	var request courses.SlideUpdate
	if !bindJSON(c, &request) {
		return
	}
	slide, err := h.courses.UpdateSlide(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publishSlidesChanged(slide.CourseID, slide.ID)
	c.JSON(http.StatusOK, slide)
}

func (h *httpHandler) handleDeleteSlide(c *gin.Context) {
	slide, err := h.courses.GetSlide(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.courses.DeleteSlide(c.Request.Context(), slide.ID); err != nil {
		h.writeError(c, err)
		return
	}
	h.publishSlidesChanged(slide.CourseID, slide.ID)
	c.Status(http.StatusNoContent)
}

type duplicateRequestPayload struct {
	Position *int `json:"position"`
}

func (h *httpHandler) handleDuplicateSlide(c *gin.Context) {
	var request duplicateRequestPayload
	if c.Request.ContentLength != 0 && !bindJSON(c, &request) {
		return
	}
	slide, err := h.courses.DuplicateSlide(c.Request.Context(), c.Param("id"), request.Position)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publishSlidesChanged(slide.CourseID, slide.ID)
	c.JSON(http.StatusCreated, slide)
}
