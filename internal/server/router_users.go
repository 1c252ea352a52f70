package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/users"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerUserRoutes(group *gin.RouterGroup) {
	group.POST("/users", h.handleCreateUser)
	group.GET("/users", h.requireAdmin, h.handleListUsers)
	group.GET("/users/me", h.handleGetCurrentUser)
	group.GET("/users/lookup", h.handleLookupUser)
	group.GET("/users/:id", h.handleGetUser)
	group.PATCH("/users/:id", h.handleUpdateUser)
	group.DELETE("/users/:id", h.requireAdmin, h.handleDeleteUser)
}

func (h *httpHandler) handleCreateUser(c *gin.Context) {
	var request users.NewUser
	if !bindJSON(c, &request) {
		return
	}
	if request.Role != "" && request.Role != users.RoleStudent && !callerClaims(c).HasRole(roleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	user, err := h.users.Create(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	listed, err := h.users.List(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(listed))
}

func (h *httpHandler) handleGetCurrentUser(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleLookupUser(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	username := strings.TrimSpace(c.Query("username"))
	var (
		user users.User
		err  error
	)
	switch {
	case email != "" && username == "":
		user, err = h.users.GetByEmail(c.Request.Context(), email)
	case username != "" && email == "":
		user, err = h.users.GetByUsername(c.Request.Context(), username)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lookup"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleUpdateUser(c *gin.Context) {
	id := c.Param("id")
	isAdmin := callerClaims(c).HasRole(roleAdmin)
	if id != c.GetString(userIDContextKey) && !isAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request users.UserUpdate
	if !bindJSON(c, &request) {
		return
	}
	if request.Role != nil && !isAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	user, err := h.users.Update(c.Request.Context(), id, request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleDeleteUser(c *gin.Context) {
	if err := h.users.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
