package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/agents"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/courses"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/transcriptions"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "coursework_user_id"
	claimsContextKey = "coursework_claims"
	roleAdmin        = "admin"
)

var (
	errMissingValidator      = errors.New("session validator dependency required")
	errMissingUsers          = errors.New("users service dependency required")
	errMissingCourses        = errors.New("courses service dependency required")
	errMissingSessions       = errors.New("sessions service dependency required")
	errMissingTranscriptions = errors.New("transcriptions service dependency required")
	errMissingAgents         = errors.New("agents service dependency required")
)

// SessionValidator authenticates a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies are the collaborators of the HTTP handler. Realtime and Logger are optional.
type Dependencies struct {
	Validator         SessionValidator
	Users             *users.Service
	Courses           *courses.Service
	Sessions          *sessions.Service
	Transcriptions    *transcriptions.Service
	Agents            *agents.Service
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// NewHTTPHandler wires the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Validator == nil:
		return nil, errMissingValidator
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Courses == nil:
		return nil, errMissingCourses
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Transcriptions == nil:
		return nil, errMissingTranscriptions
	case deps.Agents == nil:
		return nil, errMissingAgents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher(logger)
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator:         deps.Validator,
		users:             deps.Users,
		courses:           deps.Courses,
		sessions:          deps.Sessions,
		transcriptions:    deps.Transcriptions,
		agents:            deps.Agents,
		realtime:          realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	handler.registerUserRoutes(protected)
	handler.registerCourseRoutes(protected)
	handler.registerSessionRoutes(protected)
	handler.registerTranscriptionRoutes(protected)
	handler.registerAgentRoutes(protected)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" && origin != "*" {
			allowed = append(allowed, origin)
		}
	}
	if len(allowed) == 0 {
		// Echo any origin; credentials rule out a literal "*".
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowed
	}
	return cors.New(config)
}

type httpHandler struct {
	validator         SessionValidator
	users             *users.Service
	courses           *courses.Service
	sessions          *sessions.Service
	transcriptions    *transcriptions.Service
	agents            *agents.Service
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !callerClaims(c).HasRole(roleAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func callerClaims(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

// writeError renders err as {"error": kind, "code": op.reason[, "existing_id": id]}.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal_error"
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		status, kind = http.StatusNotFound, docstore.ErrNotFound.Error()
	case errors.Is(err, docstore.ErrConflict):
		status, kind = http.StatusConflict, docstore.ErrConflict.Error()
	case errors.Is(err, docstore.ErrValidation):
		status, kind = http.StatusBadRequest, docstore.ErrValidation.Error()
	}

	body := gin.H{"error": kind}
	if code := docstore.ErrorCode(err); code != "" {
		body["code"] = code
	}
	if existingID, ok := docstore.ConflictingID(err); ok {
		body["existing_id"] = existingID
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func writeInvalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

// bindJSON decodes the body into target, answering 400 itself on failure.
func bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		writeInvalidRequest(c)
		return false
	}
	return true
}

// queryLimit reads ?limit=; absent means 0 (no limit).
func queryLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	return limit, true
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newListResponse[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}
