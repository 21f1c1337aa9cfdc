package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/summary"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey        = "summary_user_id"
	sessionClaimsContextKey = "summary_session_claims"
	defaultHeartbeat        = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingSummaryService   = errors.New("summary service dependency required")
)

// SessionValidator authenticates requests against the course session.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// SessionRecorder keeps editor profiles current and returns the canonical editor id.
type SessionRecorder interface {
	RecordSession(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	Sessions          SessionValidator
	Summary           *summary.Service
	Profiles          SessionRecorder
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Summary == nil {
		return nil, errMissingSummaryService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		summary:   deps.Summary,
		profiles:  deps.Profiles,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/courses/:courseID/summary/stream", handler.authorizeStreamRequest, handler.handleSummaryStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/courses/:courseID/summary", handler.handleGetSummary)

	editing := protected.Group("/")
	editing.Use(handler.requireCapability(auth.CapabilityEditSummary))
	editing.GET("/courses/:courseID/summary/editor", handler.handleOpenEditor)
	editing.POST("/courses/:courseID/summary/lock", handler.handleCheckLock)
	editing.DELETE("/courses/:courseID/summary/lock", handler.handleDeleteLock)
	editing.PUT("/courses/:courseID/summary", handler.handleUpdateSummary)
	editing.DELETE("/courses/:courseID/summary", handler.handleRemoveBlock)
	editing.POST("/summary/actions", handler.handleAction)

	return router, nil
}

// corsMiddleware reflects credentials only for explicitly listed origins. A wildcard
// entry allows every origin without credentials, so cookie sessions stay same-site.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			config.AllowAllOrigins = true
			return cors.New(config)
		}
		allowed = append(allowed, origin)
	}
	if len(allowed) == 0 {
		config.AllowAllOrigins = true
		return cors.New(config)
	}
	config.AllowOrigins = allowed
	config.AllowCredentials = true
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	summary   *summary.Service
	profiles  SessionRecorder
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	h.authenticate(c, false)
}

// authorizeStreamRequest also accepts an access_token query parameter, since
// EventSource cannot set headers.
func (h *httpHandler) authorizeStreamRequest(c *gin.Context) {
	h.authenticate(c, true)
}

func (h *httpHandler) authenticate(c *gin.Context, allowQueryToken bool) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if token := c.Query("access_token"); allowQueryToken && token != "" {
		claims, err = h.sessions.ValidateToken(token)
	} else {
		claims, err = h.sessions.ValidateRequest(c.Request)
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}

	userID := claims.UserID
	if h.profiles != nil {
		recorded, recordErr := h.profiles.RecordSession(c.Request.Context(), claims)
		if recordErr != nil {
			h.logger.Warn("editor profile update failed", zap.String("user_id", userID), zap.Error(recordErr))
		} else {
			userID = recorded
		}
	}

	c.Set(userIDContextKey, userID)
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireCapability(capability auth.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := sessionClaims(c)
		if !auth.HasCapability(claims.UserRoles, capability) {
			h.logger.Info("capability check failed",
				zap.String("user_id", c.GetString(userIDContextKey)),
				zap.String("capability", string(capability)))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "error": "forbidden"})
			return
		}
		c.Next()
	}
}

func sessionClaims(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

func parseCourseID(value string) (int64, bool) {
	courseID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || courseID <= 0 {
		return 0, false
	}
	return courseID, true
}

func (h *httpHandler) courseID(c *gin.Context) (int64, bool) {
	courseID, ok := parseCourseID(c.Param("courseID"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_course"})
		return 0, false
	}
	return courseID, true
}
