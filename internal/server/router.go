package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey = "pulse_identity"
	accessTokenQuery   = "access_token"
	deviceHeader       = "X-Pulse-Device"
	adminRole          = "admin"
)

var (
	errMissingHub           = errors.New("realtime hub dependency required")
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Authenticator resolves a session token into an identity.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
	CookieName() string
}

// StatsProvider reports dispatcher counters for health checks.
type StatsProvider interface {
	Stats() dispatch.Stats
}

// TransportConfig tunes live connections.
type TransportConfig struct {
	HeartbeatInterval time.Duration
	ClientRate        float64
	ClientBurst       int
	Buffer            int
	AllowedOrigins    []string
}

// Dependencies describes everything the HTTP handler needs.
type Dependencies struct {
	Hub           *realtime.Hub
	Authenticator Authenticator
	Stats         StatsProvider
	Transport     TransportConfig
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router serving the producer, query and live endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		hub:       deps.Hub,
		auth:      deps.Authenticator,
		stats:     deps.Stats,
		transport: deps.Transport,
		upgrader:  newUpgrader(deps.Transport.AllowedOrigins),
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/streams/:stream/send", handler.handleSend)
	protected.GET("/streams/:stream/:group", handler.handleList)
	protected.GET("/streams/:stream/:group/:id", handler.handleGet)
	protected.PATCH("/streams/:stream/:group/:id/read", handler.handleMarkRead)
	protected.GET("/presence", handler.handleOnline)
	protected.GET("/presence/:userId", handler.handlePresence)
	protected.GET("/ws", handler.handleWebSocket)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", deviceHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	hub       *realtime.Hub
	auth      Authenticator
	stats     StatsProvider
	transport TransportConfig
	upgrader  *websocket.Upgrader
	logger    *zap.Logger
}

type sendRequestPayload struct {
	Group   string          `json:"group"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Targets []string        `json:"targets"`
}

type listResponsePayload struct {
	Items  []streams.Item `json:"items"`
	Cursor string         `json:"cursor"`
}

func (h *httpHandler) handleSend(c *gin.Context) {
	stream := streams.Name(c.Param("stream"))
	var request sendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	item, err := h.hub.Publish(c.Request.Context(), streams.Event{
		Stream:  stream,
		Group:   request.Group,
		Key:     request.ID,
		Payload: request.Payload,
		Targets: request.Targets,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *httpHandler) handleList(c *gin.Context) {
	stream, ok := h.parseStream(c)
	if !ok {
		return
	}
	group := c.Param("group")
	if !h.authorizeGroup(c, stream, group) {
		return
	}
	since, err := parseCursor(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	items, err := h.hub.Snapshot(c.Request.Context(), stream, group, since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if items == nil {
		items = []streams.Item{}
	}
	c.JSON(http.StatusOK, listResponsePayload{Items: items, Cursor: nextCursor(items, since)})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	stream, ok := h.parseStream(c)
	if !ok {
		return
	}
	key := streams.Key{Stream: stream, Group: c.Param("group"), ItemKey: c.Param("id")}
	if !h.authorizeGroup(c, stream, key.Group) {
		return
	}
	item, err := h.hub.Get(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	stream, ok := h.parseStream(c)
	if !ok {
		return
	}
	key := streams.Key{Stream: stream, Group: c.Param("group"), ItemKey: c.Param("id")}
	if !h.authorizeGroup(c, stream, key.Group) {
		return
	}
	item, err := h.hub.MarkRead(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *httpHandler) handleOnline(c *gin.Context) {
	online, err := h.hub.Online(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if online == nil {
		online = []streams.Presence{}
	}
	c.JSON(http.StatusOK, gin.H{"users": online})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	current, err := h.hub.Presence(c.Request.Context(), c.Param("userId"))
	if errors.Is(err, presence.ErrUnknownUser) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_user"})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, current)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := gin.H{"status": "ok"}
	if h.stats != nil {
		response["dispatch"] = h.stats.Stats()
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) parseStream(c *gin.Context) (streams.Name, bool) {
	stream, err := h.hub.Catalog().ParseName(c.Param("stream"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_stream"})
		return "", false
	}
	return stream, true
}

func (h *httpHandler) authorizeGroup(c *gin.Context, stream streams.Name, group string) bool {
	if canRead(identityFrom(c), stream, group) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	return false
}

// canRead keeps per-user notification groups private to their owner.
func canRead(identity auth.Identity, stream streams.Name, group string) bool {
	if stream != streams.Notifications {
		return true
	}
	return identity.Role == adminRole || identity.UserID == group
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	var violation *streams.SchemaViolationError
	switch {
	case errors.As(err, &violation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "schema_violation", "fields": violation.Fields})
	case errors.Is(err, streams.ErrUnknownStream):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_stream"})
	case errors.Is(err, streams.ErrMalformedTarget):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed_target"})
	case errors.Is(err, streams.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, store.ErrStoreWrite):
		h.logger.Error("store write failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_write_failed"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := h.extractToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.auth.Authenticate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) extractToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
		return token, true
	}
	if cookieName := h.auth.CookieName(); cookieName != "" {
		if cookie, err := c.Cookie(cookieName); err == nil && strings.TrimSpace(cookie) != "" {
			return strings.TrimSpace(cookie), true
		}
	}
	return "", false
}

func identityFrom(c *gin.Context) auth.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}
	}
	identity, _ := value.(auth.Identity)
	return identity
}

// parseCursor accepts unix nanoseconds or an RFC3339 timestamp. Empty means everything.
func parseCursor(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if nanos < 0 {
			return time.Time{}, errors.New("negative cursor")
		}
		return time.Unix(0, nanos).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func nextCursor(items []streams.Item, since time.Time) string {
	if len(items) > 0 {
		return strconv.FormatInt(items[len(items)-1].UpdatedAt.UnixNano(), 10)
	}
	if since.IsZero() {
		return "0"
	}
	return strconv.FormatInt(since.UnixNano(), 10)
}
