// Package server exposes the chat over HTTP: the websocket endpoint, message
// history, profile image updates and metrics.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"eventchat/internal/auth"
	"eventchat/internal/chat"
	"eventchat/internal/storage"
)

const healthText = "chat server running"

// Options tune the HTTP surface. Zero values give an open server on "/".
type Options struct {
	WSPath string
	// Verifier, when set, guards the REST routes with bearer tokens.
	Verifier chat.TokenVerifier
	// UpgradeLimit caps websocket upgrades per client IP per minute; 0 disables.
	UpgradeLimit int
}

type Server struct {
	hub      *chat.Hub
	store    storage.MessageStore
	logger   *zap.Logger
	verifier chat.TokenVerifier
	limiter  *RateLimiter
	wsPath   string
	upgrader websocket.Upgrader
}

func New(hub *chat.Hub, store storage.MessageStore, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	wsPath := opts.WSPath
	if wsPath == "" {
		wsPath = "/"
	}
	s := &Server{
		hub:      hub,
		store:    store,
		logger:   logger,
		verifier: opts.Verifier,
		wsPath:   wsPath,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// mobile clients send no Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if opts.UpgradeLimit > 0 {
		s.limiter = NewRateLimiter(opts.UpgradeLimit, time.Minute)
	}
	return s
}

// Handler builds the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.logRequests())

	engine.GET(s.wsPath, s.handleWS)
	if s.wsPath != "/" {
		engine.GET("/", s.handleHealth)
	}
	engine.GET("/metrics", gin.WrapH(s.hub.Metrics()))

	api := engine.Group("/", s.requireBearer())
	api.GET("/mensajes/:eventoId", s.handleHistory)
	api.PUT("/api/chat/update-profile-image", s.handleUpdateProfileImage)
	return engine
}

func (s *Server) handleWS(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		s.handleHealth(c)
		return
	}
	if !s.limiter.Allow(c.ClientIP()) {
		writeError(c, http.StatusTooManyRequests, errors.New(http.StatusText(http.StatusTooManyRequests)))
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}
	client := s.hub.Attach(conn)
	s.logger.Debug("websocket attached", zap.String("conn", client.ID()), zap.String("remote", c.ClientIP()))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, healthText)
}

func (s *Server) handleHistory(c *gin.Context) {
	eventoID := c.Param("eventoId")
	messages, err := s.store.ListByRoom(c.Request.Context(), eventoID)
	if err != nil {
		s.logger.Error("history query failed", zap.String("room", eventoID), zap.Error(err))
		writeError(c, http.StatusInternalServerError, errors.New("failed to load messages"))
		return
	}
	if messages == nil {
		messages = []storage.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

type profileImageRequest struct {
	UserID             string `json:"userId" binding:"required"`
	NewProfileImageURL string `json:"newProfileImageUrl"`
}

func (s *Server) handleUpdateProfileImage(c *gin.Context) {
	var req profileImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	if err := s.hub.UpdateProfileImage(c.Request.Context(), req.UserID, req.NewProfileImageURL); err != nil {
		s.logger.Error("profile image update failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(c, http.StatusInternalServerError, errors.New("failed to update messages"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "messages updated"})
}

// requireBearer rejects requests without a valid token when a verifier is configured.
func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			writeError(c, http.StatusUnauthorized, auth.ErrUnauthorized)
			c.Abort()
			return
		}
		subject, err := s.verifier.VerifyToken(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				writeError(c, http.StatusUnauthorized, auth.ErrUnauthorized)
			} else {
				s.logger.Error("token verification failed", zap.Error(err))
				writeError(c, http.StatusInternalServerError, errors.New("token verification unavailable"))
			}
			c.Abort()
			return
		}
		c.Set("subject", subject)
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.ClientIP()),
		)
	}
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
