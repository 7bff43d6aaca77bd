// Package handler exposes the session, ingest and generation pipeline over
// HTTP and WebSocket.
package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"cadence-service/internal/emotion"
	"cadence-service/internal/generation"
	"cadence-service/internal/keystroke"
	"cadence-service/internal/logger"
	"cadence-service/internal/metrics"
	"cadence-service/internal/middleware"
	"cadence-service/internal/session"
)

const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultIngestRate  = 50
	DefaultIngestBurst = 100
)

var errPatternNotFound = errors.New("pattern not found")

// Options tune the transport. Zero values fall back to the defaults above.
type Options struct {
	Cookie      session.CookieOptions
	Heartbeat   time.Duration
	IngestRate  float64 // events per second per connection
	IngestBurst int
	Metrics     *metrics.Metrics
}

type Handler struct {
	sessions     *session.Authority
	ingestor     *keystroke.Ingestor
	orchestrator *generation.Orchestrator
	auth         *middleware.AuthMiddleware
	opts         Options

	// shutdown is closed by Close to end open ingest connections, which
	// http.Server.Shutdown does not track once hijacked.
	shutdown  chan struct{}
	closeOnce sync.Once

	// conns maps a session id to the one connection owning its buffer.
	connsMu sync.Mutex
	conns   map[string]*ingestConn
}

func NewHandler(
	sessions *session.Authority,
	ingestor *keystroke.Ingestor,
	orchestrator *generation.Orchestrator,
	opts Options,
) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.IngestRate <= 0 {
		opts.IngestRate = DefaultIngestRate
	}
	if opts.IngestBurst <= 0 {
		opts.IngestBurst = DefaultIngestBurst
	}
	h := &Handler{
		sessions:     sessions,
		ingestor:     ingestor,
		orchestrator: orchestrator,
		auth:         middleware.NewAuthMiddleware(sessions),
		opts:         opts,
		shutdown:     make(chan struct{}),
		conns:        make(map[string]*ingestConn),
	}
	sessions.OnEnd(h.endSession)
	return h
}

// Close asks every open ingest connection to finish. It does not wait.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.shutdown) })
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/sessions", h.createSession)

	api := r.Group("/api")
	api.Use(middleware.GinRequireAuth(h.auth))

	api.GET("/sessions/current", h.currentSession)
	api.DELETE("/sessions/current", h.logout)

	api.GET("/ingest/ws", h.ingestWebSocket)
	api.POST("/patterns/analyze", h.analyzePattern)

	api.POST("/generations", h.submitGeneration)
	api.POST("/generations/from-emotion", h.submitFromEmotion)
	api.GET("/generations", h.listGenerations)
	api.GET("/generations/:id", h.getGeneration)

	for _, route := range r.Routes() {
		logger.Debug("route registered", map[string]any{
			"method": route.Method,
			"path":   route.Path,
		})
	}
}

// errorStatus maps pipeline errors to an HTTP status and a stable error
// code. Anything unrecognized is an internal error.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, keystroke.ErrInsufficientData):
		return http.StatusUnprocessableEntity, "insufficient_data"
	case errors.Is(err, keystroke.ErrValidation),
		errors.Is(err, generation.ErrValidation),
		errors.Is(err, emotion.ErrUnknownStyle):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, generation.ErrNotFound),
		errors.Is(err, errPatternNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", map[string]any{
			"path":  c.FullPath(),
			"error": err,
		})
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

func validationError(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": msg,
	})
}

// currentSessionOrAbort returns the authenticated session. The auth
// middleware guarantees one, so absence is a wiring bug.
func currentSessionOrAbort(c *gin.Context) (*session.Session, bool) {
	s, ok := middleware.CurrentSession(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return nil, false
	}
	return s, true
}
