package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cadence-service/internal/session"
)

type createSessionRequest struct {
	ConsentGiven *bool          `json:"consent_given"`
	Metadata     map[string]any `json:"metadata"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body")
		return
	}
	if req.ConsentGiven == nil || !*req.ConsentGiven {
		validationError(c, "consent_given must be true")
		return
	}

	s, err := h.sessions.Create(c.Request.Context(), c.ClientIP(), req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}

	session.SetCookie(c.Writer, s, h.opts.Cookie)

	c.JSON(http.StatusCreated, gin.H{
		"session_id":     s.ID,
		"session_token":  s.Token,
		"auto_delete_at": s.ExpiresAt,
	})
}

// sessionView is the public shape of a session. Token and fingerprint are
// never echoed back.
type sessionView struct {
	ID             string         `json:"session_id"`
	Status         session.Status `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	AutoDeleteAt   time.Time      `json:"auto_delete_at"`
	TypingSeconds  float64        `json:"typing_time_seconds"`
	Generations    int            `json:"generations"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func newSessionView(s *session.Session) sessionView {
	return sessionView{
		ID:             s.ID,
		Status:         s.Status,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		AutoDeleteAt:   s.ExpiresAt,
		TypingSeconds:  s.TypingTime.Seconds(),
		Generations:    s.Generations,
		Metadata:       s.Metadata,
	}
}

func (h *Handler) currentSession(c *gin.Context) {
	s, ok := currentSessionOrAbort(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSessionView(s))
}

func (h *Handler) logout(c *gin.Context) {
	s, ok := currentSessionOrAbort(c)
	if !ok {
		return
	}

	if _, err := h.sessions.Logout(c.Request.Context(), s.ID); err != nil {
		writeError(c, err)
		return
	}

	session.ClearCookie(c.Writer, h.opts.Cookie)
	c.Status(http.StatusNoContent)
}
