package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cadence-service/internal/emotion"
	"cadence-service/internal/keystroke"
)

type analyzeRequest struct {
	TextContent string `json:"text_content"`
	Style       string `json:"style"`
	UserPrompt  string `json:"user_prompt"`
}

// analysisPayload is shared by the HTTP finalize route and the WebSocket
// "analysis" message.
type analysisPayload struct {
	PatternID string             `json:"pattern_id"`
	Emotion   emotion.Vector     `json:"emotion"`
	Analysis  keystroke.Analysis `json:"analysis"`
	Prompt    emotion.Prompt     `json:"prompt"`
}

func newAnalysisPayload(p *keystroke.Profile, prompt emotion.Prompt) analysisPayload {
	return analysisPayload{
		PatternID: p.ID,
		Emotion:   p.Vector,
		Analysis:  p.Analysis,
		Prompt:    prompt,
	}
}

// finalize runs the ingestor over the session's buffer and maps the result
// to a prompt.
func (h *Handler) finalize(c *gin.Context, sessionID string, req analyzeRequest) (analysisPayload, error) {
	style, err := parseOptionalStyle(req.Style)
	if err != nil {
		return analysisPayload{}, err
	}

	p, err := h.ingestor.Finalize(c.Request.Context(), sessionID, req.TextContent)
	if err != nil {
		return analysisPayload{}, err
	}

	prompt := emotion.Map(p.Vector, emotion.Options{
		UserPrompt: req.UserPrompt,
		Style:      style,
	})
	return newAnalysisPayload(p, prompt), nil
}

func (h *Handler) analyzePattern(c *gin.Context) {
	s, ok := currentSessionOrAbort(c)
	if !ok {
		return
	}

	var req analyzeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validationError(c, "invalid request body")
			return
		}
	}

	out, err := h.finalize(c, s.ID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func parseOptionalStyle(name string) (emotion.Style, error) {
	if name == "" {
		return "", nil
	}
	return emotion.ParseStyle(name)
}
