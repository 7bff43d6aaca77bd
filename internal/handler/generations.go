package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cadence-service/internal/emotion"
	"cadence-service/internal/generation"
	"cadence-service/internal/keystroke"
)

const maxListLimit = 100

type generationRequest struct {
	TextPrompt  string `json:"text_prompt" binding:"required"`
	Duration    *int   `json:"duration"`
	AudioFormat string `json:"audio_format" binding:"omitempty,oneof=wav mp3 flac"`
	UseMock     *bool  `json:"use_mock"`
	Style       string `json:"style"`
	PatternID   string `json:"pattern_id"`
}

type fromEmotionRequest struct {
	PatternID   string `json:"pattern_id"`
	UserPrompt  string `json:"user_prompt"`
	Style       string `json:"style"`
	Duration    *int   `json:"duration"`
	AudioFormat string `json:"audio_format" binding:"omitempty,oneof=wav mp3 flac"`
	UseMock     *bool  `json:"use_mock"`
}

func durationOrDefault(d *int) int {
	if d == nil {
		return emotion.DefaultDuration
	}
	return *d
}

func formatOrDefault(f string) generation.Format {
	if f == "" {
		return generation.FormatWAV
	}
	return generation.Format(f)
}

// mockOrDefault treats an omitted use_mock as true so a deployment without
// a synthesis endpoint still serves requests.
func mockOrDefault(b *bool) bool {
	return b == nil || *b
}

func (h *Handler) submitGeneration(c *gin.Context) {
	s, ok := currentSessionOrAbort(c)
	if !ok {
		return
	}

	var req generationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, err.Error())
		return
	}

	style, err := parseOptionalStyle(req.Style)
	if err != nil {
		writeError(c, err)
		return
	}

	prompt := emotion.Prompt{
		Text:     req.TextPrompt,
		Style:    style,
		Duration: durationOrDefault(req.Duration),
	}

	var vector *emotion.Vector
	if req.PatternID != "" {
		p, err := h.profile(c.Request.Context(), s.ID, req.PatternID)
		if err != nil {
			writeError(c, err)
			return
		}
		// Musical attributes come from the pattern; the text stays the
		// caller's.
		mapped := emotion.Map(p.Vector, emotion.Options{Style: style, Duration: prompt.Duration})
		prompt.Style = mapped.Style
		prompt.Tempo = mapped.Tempo
		prompt.Mood = mapped.Mood
		prompt.Intensity = mapped.Intensity
		prompt.Characteristics = mapped.Characteristics
		v := p.Vector
		vector = &v
	}

	h.submit(c, generation.Request{
		SessionID: s.ID,
		Prompt:    prompt,
		Format:    formatOrDefault(req.AudioFormat),
		UseMock:   mockOrDefault(req.UseMock),
		Vector:    vector,
	}, "")
}

func (h *Handler) submitFromEmotion(c *gin.Context) {
	s, ok := currentSessionOrAbort(c)
	if !ok {
		return
	}

	var req fromEmotionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validationError(c, err.Error())
			return
		}
	}

	style, err := parseOptionalStyle(req.Style)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	var p *keystroke.Profile
	if req.PatternID != "" {
		p, err = h.profile(ctx, s.ID, req.PatternID)
	} else {
		p, err = h.ingestor.LatestProfile(ctx, s.ID)
		if err == nil && p == nil {
			err = errPatternNotFound
		}
	}
	if err != nil {
		writeError(c, err)
		return
	}

	prompt := emotion.Map(p.Vector, emotion.Options{
		UserPrompt: req.UserPrompt,
		Style:      style,
		Duration:   durationOrDefault(req.Duration),
	})
	v := p.Vector

	h.submit(c, generation.Request{
		SessionID: s.ID,
		Prompt:    prompt,
		Format:    formatOrDefault(req.AudioFormat),
		UseMock:   mockOrDefault(req.UseMock),
		Vector:    &v,
	}, p.ID)
}

func (h *Handler) submit(c *gin.Context, req generation.Request, patternID string) {
	j, err := h.orchestrator.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"job_id": j.ID,
		"prompt": j.Prompt,
		"status": j.State,
	}
	if patternID != "" {
		resp["pattern_id"] = patternID
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) profile(ctx context.Context, sessionID, patternID string) (*keystroke.Profile, error) {
	if _, err := uuid.Parse(patternID); err != nil {
		return nil, errPatternNotFound
	}
	p, err := h.ingestor.Profile(ctx, sessionID, patternID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errPatternNotFound
	}
	return p, nil
}

type fileInfo struct {
	Locator     string `json:"locator"`
	SizeBytes   int64  `json:"size_bytes"`
	Format      string `json:"format"`
	ContentType string `json:"content_type"`
}

type jobView struct {
	ID           string           `json:"job_id"`
	Status       generation.State `json:"status"`
	Progress     *float64         `json:"progress,omitempty"`
	Prompt       emotion.Prompt   `json:"prompt"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	FileInfo     *fileInfo        `json:"file_info,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func progressOf(s generation.State) *float64 {
	var p float64
	switch s {
	case generation.StatePending:
		p = 0
	case generation.StateProcessing:
		p = 0.5
	case generation.StateCompleted:
		p = 1
	default:
		return nil
	}
	return &p
}

func newJobView(j *generation.Job) jobView {
	v := jobView{
		ID:           j.ID,
		Status:       j.State,
		Progress:     progressOf(j.State),
		Prompt:       j.Prompt,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		ErrorMessage: j.Error,
	}
	if j.State == generation.StateCompleted {
		v.FileInfo = &fileInfo{
			Locator:     j.Locator,
			SizeBytes:   j.Size,
			Format:      string(j.Format),
			ContentType: j.Format.ContentType(),
		}
	}
	return v
}

func (h *Handler) getGeneration(c *gin.Context) {
	s, ok := currentSessionOrAbort(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(c, generation.ErrNotFound)
		return
	}

	j, err := h.orchestrator.GetForSession(c.Request.Context(), s.ID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobView(j))
}

func (h *Handler) listGenerations(c *gin.Context) {
	s, ok := currentSessionOrAbort(c)
	if !ok {
		return
	}

	limit := generation.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			validationError(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := h.orchestrator.ListRecentForSession(c.Request.Context(), s.ID, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	c.JSON(http.StatusOK, gin.H{"generations": out})
}
