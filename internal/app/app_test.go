package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence-service/internal/config"
	"cadence-service/internal/keystroke"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.StoreBackend = "memory"
	cfg.SessionSecret = "app-test-secret"
	cfg.ArtifactDir = t.TempDir()
	cfg.MockDelay = 5 * time.Millisecond
	cfg.CookieSecure = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Shutdown(ctx))
	})
	return a
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func keystrokeAt(ts float64) keystroke.Event {
	return keystroke.Event{Key: "a", Timestamp: ts, Type: keystroke.EventKeyDown}
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t)

	code, body := call(t, a.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

// TestPipeline drives a session from keystrokes to a completed generation
// and checks the cross-component hooks.
func TestPipeline(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	code, body := call(t, h, http.MethodPost, "/api/sessions", "", map[string]any{"consent_given": true})
	require.Equal(t, http.StatusCreated, code)
	sessionID := body["session_id"].(string)
	token := body["session_token"].(string)

	ctx := context.Background()
	ingestor := a.services.ingestor
	for i := range 20 {
		_, err := ingestor.Append(ctx, sessionID, keystrokeAt(float64(i*110)))
		require.NoError(t, err)
	}

	code, body = call(t, h, http.MethodPost, "/api/patterns/analyze", token, map[string]any{
		"text_content": "focused and calm",
	})
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body["pattern_id"])

	code, body = call(t, h, http.MethodPost, "/api/generations/from-emotion", token, map[string]any{
		"user_prompt": "for a quiet morning",
	})
	require.Equal(t, http.StatusAccepted, code)
	jobID := body["job_id"].(string)

	require.Eventually(t, func() bool {
		_, job := call(t, h, http.MethodGet, "/api/generations/"+jobID, token, nil)
		return job["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, s := call(t, h, http.MethodGet, "/api/sessions/current", token, nil)
		return s["generations"] == float64(1) && s["typing_time_seconds"].(float64) > 0
	}, time.Second, 10*time.Millisecond)

	// Logout discards any buffered keystrokes for the session.
	_, err := ingestor.Append(ctx, sessionID, keystrokeAt(5000))
	require.NoError(t, err)
	code, _ = call(t, h, http.MethodDelete, "/api/sessions/current", token, nil)
	require.Equal(t, http.StatusNoContent, code)

	events, err := a.services.infra.Buffers.Load(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNew_RejectsUnknownArtifactBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArtifactBackend = "ftp"

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "artifact backend")
}
