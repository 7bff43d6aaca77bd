package generation

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cadence-service/internal/emotion"
)

const (
	DefaultMockDelay = 2 * time.Second

	maxArtifactBytes = 64 << 20
)

// Synthesizer turns a prompt into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, p emotion.Prompt, format Format) ([]byte, error)
}

// MockSynthesizer waits Delay and returns a short deterministic sine tone
// as PCM WAV, whatever format was asked for.
type MockSynthesizer struct {
	Delay time.Duration
}

func (m MockSynthesizer) Synthesize(ctx context.Context, p emotion.Prompt, _ Format) ([]byte, error) {
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return toneWAV(toneFrequency(p), time.Second), nil
}

func toneFrequency(p emotion.Prompt) float64 {
	base := map[emotion.Mood]float64{
		emotion.MoodMelancholic:   220.00, // A3
		emotion.MoodContemplative: 261.63, // C4
		emotion.MoodUplifting:     329.63, // E4
	}[p.Mood]
	if base == 0 {
		base = 261.63
	}
	switch p.Tempo {
	case emotion.TempoFast:
		base *= 2
	case emotion.TempoSlow:
		base /= 2
	}
	return base
}

const mockSampleRate = 8000

// toneWAV renders a mono 16-bit PCM WAV file.
func toneWAV(freq float64, d time.Duration) []byte {
	samples := int(d.Seconds() * mockSampleRate)
	dataLen := samples * 2

	var buf bytes.Buffer
	buf.Grow(44 + dataLen)

	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	buf.WriteString("RIFF")
	w(uint32(36 + dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	w(uint32(16))                 // fmt chunk size
	w(uint16(1))                  // PCM
	w(uint16(1))                  // mono
	w(uint32(mockSampleRate))     // sample rate
	w(uint32(mockSampleRate * 2)) // byte rate
	w(uint16(2))                  // block align
	w(uint16(16))                 // bits per sample
	buf.WriteString("data")
	w(uint32(dataLen))

	for i := 0; i < samples; i++ {
		s := math.Sin(2 * math.Pi * freq * float64(i) / mockSampleRate)
		w(int16(s * 0.3 * math.MaxInt16))
	}
	return buf.Bytes()
}

// HTTPSynthesizer calls an external synthesis service. The service
// receives the prompt as JSON and answers with the audio body.
type HTTPSynthesizer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPSynthesizer(endpoint, apiKey string, client *http.Client) *HTTPSynthesizer {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPSynthesizer{endpoint: endpoint, apiKey: apiKey, client: client}
}

type synthRequest struct {
	Prompt    string   `json:"prompt"`
	Style     string   `json:"style,omitempty"`
	Tempo     string   `json:"tempo,omitempty"`
	Mood      string   `json:"mood,omitempty"`
	Intensity string   `json:"intensity,omitempty"`
	Duration  int      `json:"duration"`
	Format    string   `json:"format"`
	Tags      []string `json:"tags,omitempty"`
}

func (h *HTTPSynthesizer) Synthesize(ctx context.Context, p emotion.Prompt, format Format) ([]byte, error) {
	body, err := json.Marshal(synthRequest{
		Prompt:    p.Text,
		Style:     string(p.Style),
		Tempo:     string(p.Tempo),
		Mood:      string(p.Mood),
		Intensity: string(p.Intensity),
		Duration:  p.Duration,
		Format:    string(format),
		Tags:      p.Characteristics,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", format.ContentType())
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling synthesis service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesis service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading synthesis response: %w", err)
	}
	if len(data) > maxArtifactBytes {
		return nil, fmt.Errorf("synthesis response exceeds %d bytes", maxArtifactBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("synthesis service returned no audio")
	}
	return data, nil
}
