package app

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"cadence-service/internal/config"
	"cadence-service/internal/generation"
	"cadence-service/internal/handler"
	"cadence-service/internal/keystroke"
	"cadence-service/internal/logger"
	"cadence-service/internal/metrics"
	"cadence-service/internal/session"
)

const serviceName = "cadence-service"

// services are the long-lived components behind the router.
type services struct {
	infra        *Infra
	authority    *session.Authority
	ingestor     *keystroke.Ingestor
	orchestrator *generation.Orchestrator
	handler      *handler.Handler
}

func setupServices(cfg config.Config, infra *Infra, m *metrics.Metrics) (*services, error) {
	fp, err := session.NewFingerprinter([]byte(cfg.SessionSecret))
	if err != nil {
		return nil, err
	}

	authority := session.NewAuthority(infra.Sessions, fp, session.Config{
		Duration:          cfg.SessionDuration,
		Cap:               cfg.SessionCap,
		StrictOrigin:      cfg.StrictOrigin,
		ValidationTimeout: cfg.ValidationTimeout,
	}, m)

	ingestor := keystroke.NewIngestor(infra.Buffers, infra.Profiles, keystroke.Options{
		Cache:           infra.Cache,
		Usage:           authority,
		Metrics:         m,
		AnalysisTimeout: cfg.AnalysisTimeout,
	})

	var synth generation.Synthesizer
	if cfg.SynthEndpoint != "" {
		synth = generation.NewHTTPSynthesizer(cfg.SynthEndpoint, cfg.SynthAPIKey, nil)
	} else {
		logger.Warn("no synthesis endpoint configured; only mock generations will succeed", nil)
	}

	orchestrator := generation.NewOrchestrator(infra.Jobs, generation.Config{
		Synthesizer: synth,
		Mock:        generation.MockSynthesizer{Delay: cfg.MockDelay},
		Artifacts:   infra.Artifacts,
		Timeout:     cfg.SynthTimeout,
		Metrics:     m,
	})

	// Buffers die with their session.
	authority.OnEnd(func(ctx context.Context, sessionID, _ string) {
		ingestor.Discard(ctx, sessionID)
	})

	orchestrator.OnComplete(func(ctx context.Context, j generation.Job) {
		if err := authority.RecordGeneration(ctx, j.SessionID); err != nil {
			logger.Warn("failed to record generation on session", map[string]any{
				"session_id": j.SessionID,
				"job_id":     j.ID,
				"error":      err,
			})
		}
	})

	h := handler.NewHandler(authority, ingestor, orchestrator, handler.Options{
		Cookie:      session.CookieOptions{Secure: cfg.CookieSecure},
		Heartbeat:   cfg.HeartbeatInterval,
		IngestRate:  cfg.IngestRate,
		IngestBurst: cfg.IngestBurst,
		Metrics:     m,
	})

	return &services{
		infra:        infra,
		authority:    authority,
		ingestor:     ingestor,
		orchestrator: orchestrator,
		handler:      h,
	}, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func setupHTTP(svc *services, reg *prometheus.Registry) *gin.Engine {

	// ----------------------------
	// Router
	// ----------------------------

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	// ----------------------------
	// Public Routes
	// ----------------------------

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// ----------------------------
	// Session, ingest and generation API
	// ----------------------------

	svc.handler.RegisterRoutes(router)

	return router
}
