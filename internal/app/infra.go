package app

import (
	"context"
	"errors"
	"fmt"

	"cadence-service/internal/config"
	"cadence-service/internal/db"
	"cadence-service/internal/generation"
	genpg "cadence-service/internal/generation/postgres"
	"cadence-service/internal/keystroke"
	kspg "cadence-service/internal/keystroke/postgres"
	"cadence-service/internal/logger"
	"cadence-service/internal/redis"
	"cadence-service/internal/session"
	sessionpg "cadence-service/internal/session/postgres"
)

const artifactPrefix = "generations"

// Infra holds the stores every component is built on, chosen by the
// configured backends.
type Infra struct {
	DB    *db.DB        // nil for the memory backend
	Redis *redis.Client // nil for the memory backend

	Sessions  session.Store
	Buffers   keystroke.BufferStore
	Profiles  keystroke.ProfileStore
	Cache     *keystroke.ProfileCache // nil without Redis
	Jobs      generation.Store
	Artifacts generation.ArtifactStore

	closers []func() error
}

func setupInfra(ctx context.Context, cfg config.Config) (*Infra, error) {
	infra := &Infra{}

	switch cfg.StoreBackend {
	case "memory":
		buffers := keystroke.NewMemoryBuffer(cfg.BufferIdleTimeout)
		buffers.StartIdleSweeper(cfg.BufferIdleTimeout)
		infra.closers = append(infra.closers, buffers.Close)

		infra.Sessions = session.NewMemoryStore()
		infra.Buffers = buffers
		infra.Profiles = keystroke.NewMemoryProfileStore()
		infra.Jobs = generation.NewMemoryStore()

		logger.Warn("using in-memory stores; state is lost on restart", nil)

	case "postgres":
		database, err := db.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		infra.DB = database
		infra.closers = append(infra.closers, database.Close)

		logger.Info("database ready", nil)

		redisClient, err := redis.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = infra.Close()
			return nil, err
		}
		infra.Redis = redisClient
		infra.closers = append(infra.closers, redisClient.Close)

		logger.Info("redis ready", map[string]any{"addr": cfg.RedisAddr})

		infra.Sessions = sessionpg.New(database.DB)
		infra.Buffers = keystroke.NewRedisBuffer(redisClient.Client, cfg.BufferIdleTimeout)
		infra.Profiles = kspg.NewProfileStore(database.DB)
		infra.Cache = keystroke.NewProfileCache(redisClient.Client, cfg.ProfileCacheTTL)
		infra.Jobs = genpg.NewJobStore(database.DB)

	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.StoreBackend)
	}

	artifacts, err := setupArtifacts(ctx, cfg)
	if err != nil {
		_ = infra.Close()
		return nil, err
	}
	infra.Artifacts = artifacts
	if c, ok := artifacts.(interface{ Close() error }); ok {
		infra.closers = append(infra.closers, c.Close)
	}

	return infra, nil
}

func setupArtifacts(ctx context.Context, cfg config.Config) (generation.ArtifactStore, error) {
	switch cfg.ArtifactBackend {
	case "gcs":
		store, err := generation.NewGCSStore(ctx, cfg.GCSBucket, artifactPrefix, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, err
		}
		logger.Info("artifact store ready", map[string]any{
			"backend": "gcs",
			"bucket":  cfg.GCSBucket,
		})
		return store, nil

	case "file":
		store, err := generation.NewFileStore(cfg.ArtifactDir)
		if err != nil {
			return nil, err
		}
		logger.Info("artifact store ready", map[string]any{
			"backend": "file",
			"dir":     cfg.ArtifactDir,
		})
		return store, nil

	default:
		return nil, fmt.Errorf("app: unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

// Close releases connections in reverse order of acquisition.
func (i *Infra) Close() error {
	var errs []error
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			errs = append(errs, err)
		}
	}
	i.closers = nil
	return errors.Join(errs...)
}
