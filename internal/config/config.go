package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppPort  string `yaml:"app_port"`
	LogLevel string `yaml:"log_level"`

	// StoreBackend selects where sessions, profiles and jobs live:
	// "postgres" or "memory".
	StoreBackend string `yaml:"store_backend"`
	DatabaseDSN  string `yaml:"database_dsn"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SessionSecret        string        `yaml:"session_secret"`
	SessionDuration      time.Duration `yaml:"session_duration"`
	SessionCap           int           `yaml:"session_cap"`
	StrictOrigin         bool          `yaml:"strict_origin"`
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval"`
	ValidationTimeout    time.Duration `yaml:"validation_timeout"`
	CookieSecure         bool          `yaml:"cookie_secure"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BufferIdleTimeout time.Duration `yaml:"buffer_idle_timeout"`
	ProfileCacheTTL   time.Duration `yaml:"profile_cache_ttl"`
	AnalysisTimeout   time.Duration `yaml:"analysis_timeout"`
	IngestRate        float64       `yaml:"ingest_rate"`
	IngestBurst       int           `yaml:"ingest_burst"`

	SynthEndpoint string        `yaml:"synth_endpoint"`
	SynthAPIKey   string        `yaml:"synth_api_key"`
	SynthTimeout  time.Duration `yaml:"synth_timeout"`
	MockDelay     time.Duration `yaml:"mock_delay"`

	// ArtifactBackend is "file" or "gcs".
	ArtifactBackend    string        `yaml:"artifact_backend"`
	ArtifactDir        string        `yaml:"artifact_dir"`
	GCSBucket          string        `yaml:"gcs_bucket"`
	GCSCredentialsFile string        `yaml:"gcs_credentials_file"`
	JobRetention       time.Duration `yaml:"job_retention"`
	JobCleanupInterval time.Duration `yaml:"job_cleanup_interval"`

	// OTLPEndpoint is the gRPC trace collector address. Empty disables
	// span export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		AppPort:      "8080",
		LogLevel:     "info",
		StoreBackend: "postgres",
		RedisAddr:    "localhost:6379",

		SessionDuration:      24 * time.Hour,
		SessionCap:           10,
		SessionSweepInterval: 5 * time.Minute,
		ValidationTimeout:    2 * time.Second,
		CookieSecure:         true,

		HeartbeatInterval: 30 * time.Second,
		BufferIdleTimeout: 60 * time.Second,
		ProfileCacheTTL:   5 * time.Minute,
		AnalysisTimeout:   5 * time.Second,
		IngestRate:        50,
		IngestBurst:       100,

		SynthTimeout: 120 * time.Second,
		MockDelay:    2 * time.Second,

		ArtifactBackend:    "file",
		ArtifactDir:        "./generated_music",
		JobRetention:       24 * time.Hour,
		JobCleanupInterval: time.Hour,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.overlayEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str("APP_PORT", &c.AppPort)
	e.str("LOG_LEVEL", &c.LogLevel)

	e.str("STORE_BACKEND", &c.StoreBackend)
	e.str("DATABASE_DSN", &c.DatabaseDSN)

	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("REDIS_PASSWORD", &c.RedisPassword)
	e.integer("REDIS_DB", &c.RedisDB)

	e.str("SESSION_SECRET", &c.SessionSecret)
	e.duration("SESSION_DURATION", &c.SessionDuration)
	e.integer("SESSION_CAP", &c.SessionCap)
	e.boolean("STRICT_ORIGIN", &c.StrictOrigin)
	e.duration("SESSION_SWEEP_INTERVAL", &c.SessionSweepInterval)
	e.duration("VALIDATION_TIMEOUT", &c.ValidationTimeout)
	e.boolean("COOKIE_SECURE", &c.CookieSecure)

	e.duration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	e.duration("BUFFER_IDLE_TIMEOUT", &c.BufferIdleTimeout)
	e.duration("PROFILE_CACHE_TTL", &c.ProfileCacheTTL)
	e.duration("ANALYSIS_TIMEOUT", &c.AnalysisTimeout)
	e.float("INGEST_RATE", &c.IngestRate)
	e.integer("INGEST_BURST", &c.IngestBurst)

	e.str("SYNTH_ENDPOINT", &c.SynthEndpoint)
	e.str("SYNTH_API_KEY", &c.SynthAPIKey)
	e.duration("SYNTH_TIMEOUT", &c.SynthTimeout)
	e.duration("MOCK_DELAY", &c.MockDelay)

	e.str("ARTIFACT_BACKEND", &c.ArtifactBackend)
	e.str("ARTIFACT_DIR", &c.ArtifactDir)
	e.str("GCS_BUCKET", &c.GCSBucket)
	e.str("GCS_CREDENTIALS_FILE", &c.GCSCredentialsFile)
	e.duration("JOB_RETENTION", &c.JobRetention)
	e.duration("JOB_CLEANUP_INTERVAL", &c.JobCleanupInterval)

	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)

	return errors.Join(e.errs...)
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error

	if c.SessionSecret == "" {
		errs = append(errs, errors.New("config: SESSION_SECRET is required"))
	}
	if c.SessionCap < 1 {
		errs = append(errs, errors.New("config: SESSION_CAP must be at least 1"))
	}
	if c.SessionDuration <= 0 {
		errs = append(errs, errors.New("config: SESSION_DURATION must be positive"))
	}

	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("config: DATABASE_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.ArtifactBackend {
	case "file":
		if c.ArtifactDir == "" {
			errs = append(errs, errors.New("config: ARTIFACT_DIR is required for the file backend"))
		}
	case "gcs":
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("config: GCS_BUCKET is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown ARTIFACT_BACKEND %q", c.ArtifactBackend))
	}

	for key, d := range map[string]time.Duration{
		"HEARTBEAT_INTERVAL":     c.HeartbeatInterval,
		"SESSION_SWEEP_INTERVAL": c.SessionSweepInterval,
		"BUFFER_IDLE_TIMEOUT":    c.BufferIdleTimeout,
		"JOB_CLEANUP_INTERVAL":   c.JobCleanupInterval,
		"JOB_RETENTION":          c.JobRetention,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", key))
		}
	}

	return errors.Join(errs...)
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = f
}

func (e *envReader) boolean(key string, dst *bool) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = d
}
