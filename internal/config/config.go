// Package config loads pagesnap settings from the environment. A .env file in
// the working directory is read first when present; real environment
// variables win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration for cmd/api.
type Config struct {
	HTTPPort        string
	ShutdownTimeout time.Duration

	APIKeys        []string
	AllowedDomains []string
	CORSOrigins    []string

	Browser   BrowserConfig
	Capture   CaptureConfig
	RateLimit RateLimitConfig
	Jobs      JobsConfig
	Storage   StorageConfig
}

// BrowserConfig controls the page pool and the engine it launches.
type BrowserConfig struct {
	MaxConcurrent  int
	ExecutablePath string
}

// CaptureConfig controls one capture and its retries.
type CaptureConfig struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	ReadinessTimeout time.Duration
	SettleDelay      time.Duration
	StylesheetHost   string
}

// RateLimitConfig controls admission on authenticated routes.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	Backend     string // memory | redis
	RedisAddr   string
}

// JobsConfig controls the scheduler and its job table.
type JobsConfig struct {
	Concurrency   int
	MaxQueued     int
	Retention     time.Duration
	SweepInterval time.Duration
	// DrainTimeout bounds how long shutdown waits for running jobs.
	DrainTimeout  time.Duration
	Store         string // memory | postgres
	DatabaseURL   string
}

// StorageConfig selects and configures the upload target.
type StorageConfig struct {
	Provider      string // s3 | localfs | gdrive
	AWSRegion     string
	S3Endpoint    string
	S3PathStyle   bool
	LocalRoot     string
	PublicBaseURL string

	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
}

// LoadDotEnv reads .env (or the given files) into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// Load reads .env when present, then the environment, and validates the
// result.
func Load() (Config, error) {
	if err := LoadDotEnv(); err != nil {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (Config, error) {
	maxConcurrent := IntEnv("MAX_CONCURRENT", 3)
	shutdownTimeout := DurationMsEnv("SHUTDOWN_TIMEOUT", 30*time.Second)

	cfg := Config{
		HTTPPort:        Env("HTTP_PORT", Env("PORT", "8080")),
		ShutdownTimeout: shutdownTimeout,
		APIKeys:         CSVEnv("API_KEYS"),
		AllowedDomains:  lowerAll(CSVEnv("ALLOWED_DOMAINS")),
		CORSOrigins:     CSVEnv("CORS_ALLOWED_ORIGINS"),
		Browser: BrowserConfig{
			MaxConcurrent:  maxConcurrent,
			ExecutablePath: Env("CHROME_EXECUTABLE_PATH", ""),
		},
		Capture: CaptureConfig{
			Timeout:          DurationMsEnv("BROWSER_TIMEOUT", 30*time.Second),
			MaxRetries:       IntEnv("MAX_RETRIES", 2),
			RetryBaseDelay:   DurationMsEnv("RETRY_BASE_DELAY", time.Second),
			ReadinessTimeout: DurationMsEnv("READINESS_TIMEOUT", 10*time.Second),
			SettleDelay:      DurationMsEnv("SETTLE_DELAY", 3*time.Second),
			StylesheetHost:   Env("FONT_STYLESHEET_HOST", "use.typekit.net"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: IntEnv("RATE_LIMIT_MAX", 10),
			Window:      DurationMsEnv("RATE_LIMIT_WINDOW", time.Minute),
			Backend:     strings.ToLower(Env("RATE_LIMIT_BACKEND", "memory")),
			RedisAddr:   Env("REDIS_ADDR", ""),
		},
		Jobs: JobsConfig{
			Concurrency:   IntEnv("JOB_CONCURRENCY", maxConcurrent),
			MaxQueued:     IntEnv("JOB_MAX_QUEUED", 0),
			Retention:     DurationMsEnv("JOB_RETENTION", time.Hour),
			SweepInterval: DurationMsEnv("JOB_SWEEP_INTERVAL", 15*time.Minute),
			DrainTimeout:  DurationMsEnv("JOB_DRAIN_TIMEOUT", shutdownTimeout/2),
			Store:         strings.ToLower(Env("JOB_STORE", "memory")),
			DatabaseURL:   Env("DATABASE_URL", ""),
		},
		Storage: StorageConfig{
			Provider:           strings.ToLower(Env("STORAGE_PROVIDER", "s3")),
			AWSRegion:          Env("AWS_REGION", "eu-west-2"),
			S3Endpoint:         Env("S3_ENDPOINT", ""),
			S3PathStyle:        BoolEnv("S3_USE_PATH_STYLE", false),
			LocalRoot:          Env("STORAGE_LOCAL_ROOT", "/data"),
			PublicBaseURL:      Env("STORAGE_PUBLIC_BASE_URL", ""),
			GDriveClientID:     Env("GDRIVE_CLIENT_ID", ""),
			GDriveClientSecret: Env("GDRIVE_CLIENT_SECRET", ""),
			GDriveRefreshToken: Env("GDRIVE_REFRESH_TOKEN", ""),
			GDriveFolderID:     Env("GDRIVE_FOLDER_ID", ""),
		},
	}

	return cfg, cfg.Validate()
}

// Validate reports every invalid or missing setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Browser.MaxConcurrent < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT must be at least 1"))
	}
	if c.Capture.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.Jobs.Concurrency < 1 {
		errs = append(errs, errors.New("JOB_CONCURRENCY must be at least 1"))
	}
	if c.Jobs.MaxQueued < 0 {
		errs = append(errs, errors.New("JOB_MAX_QUEUED must not be negative"))
	}
	if c.Jobs.DrainTimeout >= c.ShutdownTimeout {
		errs = append(errs, errors.New("JOB_DRAIN_TIMEOUT must be shorter than SHUTDOWN_TIMEOUT"))
	}
	if c.RateLimit.MaxRequests < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX must be at least 1"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when RATE_LIMIT_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND: %s", c.RateLimit.Backend))
	}

	switch c.Jobs.Store {
	case "memory":
	case "postgres":
		if c.Jobs.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when JOB_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown JOB_STORE: %s", c.Jobs.Store))
	}

	switch c.Storage.Provider {
	case "s3", "localfs":
	case "gdrive":
		if c.Storage.GDriveClientID == "" || c.Storage.GDriveClientSecret == "" || c.Storage.GDriveRefreshToken == "" {
			errs = append(errs, errors.New("GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN are required when STORAGE_PROVIDER=gdrive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_PROVIDER: %s", c.Storage.Provider))
	}

	return errors.Join(errs...)
}

func lowerAll(in []string) []string {
	for i := range in {
		in[i] = strings.ToLower(in[i])
	}
	return in
}
