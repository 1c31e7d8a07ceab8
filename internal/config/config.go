// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Archive store backends.
const (
	ArchiveStoreLocal = "local"
	ArchiveStoreS3    = "s3"
	ArchiveStoreGCS   = "gcs"
	ArchiveStoreAzure = "azure"
)

// S3Config holds S3-compatible object storage settings for published
// archives. All fields are optional; HasS3Config reports completeness.
type S3Config struct {
	KeyID    string
	Secret   string
	Endpoint string
	Region   string
	Bucket   string
}

// GCSConfig holds Google Cloud Storage settings for published archives.
type GCSConfig struct {
	KeyFile string
	Bucket  string
}

// AzureConfig holds Azure Blob Storage settings for published archives.
type AzureConfig struct {
	AccountName string
	AccountKey  string
	Container   string
}

// Config holds the configuration for the collection server.
type Config struct {
	BaseDir         string // LCC_BASEDIR: root of every default path below
	IndexDBPath     string // root index store (collections)
	DatasetsDBPath  string // dataset index store
	DatasetsDir     string // dataset artifacts
	ArchiveDir      string // light-curve archives
	ListenAddr      string // HTTP listen address (default ":12500")
	LogLevel        string // log level: debug, info, warn, error (default "info")
	Env             string // environment: "development" (default) or "production"
	PublicURL       string // base URL used in background notices (default "http://localhost<ListenAddr>")
	RoleLimitsFile  string // optional YAML role-limit overrides
	JWTSecret       string // HS256 secret for bearer tokens
	MaxAttached     int    // catalog stores attached per session at once
	Workers         int    // worker pool size (default GOMAXPROCS)
	BundleWorkers   int    // conversion workers per archive build
	QueryTimeout    time.Duration
	BundleTimeout   time.Duration
	RowsPerPage     int
	MaxBundleFiles  int
	ConeMaxArcmin   float64
	XMatchMaxArcsec float64
	XMatchDefArcsec float64

	// Rate limiting. Per-role request rates come from the role limits; the
	// burst is shared.
	RateLimitBurst int

	// CORS
	CORSAllowedOrigins []string

	// Dataset janitor
	SweepSchedule   string
	StaleDatasetTTL time.Duration

	// Archive publishing
	ArchiveStore  string
	PresignExpiry time.Duration
	S3            S3Config
	GCS           GCSConfig
	Azure         AzureConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if all required S3 fields are set.
func (c *Config) HasS3Config() bool {
	return c.S3.KeyID != "" && c.S3.Secret != "" &&
		c.S3.Endpoint != "" && c.S3.Region != ""
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// LoadFromEnv loads configuration from environment variables.
// Archive store credentials are optional; the local store needs none.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		BaseDir:        os.Getenv("LCC_BASEDIR"),
		IndexDBPath:    os.Getenv("INDEX_DB_PATH"),
		DatasetsDBPath: os.Getenv("DATASETS_DB_PATH"),
		DatasetsDir:    os.Getenv("DATASETS_DIR"),
		ArchiveDir:     os.Getenv("ARCHIVE_DIR"),
		ListenAddr:     os.Getenv("LISTEN_ADDR"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		Env:            os.Getenv("ENV"),
		PublicURL:      strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),
		RoleLimitsFile: os.Getenv("ROLE_LIMITS_FILE"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		SweepSchedule:  os.Getenv("DATASET_SWEEP_SCHEDULE"),
		ArchiveStore:   strings.ToLower(os.Getenv("ARCHIVE_STORE")),
		S3: S3Config{
			KeyID:    os.Getenv("S3_KEY_ID"),
			Secret:   os.Getenv("S3_SECRET"),
			Endpoint: os.Getenv("S3_ENDPOINT"),
			Region:   os.Getenv("S3_REGION"),
			Bucket:   os.Getenv("S3_BUCKET"),
		},
		GCS: GCSConfig{
			KeyFile: os.Getenv("GCS_KEY_FILE"),
			Bucket:  os.Getenv("GCS_BUCKET"),
		},
		Azure: AzureConfig{
			AccountName: os.Getenv("AZURE_ACCOUNT_NAME"),
			AccountKey:  os.Getenv("AZURE_ACCOUNT_KEY"),
			Container:   os.Getenv("AZURE_CONTAINER"),
		},
	}

	var errs []string
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = append(errs, fmt.Sprintf("%s: want a non-negative integer, got %q", key, v))
				return
			}
			*dst = n
		}
	}
	floatVar := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				errs = append(errs, fmt.Sprintf("%s: want a positive number, got %q", key, v))
				return
			}
			*dst = f
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				errs = append(errs, fmt.Sprintf("%s: want a positive duration, got %q", key, v))
				return
			}
			*dst = d
		}
	}

	intVar("MAX_ATTACHED", &cfg.MaxAttached)
	intVar("WORKERS", &cfg.Workers)
	intVar("BUNDLE_WORKERS", &cfg.BundleWorkers)
	intVar("ROWS_PER_PAGE", &cfg.RowsPerPage)
	intVar("MAX_BUNDLE_FILES", &cfg.MaxBundleFiles)
	intVar("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	floatVar("CONESEARCH_MAX_ARCMIN", &cfg.ConeMaxArcmin)
	floatVar("XMATCH_MAX_ARCSEC", &cfg.XMatchMaxArcsec)
	floatVar("XMATCH_DEFAULT_ARCSEC", &cfg.XMatchDefArcsec)
	durationVar("QUERY_TIMEOUT", &cfg.QueryTimeout)
	durationVar("BUNDLE_TIMEOUT", &cfg.BundleTimeout)
	durationVar("STALE_DATASET_TTL", &cfg.StaleDatasetTTL)
	durationVar("PRESIGN_EXPIRY", &cfg.PresignExpiry)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	cfg.applyDefaults()

	if cfg.XMatchDefArcsec > cfg.XMatchMaxArcsec {
		return nil, fmt.Errorf("XMATCH_DEFAULT_ARCSEC (%g) exceeds XMATCH_MAX_ARCSEC (%g)", cfg.XMatchDefArcsec, cfg.XMatchMaxArcsec)
	}
	if err := cfg.validateArchiveStore(); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set: every request is served as the anonymous user")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("JWT_SECRET must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.BaseDir == "" {
		cfg.BaseDir = "."
	}
	under := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(cfg.BaseDir, name)
		}
	}
	under(&cfg.IndexDBPath, "lcc-index.sqlite")
	under(&cfg.DatasetsDBPath, "lcc-datasets.sqlite")
	under(&cfg.DatasetsDir, "datasets")
	under(&cfg.ArchiveDir, "products")

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":12500"
	}
	if cfg.PublicURL == "" {
		host := cfg.ListenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		cfg.PublicURL = "http://" + host
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.BundleWorkers == 0 {
		cfg.BundleWorkers = 4
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.BundleTimeout == 0 {
		cfg.BundleTimeout = 5 * time.Second
	}
	if cfg.RowsPerPage == 0 {
		cfg.RowsPerPage = 500
	}
	if cfg.MaxBundleFiles == 0 {
		cfg.MaxBundleFiles = 20000
	}
	if cfg.ConeMaxArcmin == 0 {
		cfg.ConeMaxArcmin = 60
	}
	if cfg.XMatchMaxArcsec == 0 {
		cfg.XMatchMaxArcsec = 30
	}
	if cfg.XMatchDefArcsec == 0 {
		cfg.XMatchDefArcsec = 3
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@hourly"
	}
	if cfg.StaleDatasetTTL == 0 {
		cfg.StaleDatasetTTL = 24 * time.Hour
	}
	if cfg.ArchiveStore == "" {
		cfg.ArchiveStore = ArchiveStoreLocal
	}
	if cfg.PresignExpiry == 0 {
		cfg.PresignExpiry = time.Hour
	}
}

func (cfg *Config) validateArchiveStore() error {
	switch cfg.ArchiveStore {
	case ArchiveStoreLocal:
		return nil
	case ArchiveStoreS3:
		if !cfg.HasS3Config() {
			return fmt.Errorf("ARCHIVE_STORE=s3 requires S3_KEY_ID, S3_SECRET, S3_ENDPOINT and S3_REGION")
		}
		if cfg.S3.Bucket == "" {
			cfg.S3.Bucket = "lcc-server"
		}
	case ArchiveStoreGCS:
		if cfg.GCS.KeyFile == "" || cfg.GCS.Bucket == "" {
			return fmt.Errorf("ARCHIVE_STORE=gcs requires GCS_KEY_FILE and GCS_BUCKET")
		}
	case ArchiveStoreAzure:
		if cfg.Azure.AccountName == "" || cfg.Azure.AccountKey == "" || cfg.Azure.Container == "" {
			return fmt.Errorf("ARCHIVE_STORE=azure requires AZURE_ACCOUNT_NAME, AZURE_ACCOUNT_KEY and AZURE_CONTAINER")
		}
	default:
		return fmt.Errorf("unknown ARCHIVE_STORE %q (want local, s3, gcs or azure)", cfg.ArchiveStore)
	}
	return nil
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
