package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/pagescan-ocr/pkg/icron"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables, optionally seeded from a .env file.
//
// Environment Variables:
// System:
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - LOG_FORMAT: console or json (default: console)
// - DATA_DIR: base directory for the database, objects and scratch files (default: /app/data)
// - WORK_DIR: per-job scratch directories (default: DATA_DIR/work)
//
// HTTP:
// - HTTP_ADDR: listen address (default: :8080)
// - PUBLIC_BASE_URL: base of signed URLs handed to clients and the OCR provider (default: http://localhost:8080)
//
// Database:
// - DB_DRIVER: sqlite or postgres (default: sqlite)
// - DB_PATH: SQLite file (default: DATA_DIR/pagescan.db)
// - DB_URL: Postgres connection string (required for postgres)
// - DB_MAX_CONNS: Postgres pool size (default: 8)
//
// Storage:
// - STORAGE_DIR: object store root (default: DATA_DIR/objects)
// - STORAGE_SIGNING_KEY: secret for signed URLs (required)
// - SIGNED_URL_TTL: lifetime of signed URLs (default: 1h)
//
// OCR:
// - OCR_PROVIDER: http or tesseract (default: http)
// - OCR_API_URL: batch recognition endpoint (required for http)
// - OCR_API_KEY: bearer token of the batch endpoint (optional)
// - OCR_TIMEOUT: request timeout (default: 60s)
// - OCR_LANGUAGES: comma separated recognition languages (default: eng)
// - OCR_MAX_ITEM_ATTEMPTS: submissions per frame before the job fails (default: 3)
//
// Pipeline:
// - POLL_CRON: schedule of the job poller (default: @every 30s)
// - WORKER_COUNT: concurrent job runners (default: 2)
// - UPLOAD_CONCURRENCY: concurrent frame uploads per batch (default: 4)
// - THUMBNAIL_SIZE: bounding box of job thumbnails in pixels (default: 256)
type Config struct {
	System   SystemConfig   `json:"system"`
	HTTP     HTTPConfig     `json:"http"`
	DB       DBConfig       `json:"db"`
	Storage  StorageConfig  `json:"storage"`
	OCR      OCRConfig      `json:"ocr"`
	Pipeline PipelineConfig `json:"pipeline"`
}

type SystemConfig struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	DataDir   string `json:"data_dir"`
	WorkDir   string `json:"work_dir"`
}

type HTTPConfig struct {
	Addr          string `json:"addr"`
	PublicBaseURL string `json:"public_base_url"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DBConfig struct {
	Driver   string `json:"driver"`
	Path     string `json:"path"`
	URL      string `json:"-"`
	MaxConns int    `json:"max_conns"`
}

type StorageConfig struct {
	Dir          string        `json:"dir"`
	SigningKey   string        `json:"-"`
	SignedURLTTL time.Duration `json:"signed_url_ttl"`
}

const (
	ProviderHTTP      = "http"
	ProviderTesseract = "tesseract"
)

type OCRConfig struct {
	Provider        string        `json:"provider"`
	APIURL          string        `json:"api_url"`
	APIKey          string        `json:"-"`
	Timeout         time.Duration `json:"timeout"`
	Languages       []string      `json:"languages"`
	MaxItemAttempts int           `json:"max_item_attempts"`
}

type PipelineConfig struct {
	PollCron          string `json:"poll_cron"`
	WorkerCount       int    `json:"worker_count"`
	UploadConcurrency int    `json:"upload_concurrency"`
	ThumbnailSize     int    `json:"thumbnail_size"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// LoadEnvFile seeds the environment from a .env file. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", "/app/data")
	config := &Config{
		System: SystemConfig{
			LogLevel:  getEnvString("LOG_LEVEL", "info"),
			LogFormat: getEnvString("LOG_FORMAT", "console"),
			DataDir:   dataDir,
			WorkDir:   getEnvString("WORK_DIR", filepath.Join(dataDir, "work")),
		},
		HTTP: HTTPConfig{
			Addr:          getEnvString("HTTP_ADDR", ":8080"),
			PublicBaseURL: strings.TrimRight(getEnvString("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		},
		DB: DBConfig{
			Driver:   strings.ToLower(getEnvString("DB_DRIVER", DriverSQLite)),
			Path:     getEnvString("DB_PATH", filepath.Join(dataDir, "pagescan.db")),
			URL:      getEnvString("DB_URL", ""),
			MaxConns: getEnvInt("DB_MAX_CONNS", 8),
		},
		Storage: StorageConfig{
			Dir:          getEnvString("STORAGE_DIR", filepath.Join(dataDir, "objects")),
			SigningKey:   getEnvString("STORAGE_SIGNING_KEY", ""),
			SignedURLTTL: getEnvDuration("SIGNED_URL_TTL", time.Hour),
		},
		OCR: OCRConfig{
			Provider:        strings.ToLower(getEnvString("OCR_PROVIDER", ProviderHTTP)),
			APIURL:          getEnvString("OCR_API_URL", ""),
			APIKey:          getEnvString("OCR_API_KEY", ""),
			Timeout:         getEnvDuration("OCR_TIMEOUT", 60*time.Second),
			Languages:       getEnvList("OCR_LANGUAGES", []string{"eng"}),
			MaxItemAttempts: getEnvInt("OCR_MAX_ITEM_ATTEMPTS", 3),
		},
		Pipeline: PipelineConfig{
			PollCron:          getEnvString("POLL_CRON", "@every 30s"),
			WorkerCount:       getEnvInt("WORKER_COUNT", 2),
			UploadConcurrency: getEnvInt("UPLOAD_CONCURRENCY", 4),
			ThumbnailSize:     getEnvInt("THUMBNAIL_SIZE", 256),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	log.Debug("Config: %+v", config)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH is required for sqlite")
		}
	case DriverPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("DB_URL is required for postgres")
		}
		if c.DB.MaxConns <= 0 {
			return fmt.Errorf("DB_MAX_CONNS must be positive")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}

	switch c.OCR.Provider {
	case ProviderHTTP:
		if c.OCR.APIURL == "" {
			return fmt.Errorf("OCR_API_URL is required for the http provider")
		}
	case ProviderTesseract:
	default:
		return fmt.Errorf("unsupported OCR_PROVIDER %q", c.OCR.Provider)
	}
	if len(c.OCR.Languages) == 0 {
		return fmt.Errorf("OCR_LANGUAGES must name at least one language")
	}
	if c.OCR.MaxItemAttempts <= 0 {
		return fmt.Errorf("OCR_MAX_ITEM_ATTEMPTS must be positive")
	}

	if c.Storage.SigningKey == "" {
		return fmt.Errorf("STORAGE_SIGNING_KEY is required")
	}
	if c.Storage.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be positive")
	}
	if _, err := icron.Parse(c.Pipeline.PollCron); err != nil {
		return fmt.Errorf("invalid POLL_CRON: %w", err)
	}
	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") and bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var ret []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ret = append(ret, part)
		}
	}
	return ret
}
