package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	LogLevel    string
	Port        string
	DatabaseURL string
	DBMaxConns  int

	BackendMode  string
	RunPodURI    string
	RunPodAPIKey string
	ComfyBaseURL string

	ObjectStore      string
	AWSBucket        string
	AWSRegion        string
	S3Endpoint       string
	ObjectPublicRead bool
	PresignExpiry    time.Duration

	UploadDir  string
	OutputDir  string
	GalleryDir string

	MaxSelfies        int
	MaxDisplayImages  int
	UploadParallelism int
	PollInterval      time.Duration
	PollMaxWait       time.Duration
	PollMaxFailures   int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

// LoadConfig loads .env files when present, then reads configuration from
// environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	for _, f := range []string{".env", ".env.local"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		LogLevel:    strings.ToLower(os.Getenv("LOG_LEVEL")),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 4),

		BackendMode:  strings.ToLower(getEnv("BACKEND_MODE", "queued")),
		RunPodURI:    strings.TrimRight(os.Getenv("RUNPOD_API_URI"), "/"),
		RunPodAPIKey: os.Getenv("RUNPOD_API_KEY"),
		ComfyBaseURL: strings.TrimRight(os.Getenv("COMFY_BASE_URL"), "/"),

		ObjectStore:      strings.ToLower(getEnv("OBJECT_STORE", "s3")),
		AWSBucket:        os.Getenv("AWS_BUCKET"),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		ObjectPublicRead: getEnvBool("OBJECT_PUBLIC_READ", false),
		PresignExpiry:    time.Hour * time.Duration(getEnvInt("PRESIGN_EXPIRY_HOURS", 24)),

		UploadDir:  getEnv("UPLOAD_DIR", "./user_uploads"),
		OutputDir:  getEnv("OUTPUT_DIR", "./output"),
		GalleryDir: getEnv("GALLERY_DIR", "./gallery"),

		MaxSelfies:        getEnvInt("MAX_SELFIE_NUMBER", 6),
		MaxDisplayImages:  getEnvInt("MAX_DISPLAY_IMAGES", 12),
		UploadParallelism: getEnvInt("UPLOAD_PARALLELISM", 4),
		PollInterval:      time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 3)),
		PollMaxWait:       time.Second * time.Duration(getEnvInt("POLL_MAX_WAIT_SECONDS", 900)),
		PollMaxFailures:   getEnvInt("POLL_MAX_FAILURES", 5),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	switch cfg.BackendMode {
	case "queued":
		if cfg.RunPodURI == "" {
			return nil, fmt.Errorf("RUNPOD_API_URI is required for BACKEND_MODE=queued")
		}
	case "streamed":
		if cfg.ComfyBaseURL == "" {
			return nil, fmt.Errorf("COMFY_BASE_URL is required for BACKEND_MODE=streamed")
		}
	default:
		return nil, fmt.Errorf("unsupported BACKEND_MODE %q", cfg.BackendMode)
	}

	switch cfg.ObjectStore {
	case "s3":
		if cfg.AWSBucket == "" {
			return nil, fmt.Errorf("AWS_BUCKET is required for OBJECT_STORE=s3")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported OBJECT_STORE %q", cfg.ObjectStore)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
