package infra

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Image hosts selectable through IMAGE_HOST.
const (
	ImageHostImgBB = "imgbb"
	ImageHostMinIO = "minio"
	ImageHostLocal = "local"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	DatabasePooled     bool
	RedisURL           string
	NATSURL            string
	KieAPIKey          string
	KieBaseURL         string
	KieCallbackURL     string
	ImgBBAPIKey        string
	ImgBBExpiration    int
	TurnstileSecret    string
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseJWTSecret  string
	ImageHost          string
	MinIOEndpoint      string
	MinIOAccessKey     string
	MinIOSecretKey     string
	MinIOBucket        string
	MinIOUseSSL        bool
	MinIOPublicBaseURL string
	StoragePath        string
	StorageBaseURL     string
	CORSAllowedOrigins []string
	UpstreamTimeout    time.Duration
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// Provider secrets are optional at startup; operations needing a missing secret
// report a configuration error instead.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DatabasePooled:     getEnvBool("DATABASE_POOLED", false),
		RedisURL:           os.Getenv("REDIS_URL"),
		NATSURL:            os.Getenv("NATS_URL"),
		KieAPIKey:          strings.TrimSpace(os.Getenv("KIE_API_KEY")),
		KieBaseURL:         getEnv("KIE_BASE_URL", "https://api.kie.ai"),
		KieCallbackURL:     os.Getenv("KIE_CALLBACK_URL"),
		ImgBBAPIKey:        strings.TrimSpace(os.Getenv("IMGBB_API_KEY")),
		ImgBBExpiration:    getEnvInt("IMGBB_EXPIRATION_SECONDS", 0),
		TurnstileSecret:    strings.TrimSpace(os.Getenv("TURNSTILE_SECRET_KEY")),
		SupabaseURL:        strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseAnonKey:    strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		SupabaseJWTSecret:  strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")),
		ImageHost:          strings.ToLower(getEnv("IMAGE_HOST", ImageHostImgBB)),
		MinIOEndpoint:      os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey:     os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey:     os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:        getEnv("MINIO_BUCKET", "reference-images"),
		MinIOUseSSL:        getEnvBool("MINIO_USE_SSL", false),
		MinIOPublicBaseURL: strings.TrimRight(os.Getenv("MINIO_PUBLIC_BASE_URL"), "/"),
		StoragePath:        getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:     getEnv("STORAGE_BASE_URL", fmt.Sprintf("http://localhost:%s/static", port)),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		UpstreamTimeout:    time.Second * time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 60)),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 90)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	switch cfg.ImageHost {
	case ImageHostImgBB, ImageHostLocal:
	case ImageHostMinIO:
		if cfg.MinIOEndpoint == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT is required when IMAGE_HOST=minio")
		}
		if cfg.MinIOPublicBaseURL == "" {
			scheme := "http"
			if cfg.MinIOUseSSL {
				scheme = "https"
			}
			cfg.MinIOPublicBaseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.MinIOEndpoint, cfg.MinIOBucket)
		}
	default:
		return nil, fmt.Errorf("unsupported IMAGE_HOST %q", cfg.ImageHost)
	}

	if cfg.ImageHost == ImageHostLocal {
		if _, err := url.Parse(cfg.StorageBaseURL); err != nil {
			return nil, fmt.Errorf("invalid STORAGE_BASE_URL: %w", err)
		}
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

func splitList(raw string) []string {
	seen := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seen[part] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
