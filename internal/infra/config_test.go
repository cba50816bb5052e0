package infra

import "testing"

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "STORAGE_BASE_URL", "IMAGE_HOST", "MINIO_ENDPOINT", "MINIO_BUCKET",
		"MINIO_USE_SSL", "MINIO_PUBLIC_BASE_URL", "CORS_ALLOWED_ORIGINS", "KIE_API_KEY",
		"KIE_BASE_URL", "UPSTREAM_TIMEOUT_SECONDS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearProviderEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ImageHost != ImageHostImgBB {
		t.Fatalf("ImageHost = %q, want %q", cfg.ImageHost, ImageHostImgBB)
	}
	if cfg.KieBaseURL != "https://api.kie.ai" {
		t.Fatalf("KieBaseURL = %q", cfg.KieBaseURL)
	}
	if cfg.StorageBaseURL != "http://localhost:8080/static" {
		t.Fatalf("StorageBaseURL = %q", cfg.StorageBaseURL)
	}
	if cfg.UpstreamTimeout.Seconds() != 60 {
		t.Fatalf("UpstreamTimeout = %s, want 60s", cfg.UpstreamTimeout)
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("PORT", "1919")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:1919/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
}

func TestLoadConfigMinIORequiresEndpoint(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("IMAGE_HOST", "minio")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when MINIO_ENDPOINT missing")
	}
}

func TestLoadConfigMinIODerivesPublicBaseURL(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("IMAGE_HOST", "MinIO")
	t.Setenv("MINIO_ENDPOINT", "files.example.com:9000")
	t.Setenv("MINIO_BUCKET", "refs")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MinIOPublicBaseURL != "https://files.example.com:9000/refs" {
		t.Fatalf("MinIOPublicBaseURL = %q", cfg.MinIOPublicBaseURL)
	}
}

func TestLoadConfigRejectsUnknownImageHost(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("IMAGE_HOST", "dropbox")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unsupported image host")
	}
}

func TestLoadConfigSplitsCORSOrigins(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://b.example.com, https://a.example.com ,,https://b.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := []string{"https://a.example.com", "https://b.example.com"}
	if len(cfg.CORSAllowedOrigins) != len(expected) {
		t.Fatalf("CORSAllowedOrigins = %#v, want %#v", cfg.CORSAllowedOrigins, expected)
	}
	for i, origin := range expected {
		if cfg.CORSAllowedOrigins[i] != origin {
			t.Fatalf("CORSAllowedOrigins[%d] = %q, want %q", i, cfg.CORSAllowedOrigins[i], origin)
		}
	}
}
