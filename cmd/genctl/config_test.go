package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genctl.yaml")
	body := "server: https://gen.example\nstate_dir: /tmp/gs\naccess_token: tok\npoll_interval: 5s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Server != "https://gen.example" || cfg.StateDir != "/tmp/gs" || cfg.AccessToken != "tok" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.PollInterval != 5*time.Second || cfg.Timeout != 60*time.Second {
		t.Fatalf("durations = %v %v", cfg.PollInterval, cfg.Timeout)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	cfg, err := loadConfig(path, false)
	if err != nil {
		t.Fatalf("implicit missing file should be fine: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Fatalf("default interval = %v", cfg.PollInterval)
	}
	if _, err := loadConfig(path, true); err == nil {
		t.Fatal("explicit missing file should fail")
	}
}

func TestLoadConfigInvalidInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genctl.yaml")
	if err := os.WriteFile(path, []byte("poll_interval: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path, true); err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("expected poll_interval error, got %v", err)
	}
}

func TestImageRef(t *testing.T) {
	if got, _ := imageRef("https://x/y.png"); got != "https://x/y.png" {
		t.Fatalf("url passthrough = %q", got)
	}
	path := filepath.Join(t.TempDir(), "ref.png")
	png := []byte("\x89PNG\r\n\x1a\n0000")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := imageRef(path)
	if err != nil {
		t.Fatalf("imageRef() error = %v", err)
	}
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Fatalf("data url = %q", got)
	}
}
