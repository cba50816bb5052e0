package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"genstudio/pkg/genclient"
)

type fileConfig struct {
	Server       string `yaml:"server"`
	StateDir     string `yaml:"state_dir"`
	AccessToken  string `yaml:"access_token"`
	PollInterval string `yaml:"poll_interval"`
	Timeout      string `yaml:"timeout"`
}

type config struct {
	Server       string
	StateDir     string
	AccessToken  string
	PollInterval time.Duration
	Timeout      time.Duration
}

func defaultConfig() config {
	dir := ".genstudio"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".genstudio")
	}
	return config{
		Server:       "http://localhost:8080",
		StateDir:     dir,
		PollInterval: genclient.DefaultPollInterval,
		Timeout:      60 * time.Second,
	}
}

// loadConfig layers the YAML file over the defaults. A missing file is only
// an error when the path was given explicitly.
func loadConfig(path string, explicit bool) (config, error) {
	cfg := defaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if v := strings.TrimSpace(fc.Server); v != "" {
		cfg.Server = v
	}
	if v := strings.TrimSpace(fc.StateDir); v != "" {
		cfg.StateDir = v
	}
	cfg.AccessToken = strings.TrimSpace(fc.AccessToken)
	if v := strings.TrimSpace(fc.PollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid poll_interval %q", v)
		}
		cfg.PollInterval = d
	}
	if v := strings.TrimSpace(fc.Timeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid timeout %q", v)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}
