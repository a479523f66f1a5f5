package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/flowctl/internal/status"
)

// statusctl config.toml key mapping to status server settings.
type fileConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	MaxRuns     int      `toml:"max_runs"`
}

// loadServiceConfig loads a TOML config with default overlay.
func loadServiceConfig(path string) (status.ServiceConfig, error) {
	cfg := status.DefaultServiceConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return status.ServiceConfig{}, fmt.Errorf("load status config: %w", err)
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("max_runs") {
		cfg.MaxRuns = raw.MaxRuns
	}
	return cfg, nil
}
