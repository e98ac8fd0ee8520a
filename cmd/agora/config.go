package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all agora configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	Workers         int    `json:"workers"`
	RetentionDays   int    `json:"retention_days"`
	ArchiveOnClean  bool   `json:"archive_on_clean"`
	CleanupSchedule string `json:"cleanup_schedule"`
	AgentStaleMins  int    `json:"agent_stale_minutes"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(agoraDir(), "agora.db"),
		LogLevel:        "info",
		Workers:         4,
		RetentionDays:   30,
		ArchiveOnClean:  true,
		CleanupSchedule: "0 3 * * *",
		AgentStaleMins:  60,
	}
}

func agoraDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agora"
	}
	return filepath.Join(home, ".agora")
}

func settingsPath() string {
	return filepath.Join(agoraDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AGORA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGORA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGORA_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("AGORA_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("AGORA_ARCHIVE_ON_CLEAN"); v != "" {
		cfg.ArchiveOnClean = v == "true" || v == "1"
	}
	if v := os.Getenv("AGORA_CLEANUP_SCHEDULE"); v != "" {
		cfg.CleanupSchedule = v
	}
	if v := os.Getenv("AGORA_AGENT_STALE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AgentStaleMins = n
		}
	}

	return cfg
}
