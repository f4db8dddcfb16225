package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Port    string
	DataDir string // Directory holding the vault database and provider config

	// LLM provider configuration
	LLMBaseURL   string
	LLMAPIKey    string
	ChatModel    string
	ExtractModel string

	// Key derivation
	KDFIterations int // PBKDF2 iteration count for new vaults

	// Session behavior
	AutoLockMinutes    int // Default idle timeout; overridden by vault settings
	UnlockRatePerMin   int // Unlock attempts allowed per minute
	ExtractionSchedule string

	// Context assembly bounds
	MetricsWindowDays int
	RecentMemories    int
	RecentSessions    int
}

// fileOverlay is the optional recoverylm.yaml config file shape.
// Only a subset of settings make sense in a file; secrets stay in env.
type fileOverlay struct {
	Port               string `yaml:"port"`
	DataDir            string `yaml:"data_dir"`
	LLMBaseURL         string `yaml:"llm_base_url"`
	ChatModel          string `yaml:"chat_model"`
	ExtractModel       string `yaml:"extract_model"`
	AutoLockMinutes    int    `yaml:"auto_lock_minutes"`
	ExtractionSchedule string `yaml:"extraction_schedule"`
}

// Load loads configuration from environment variables with defaults,
// then applies recoverylm.yaml overrides if the file exists.
func Load() *Config {
	cfg := &Config{
		Port:    getEnv("PORT", "3100"),
		DataDir: getEnv("DATA_DIR", defaultDataDir()),

		LLMBaseURL:   getEnv("LLM_BASE_URL", "http://localhost:11434/v1"),
		LLMAPIKey:    getEnv("LLM_API_KEY", ""),
		ChatModel:    getEnv("CHAT_MODEL", "llama3.1:8b"),
		ExtractModel: getEnv("EXTRACT_MODEL", ""),

		KDFIterations: getIntEnv("KDF_ITERATIONS", 310_000),

		AutoLockMinutes:    getIntEnv("AUTO_LOCK_MINUTES", 15),
		UnlockRatePerMin:   getIntEnv("UNLOCK_RATE_PER_MIN", 10),
		ExtractionSchedule: getEnv("EXTRACTION_SCHEDULE", "0 4 * * *"),

		MetricsWindowDays: getIntEnv("METRICS_WINDOW_DAYS", 14),
		RecentMemories:    getIntEnv("RECENT_MEMORIES", 3),
		RecentSessions:    getIntEnv("RECENT_SESSIONS", 5),
	}

	if cfg.ExtractModel == "" {
		cfg.ExtractModel = cfg.ChatModel
	}

	// PBKDF2 below 100k iterations is not acceptable for a password vault
	if cfg.KDFIterations < 100_000 {
		cfg.KDFIterations = 100_000
	}

	cfg.applyFile(filepath.Join(cfg.DataDir, "recoverylm.yaml"))

	return cfg
}

// applyFile overlays settings from a YAML file onto the config.
// Missing file is fine; a malformed file is reported and ignored.
func (c *Config) applyFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		fmt.Fprintf(os.Stderr, "warning: ignoring malformed config file %s: %v\n", path, err)
		return
	}

	if overlay.Port != "" {
		c.Port = overlay.Port
	}
	if overlay.DataDir != "" {
		c.DataDir = overlay.DataDir
	}
	if overlay.LLMBaseURL != "" {
		c.LLMBaseURL = overlay.LLMBaseURL
	}
	if overlay.ChatModel != "" {
		c.ChatModel = overlay.ChatModel
	}
	if overlay.ExtractModel != "" {
		c.ExtractModel = overlay.ExtractModel
	}
	if overlay.AutoLockMinutes > 0 {
		c.AutoLockMinutes = overlay.AutoLockMinutes
	}
	if overlay.ExtractionSchedule != "" {
		c.ExtractionSchedule = overlay.ExtractionSchedule
	}
}

// AutoLockTimeout returns the configured idle timeout as a duration.
func (c *Config) AutoLockTimeout() time.Duration {
	return time.Duration(c.AutoLockMinutes) * time.Minute
}

// DatabasePath returns the vault database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "vault.db")
}

// ProvidersPath returns the LLM provider config file location.
func (c *Config) ProvidersPath() string {
	return filepath.Join(c.DataDir, "providers.json")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".recoverylm")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
