package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Log           LogConfig           `json:"log"`
	Storage       StorageConfig       `json:"storage"`
	Providers     ProvidersConfig     `json:"providers"`
	Consolidation ConsolidationConfig `json:"consolidation"`
	Contradiction ContradictionConfig `json:"contradiction"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	mu            sync.RWMutex
}

type LogConfig struct {
	Level string `json:"level" env:"MEMKEEP_LOG_LEVEL"`
}

type StorageConfig struct {
	DBPath string `json:"db_path" env:"MEMKEEP_STORAGE_DB_PATH"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"MEMKEEP_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"MEMKEEP_PROVIDERS_OPENROUTER_API_BASE"`
	Model   string `json:"model" env:"MEMKEEP_PROVIDERS_OPENROUTER_MODEL"`
	Proxy   string `json:"proxy,omitempty" env:"MEMKEEP_PROVIDERS_OPENROUTER_PROXY"`
}

type ConsolidationConfig struct {
	// KnowledgeContextLimit caps how many existing items are rendered into
	// the consolidation prompt.
	KnowledgeContextLimit int `json:"knowledge_context_limit" env:"MEMKEEP_CONSOLIDATION_KNOWLEDGE_CONTEXT_LIMIT"`
	// Concurrency bounds how many users are consolidated in parallel within
	// one batch. 1 preserves strict per-user serialization.
	Concurrency    int     `json:"concurrency" env:"MEMKEEP_CONSOLIDATION_CONCURRENCY"`
	MaxTokens      int     `json:"max_tokens" env:"MEMKEEP_CONSOLIDATION_MAX_TOKENS"`
	Temperature    float64 `json:"temperature" env:"MEMKEEP_CONSOLIDATION_TEMPERATURE"`
	VersionRetries int     `json:"version_retries" env:"MEMKEEP_CONSOLIDATION_VERSION_RETRIES"`
}

type ContradictionConfig struct {
	// Threshold is the minimum detector confidence before an existing item
	// is considered for supersession.
	Threshold      float64 `json:"threshold" env:"MEMKEEP_CONTRADICTION_THRESHOLD"`
	ScopeLimit     int     `json:"scope_limit" env:"MEMKEEP_CONTRADICTION_SCOPE_LIMIT"`
	Temperature    float64 `json:"temperature" env:"MEMKEEP_CONTRADICTION_TEMPERATURE"`
	MaxTokens      int     `json:"max_tokens" env:"MEMKEEP_CONTRADICTION_MAX_TOKENS"`
	BatchMaxTokens int     `json:"batch_max_tokens" env:"MEMKEEP_CONTRADICTION_BATCH_MAX_TOKENS"`
}

type SchedulerConfig struct {
	Enabled   bool     `json:"enabled" env:"MEMKEEP_SCHEDULER_ENABLED"`
	Cron      string   `json:"cron" env:"MEMKEEP_SCHEDULER_CRON"`
	Timezones []string `json:"timezones" env:"MEMKEEP_SCHEDULER_TIMEZONES"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DBPath: "~/.memkeep/state/memkeep.db",
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{
				Model: "openai/gpt-5.2",
			},
		},
		Consolidation: ConsolidationConfig{
			KnowledgeContextLimit: 100,
			Concurrency:           1,
			MaxTokens:             4096,
			Temperature:           0.3,
			VersionRetries:        3,
		},
		Contradiction: ContradictionConfig{
			Threshold:      0.7,
			ScopeLimit:     20,
			Temperature:    0.1,
			MaxTokens:      500,
			BatchMaxTokens: 1500,
		},
		Scheduler: SchedulerConfig{
			Enabled:   false,
			Cron:      "0 * * * *",
			Timezones: []string{"UTC"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.DBPath)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.OpenRouter.APIKey
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenRouter.APIBase != "" {
		return c.Providers.OpenRouter.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
