package global

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configTOMLFileName = "config.toml"
	defaultCore        = "LOCAL"
	defaultDialect     = "powershell"
)

// EngineConfig holds the local model settings. Empty values leave the agent memory untouched.
type EngineConfig struct {
	OllamaURL   string `json:"ollama_url" toml:"ollama_url"`
	OllamaModel string `json:"ollama_model" toml:"ollama_model"`
}

type GlobalConfig struct {
	Core         string       `json:"core" toml:"core"`
	BridgeURL    string       `json:"bridge_url" toml:"bridge_url"`
	ShellDialect string       `json:"shell_dialect" toml:"shell_dialect"`
	Engine       EngineConfig `json:"engine" toml:"engine"`
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) Dir() string {
	return s.dir
}

func (s *ConfigStore) Path() string {
	return filepath.Join(s.dir, configTOMLFileName)
}

func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := s.Path()
	if b, err := os.ReadFile(path); err == nil {
		var cfg GlobalConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
		return normalizeConfig(cfg), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := normalizeConfig(GlobalConfig{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(s.Path(), normalizeConfig(cfg))
}

func normalizeConfig(cfg GlobalConfig) GlobalConfig {
	cfg.Core = strings.ToUpper(strings.TrimSpace(cfg.Core))
	switch cfg.Core {
	case "CLOUD", "LOCAL", "OPENAI":
	default:
		cfg.Core = defaultCore
	}
	cfg.ShellDialect = strings.ToLower(strings.TrimSpace(cfg.ShellDialect))
	switch cfg.ShellDialect {
	case "powershell", "posix":
	default:
		cfg.ShellDialect = defaultDialect
	}
	cfg.BridgeURL = strings.TrimSpace(cfg.BridgeURL)
	cfg.Engine.OllamaURL = strings.TrimSpace(cfg.Engine.OllamaURL)
	cfg.Engine.OllamaModel = strings.TrimSpace(cfg.Engine.OllamaModel)
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
