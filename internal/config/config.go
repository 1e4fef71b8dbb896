package config

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Config is the environment layer. String settings left empty fall back to the config file,
// then to built-in defaults.
type Config struct {
	BridgeURL      string
	BridgeListen   string
	LogLevel       string
	LogFile        string
	Core           string
	ShellDialect   string
	RequestTimeout time.Duration
	DBPath         string
	GeminiAPIKey   string
	GeminiModel    string
	OpenAIEndpoint string
	OpenAIModel    string
	OpenAIAPIKey   string
}

const defaultRequestTimeoutSeconds = 90

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool
)

func LoadConfig() Config {
	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func loadFromEnv() Config {
	level := env("NEXUS_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	timeout := atoiOrDefault(env("NEXUS_REQUEST_TIMEOUT_SECONDS"), defaultRequestTimeoutSeconds)

	geminiKey := env("GEMINI_API_KEY")
	if geminiKey == "" {
		geminiKey = env("API_KEY")
	}

	return Config{
		BridgeURL:      env("NEXUS_BRIDGE_URL"),
		BridgeListen:   env("NEXUS_BRIDGE_LISTEN"),
		LogLevel:       level,
		LogFile:        env("NEXUS_LOG_FILE"),
		Core:           strings.ToUpper(env("NEXUS_CORE")),
		ShellDialect:   strings.ToLower(env("NEXUS_SHELL_DIALECT")),
		RequestTimeout: time.Duration(timeout) * time.Second,
		DBPath:         env("NEXUS_DB_DSN"),
		GeminiAPIKey:   geminiKey,
		GeminiModel:    env("GEMINI_MODEL"),
		OpenAIEndpoint: env("OPENAI_ENDPOINT"),
		OpenAIModel:    env("OPENAI_MODEL"),
		OpenAIAPIKey:   env("OPENAI_API_KEY"),
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
