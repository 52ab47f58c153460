package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the task execution core needs at construction time.
// All values have working defaults so the server can start with nothing but
// API keys in the environment.
type Config struct {
	ListenAddr string
	RedisAddr  string
	NATSURL    string

	Primary  ProviderConfig `yaml:"primary"`
	Fallback ProviderConfig `yaml:"fallback"`

	// Key pool backoff tuning. The rate-limit cooldown doubles per consecutive
	// strike starting at BackoffBase, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	CacheTTL         time.Duration
	CacheSweepEvery  time.Duration
	NavTimeout       time.Duration
	LLMTimeout       time.Duration
	SandboxWallClock time.Duration
	SandboxCPUSecs   int
	SandboxMemBytes  int64
	SandboxMax       int
	SandboxRoot      string
	SandboxRetention time.Duration

	// PromptTemplates maps a task category (finance, travel, recipes, reviews,
	// general) to a prompt preamble. Entries here override the built-in ones.
	PromptTemplates map[string]string `yaml:"prompt_templates"`
}

// ProviderConfig describes one LLM provider endpoint and its key ring.
type ProviderConfig struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Model   string   `yaml:"model"`
	APIKeys []string `yaml:"api_keys"`
}

// Load builds a Config from the environment, optionally merged with a YAML
// file named by SUPERAGENT_CONFIG. A missing .env file is not an error.
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:          getEnv("NATS_URL", ""),
		BackoffBase:      getEnvDuration("KEYPOOL_BACKOFF_BASE", 5*time.Second),
		BackoffMax:       getEnvDuration("KEYPOOL_BACKOFF_MAX", 5*time.Minute),
		CacheTTL:         getEnvDuration("CACHE_TTL", time.Hour),
		CacheSweepEvery:  getEnvDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute),
		NavTimeout:       getEnvDuration("BROWSER_NAV_TIMEOUT", 30*time.Second),
		LLMTimeout:       getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		SandboxWallClock: getEnvDuration("SANDBOX_WALL_CLOCK", 2*time.Minute),
		SandboxCPUSecs:   getEnvInt("SANDBOX_CPU_SECONDS", 60),
		SandboxMemBytes:  int64(getEnvInt("SANDBOX_MEMORY_MB", 512)) * 1024 * 1024,
		SandboxMax:       getEnvInt("SANDBOX_MAX_CONCURRENT", 3),
		SandboxRoot:      getEnv("SANDBOX_ROOT", filepath.Join(os.TempDir(), "superagent-sandboxes")),
		SandboxRetention: getEnvDuration("SANDBOX_RETENTION", 30*time.Minute),
		Primary: ProviderConfig{
			Name:    "primary",
			URL:     getEnv("LLM_PRIMARY_URL", "https://api.openai.com/v1/chat/completions"),
			Model:   getEnv("LLM_PRIMARY_MODEL", "gpt-4o-mini"),
			APIKeys: splitKeys(os.Getenv("LLM_PRIMARY_API_KEYS")),
		},
		Fallback: ProviderConfig{
			Name:    "fallback",
			URL:     getEnv("LLM_FALLBACK_URL", "https://api.groq.com/openai/v1/chat/completions"),
			Model:   getEnv("LLM_FALLBACK_MODEL", "llama-3.1-70b-versatile"),
			APIKeys: splitKeys(os.Getenv("LLM_FALLBACK_API_KEYS")),
		},
		PromptTemplates: map[string]string{},
	}

	if path := strings.TrimSpace(os.Getenv("SUPERAGENT_CONFIG")); path != "" {
		if err := cfg.mergeYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// mergeYAML overlays credential lists and prompt templates from a YAML file.
// Env-supplied keys are kept and file keys appended, so operators can rotate
// keys without restarts wiping the env-provided ones.
func (c *Config) mergeYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileCfg struct {
		Primary         ProviderConfig    `yaml:"primary"`
		Fallback        ProviderConfig    `yaml:"fallback"`
		PromptTemplates map[string]string `yaml:"prompt_templates"`
	}
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return err
	}

	if fileCfg.Primary.URL != "" {
		c.Primary.URL = fileCfg.Primary.URL
	}
	if fileCfg.Primary.Model != "" {
		c.Primary.Model = fileCfg.Primary.Model
	}
	c.Primary.APIKeys = appendUnique(c.Primary.APIKeys, fileCfg.Primary.APIKeys)

	if fileCfg.Fallback.URL != "" {
		c.Fallback.URL = fileCfg.Fallback.URL
	}
	if fileCfg.Fallback.Model != "" {
		c.Fallback.Model = fileCfg.Fallback.Model
	}
	c.Fallback.APIKeys = appendUnique(c.Fallback.APIKeys, fileCfg.Fallback.APIKeys)

	for category, tmpl := range fileCfg.PromptTemplates {
		c.PromptTemplates[strings.ToLower(strings.TrimSpace(category))] = tmpl
	}

	log.Printf("✅ [CONFIG] Merged config file: %s (%d primary keys, %d fallback keys)",
		path, len(c.Primary.APIKeys), len(c.Fallback.APIKeys))
	return nil
}

// loadEnvFile tries .env in the working directory, then up to 3 parents.
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		log.Printf("✅ [CONFIG] Loaded .env from current directory")
		return
	}

	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 3; i++ {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		envPath := filepath.Join(dir, ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Printf("✅ [CONFIG] Loaded .env from: %s", envPath)
			return
		}
	}
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func appendUnique(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, k := range existing {
		seen[k] = true
	}
	for _, k := range extra {
		if k = strings.TrimSpace(k); k != "" && !seen[k] {
			existing = append(existing, k)
			seen[k] = true
		}
	}
	return existing
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
