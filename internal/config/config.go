// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Generation backends.
const (
	BackendMockup = "mockup"
	BackendGRPC   = "grpc"
	BackendGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	DBPath             string
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	MaxRequestBodySize int64
	MetricsEnabled     bool
	Actor              ActorConfig
	Generation         GenerationConfig
	Memory             MemoryConfig
	GitHub             GitHubConfig
}

// ActorConfig controls the per-identity actor runtime.
type ActorConfig struct {
	MailboxSize      int
	IdleTimeout      time.Duration // 0 disables eviction
	DedupWindow      int
	StreamMaxPending int
}

// GenerationConfig selects and tunes the text-generation engine.
type GenerationConfig struct {
	Backend      string
	Addr         string // gRPC generation service address
	GeminiAPIKey string
	GeminiModel  string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	SkillsPath   string // optional YAML catalog overriding the embedded one
}

// MemoryConfig controls the optional memory-retrieval step of context building.
type MemoryConfig struct {
	Enabled        bool
	TopK           int
	LookupTimeout  time.Duration
	EmbeddingModel string
}

// GitHubConfig configures the issue tracker.
type GitHubConfig struct {
	Token  string
	APIURL string // empty means api.github.com
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./data/devteam.db"),
		LogLevel:           getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		Actor: ActorConfig{
			MailboxSize:      getEnvInt("MAILBOX_SIZE", 64),
			IdleTimeout:      getEnvDuration("ACTOR_IDLE_TIMEOUT", 10*time.Minute),
			DedupWindow:      getEnvInt("DEDUP_WINDOW", 256),
			StreamMaxPending: getEnvInt("STREAM_MAX_PENDING", 1024),
		},
		Generation: GenerationConfig{
			Backend:      strings.ToLower(getEnv("GENERATION_BACKEND", BackendMockup)),
			Addr:         getEnv("GENERATION_ADDR", "localhost:50051"),
			GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
			GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			Timeout:      getEnvDuration("GENERATION_TIMEOUT", 2*time.Minute),
			MaxRetries:   getEnvInt("GENERATION_MAX_RETRIES", 3),
			RetryDelay:   getEnvDuration("GENERATION_RETRY_DELAY", 200*time.Millisecond),
			SkillsPath:   getEnv("SKILLS_PATH", ""),
		},
		Memory: MemoryConfig{
			Enabled:        getEnvBool("MEMORY_ENABLED", false),
			TopK:           getEnvInt("MEMORY_TOP_K", 2),
			LookupTimeout:  getEnvDuration("MEMORY_LOOKUP_TIMEOUT", 5*time.Second),
			EmbeddingModel: getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),
		},
		GitHub: GitHubConfig{
			Token:  getEnv("GITHUB_TOKEN", ""),
			APIURL: getEnv("GITHUB_API_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Actor.MailboxSize <= 0 {
		return fmt.Errorf("MAILBOX_SIZE must be > 0")
	}
	if c.Actor.IdleTimeout < 0 {
		return fmt.Errorf("ACTOR_IDLE_TIMEOUT cannot be negative")
	}
	if c.Actor.StreamMaxPending <= 0 {
		return fmt.Errorf("STREAM_MAX_PENDING must be > 0")
	}
	switch c.Generation.Backend {
	case BackendMockup:
	case BackendGRPC:
		if c.Generation.Addr == "" {
			return fmt.Errorf("GENERATION_ADDR cannot be empty for the grpc backend")
		}
	case BackendGemini:
		if c.Generation.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini backend")
		}
	default:
		return fmt.Errorf("unknown GENERATION_BACKEND %q", c.Generation.Backend)
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.Generation.MaxRetries < 0 {
		return fmt.Errorf("GENERATION_MAX_RETRIES cannot be negative")
	}
	if c.Memory.Enabled {
		if c.Memory.TopK <= 0 {
			return fmt.Errorf("MEMORY_TOP_K must be > 0")
		}
		if c.Generation.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for memory embeddings")
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
