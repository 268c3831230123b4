// Package config loads the engine configuration from environment variables
// with sensible defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config represents the full application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Qdrant    QdrantConfig    `json:"qdrant"`
	OpenAI    OpenAIConfig    `json:"openai"`
	Redis     RedisConfig     `json:"redis"`
	Memory    MemoryConfig    `json:"memory"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// StorageConfig selects the document store driver.
// Driver is a database/sql driver name: "sqlite3" or "postgres".
type StorageConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// QdrantConfig represents the vector index configuration. When disabled
// the server falls back to the in-memory vector store, for development
// alongside the "memory" storage driver.
type QdrantConfig struct {
	Enabled          bool   `json:"enabled"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	APIKey           string `json:"-"`
	UseTLS           bool   `json:"use_tls"`
	MemoryCollection string `json:"memory_collection"`
	ChunkCollection  string `json:"chunk_collection"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// OpenAIConfig represents embedder and chat LLM configuration.
type OpenAIConfig struct {
	APIKey         string  `json:"-"`
	EmbeddingModel string  `json:"embedding_model"`
	DefaultModel   string  `json:"default_model"`
	GovernorModel  string  `json:"governor_model"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	RequestTimeout int     `json:"request_timeout_seconds"`
	RateLimitRPM   int     `json:"rate_limit_rpm"`
}

// RedisConfig represents the synthesis job queue backend.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	QueueKey string `json:"queue_key"`
}

// MemoryConfig holds the sliding-window, compression and hydration tunables.
type MemoryConfig struct {
	EmbeddingDimensions        int     `json:"embedding_dimensions"`
	MaxContextTokens           int     `json:"max_context_tokens"`
	SystemTokens               int     `json:"system_tokens"`
	TaskTokens                 int     `json:"task_tokens"`
	VerbatimHardCap            int     `json:"verbatim_hard_cap"`
	CompressAllKeep            int     `json:"compress_all_keep"`
	CompressPartialKeep        int     `json:"compress_partial_keep"`
	VeryDifferentThreshold     float64 `json:"very_different_threshold"`
	SomewhatDifferentThreshold float64 `json:"somewhat_different_threshold"`
	LongGapHours               float64 `json:"long_gap_hours"`
	TimeEvictionHours          float64 `json:"time_eviction_hours"`
	MaxTier2Turns              int     `json:"max_tier2_turns"`
	MaxTier2Tokens             int     `json:"max_tier2_tokens"`
	MaxRehydrationTurns        int     `json:"max_rehydration_turns"`
	PrefetchWindow             int     `json:"prefetch_window"`
}

// RetrievalConfig holds hybrid and gardened search tunables.
type RetrievalConfig struct {
	VectorWeight          float64 `json:"vector_weight"`
	LexicalWeight         float64 `json:"lexical_weight"`
	HybridMinScore        float64 `json:"hybrid_min_score"`
	TopK                  int     `json:"top_k"`
	GardenedMinSimilarity float64 `json:"gardened_min_similarity"`
	// ExcludeCurrentDay drops today's memories from gardened search under the
	// assumption that they already live in the sliding window. Disable when
	// the window is disabled.
	ExcludeCurrentDay bool `json:"exclude_current_day"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Storage: StorageConfig{
			Driver:       "sqlite3",
			DSN:          "./data/hmlr.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Qdrant: QdrantConfig{
			Enabled:          true,
			Host:             "localhost",
			Port:             6334,
			UseTLS:           false,
			MemoryCollection: "hmlr_memories",
			ChunkCollection:  "hmlr_chunks",
			TimeoutSeconds:   30,
		},
		OpenAI: OpenAIConfig{
			EmbeddingModel: "text-embedding-3-large",
			DefaultModel:   "gpt-4o",
			GovernorModel:  "gpt-4o-mini",
			MaxTokens:      2000,
			Temperature:    0.7,
			RequestTimeout: 60,
			RateLimitRPM:   60,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			QueueKey: "hmlr:synthesis:jobs",
		},
		Memory: MemoryConfig{
			EmbeddingDimensions:        1024,
			MaxContextTokens:           8000,
			SystemTokens:               500,
			TaskTokens:                 500,
			VerbatimHardCap:            15,
			CompressAllKeep:            5,
			CompressPartialKeep:        10,
			VeryDifferentThreshold:     0.8,
			SomewhatDifferentThreshold: 0.6,
			LongGapHours:               12,
			TimeEvictionHours:          24,
			MaxTier2Turns:              30,
			MaxTier2Tokens:             5000,
			MaxRehydrationTurns:        10,
			PrefetchWindow:             3,
		},
		Retrieval: RetrievalConfig{
			VectorWeight:          0.7,
			LexicalWeight:         0.3,
			HybridMinScore:        0.3,
			TopK:                  10,
			GardenedMinSimilarity: 0.4,
			ExcludeCurrentDay:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from environment variables and defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	loadServerConfig(cfg)
	loadStorageConfig(cfg)
	loadQdrantConfig(cfg)
	loadOpenAIConfig(cfg)
	loadRedisConfig(cfg)
	loadMemoryConfig(cfg)
	loadRetrievalConfig(cfg)
	loadLoggingConfig(cfg)
}

func loadServerConfig(cfg *Config) {
	setString(&cfg.Server.Host, "HMLR_HOST")
	setInt(&cfg.Server.Port, "HMLR_PORT")
	setInt(&cfg.Server.ReadTimeout, "HMLR_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeout, "HMLR_WRITE_TIMEOUT_SECONDS")
}

func loadStorageConfig(cfg *Config) {
	setString(&cfg.Storage.Driver, "HMLR_STORAGE_DRIVER")
	setString(&cfg.Storage.DSN, "HMLR_STORAGE_DSN")
	setInt(&cfg.Storage.MaxOpenConns, "HMLR_STORAGE_MAX_OPEN_CONNS")
	setInt(&cfg.Storage.MaxIdleConns, "HMLR_STORAGE_MAX_IDLE_CONNS")
}

func loadQdrantConfig(cfg *Config) {
	setBool(&cfg.Qdrant.Enabled, "HMLR_QDRANT_ENABLED")
	setString(&cfg.Qdrant.Host, "HMLR_QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "HMLR_QDRANT_PORT")
	setString(&cfg.Qdrant.APIKey, "HMLR_QDRANT_API_KEY")
	setBool(&cfg.Qdrant.UseTLS, "HMLR_QDRANT_USE_TLS")
	setString(&cfg.Qdrant.MemoryCollection, "HMLR_QDRANT_MEMORY_COLLECTION")
	setString(&cfg.Qdrant.ChunkCollection, "HMLR_QDRANT_CHUNK_COLLECTION")
	setInt(&cfg.Qdrant.TimeoutSeconds, "HMLR_QDRANT_TIMEOUT_SECONDS")
}

func loadOpenAIConfig(cfg *Config) {
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.EmbeddingModel, "HMLR_EMBEDDING_MODEL")
	setString(&cfg.OpenAI.DefaultModel, "HMLR_DEFAULT_MODEL")
	setString(&cfg.OpenAI.GovernorModel, "HMLR_GOVERNOR_MODEL")
	setInt(&cfg.OpenAI.MaxTokens, "HMLR_OPENAI_MAX_TOKENS")
	setFloat(&cfg.OpenAI.Temperature, "HMLR_OPENAI_TEMPERATURE")
	setInt(&cfg.OpenAI.RequestTimeout, "HMLR_OPENAI_REQUEST_TIMEOUT_SECONDS")
	setInt(&cfg.OpenAI.RateLimitRPM, "HMLR_OPENAI_RATE_LIMIT_RPM")
}

func loadRedisConfig(cfg *Config) {
	setBool(&cfg.Redis.Enabled, "HMLR_REDIS_ENABLED")
	setString(&cfg.Redis.Addr, "HMLR_REDIS_ADDR")
	setString(&cfg.Redis.Password, "HMLR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HMLR_REDIS_DB")
	setString(&cfg.Redis.QueueKey, "HMLR_REDIS_QUEUE_KEY")
}

func loadMemoryConfig(cfg *Config) {
	m := &cfg.Memory
	setInt(&m.EmbeddingDimensions, "HMLR_EMBEDDING_DIMENSIONS")
	setInt(&m.MaxContextTokens, "HMLR_MAX_CONTEXT_TOKENS")
	setInt(&m.SystemTokens, "HMLR_SYSTEM_TOKENS")
	setInt(&m.TaskTokens, "HMLR_TASK_TOKENS")
	setInt(&m.VerbatimHardCap, "HMLR_VERBATIM_HARD_CAP")
	setInt(&m.CompressAllKeep, "HMLR_COMPRESS_ALL_KEEP")
	setInt(&m.CompressPartialKeep, "HMLR_COMPRESS_PARTIAL_KEEP")
	setFloat(&m.VeryDifferentThreshold, "HMLR_VERY_DIFFERENT_THRESHOLD")
	setFloat(&m.SomewhatDifferentThreshold, "HMLR_SOMEWHAT_DIFFERENT_THRESHOLD")
	setFloat(&m.LongGapHours, "HMLR_LONG_GAP_HOURS")
	setFloat(&m.TimeEvictionHours, "HMLR_TIME_EVICTION_HOURS")
	setInt(&m.MaxTier2Turns, "HMLR_MAX_TIER2_TURNS")
	setInt(&m.MaxTier2Tokens, "HMLR_MAX_TIER2_TOKENS")
	setInt(&m.MaxRehydrationTurns, "HMLR_MAX_REHYDRATION_TURNS")
	setInt(&m.PrefetchWindow, "HMLR_PREFETCH_WINDOW")
}

func loadRetrievalConfig(cfg *Config) {
	r := &cfg.Retrieval
	setFloat(&r.VectorWeight, "HMLR_VECTOR_WEIGHT")
	setFloat(&r.LexicalWeight, "HMLR_LEXICAL_WEIGHT")
	setFloat(&r.HybridMinScore, "HMLR_HYBRID_MIN_SCORE")
	setInt(&r.TopK, "HMLR_TOP_K")
	setFloat(&r.GardenedMinSimilarity, "HMLR_GARDENED_MIN_SIMILARITY")
	setBool(&r.ExcludeCurrentDay, "HMLR_GARDENED_EXCLUDE_CURRENT_DAY")
}

func loadLoggingConfig(cfg *Config) {
	setString(&cfg.Logging.Level, "HMLR_LOG_LEVEL")
	setString(&cfg.Logging.Format, "HMLR_LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "sqlite3", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage DSN cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Qdrant.Enabled {
		if c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host cannot be empty")
		}
		if c.Qdrant.Port <= 0 {
			return fmt.Errorf("qdrant port must be greater than 0")
		}
	}
	if c.Memory.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.Memory.MaxContextTokens <= c.Memory.SystemTokens+c.Memory.TaskTokens {
		return fmt.Errorf("max context tokens must exceed system + task budgets")
	}
	if c.Memory.VeryDifferentThreshold <= c.Memory.SomewhatDifferentThreshold {
		return fmt.Errorf("very-different threshold must exceed somewhat-different threshold")
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.LexicalWeight < 0 {
		return fmt.Errorf("retrieval weights cannot be negative")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("topK must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
