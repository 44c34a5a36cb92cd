package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Vector     VectorConfig
	Retrieval  RetrievalConfig
	Completion CompletionConfig
	Quota      QuotaConfig
	Tokenizer  TokenizerConfig
	Ingestion  IngestionConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	IsDevelopment  bool
	MaxContentLen  int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type VectorConfig struct {
	// Provider is "zilliz" (Milvus) or "qdrant".
	Provider          string
	CollectionName    string
	EmbeddingCacheTTL int
	Zilliz            ZillizConfig
	Qdrant            QdrantConfig
}

type ZillizConfig struct {
	Endpoint string
	APIKey   string
}

type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

type RetrievalConfig struct {
	Limit int
}

type CompletionConfig struct {
	HistoryPageSize int
	PersistHistory  bool
}

type QuotaConfig struct {
	// Backend is "memory" or "redis".
	Backend          string
	KeyPrefix        string
	TTLSeconds       int
	ChargeCompletion bool
}

type TokenizerConfig struct {
	DefaultEncoding string
}

type IngestionConfig struct {
	ChunkTokens    int
	Workers        int
	EmbeddingBatch int
	// FetchTimeoutSec bounds downloads of documents submitted by url.
	FetchTimeoutSec int
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/chatwiki")

	v.SetEnvPrefix("CHATWIKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Vector.Provider {
	case "zilliz", "qdrant":
	default:
		return fmt.Errorf("unknown vector provider %q", c.Vector.Provider)
	}
	switch c.Quota.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("quota backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown quota backend %q", c.Quota.Backend)
	}
	if c.Completion.HistoryPageSize < 0 {
		return fmt.Errorf("completion.historyPageSize must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.isDevelopment", false)
	v.SetDefault("server.maxContentLen", 8000)

	v.SetDefault("sqlite.path", "./data/chatwiki.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.baseURL", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-3.5-turbo")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.maxTokens", 0)
	v.SetDefault("llm.timeoutSec", 120)
	v.SetDefault("llm.embeddingModel", "text-embedding-ada-002")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("vector.provider", "zilliz")
	v.SetDefault("vector.collectionName", "wiki")
	v.SetDefault("vector.embeddingCacheTTL", 86400)
	v.SetDefault("vector.zilliz.endpoint", "localhost:19530")
	v.SetDefault("vector.qdrant.host", "localhost")
	v.SetDefault("vector.qdrant.port", 6334)

	v.SetDefault("retrieval.limit", 3)

	v.SetDefault("completion.historyPageSize", 3)
	v.SetDefault("completion.persistHistory", true)

	v.SetDefault("quota.backend", "memory")
	v.SetDefault("quota.keyPrefix", "quota:share:")
	v.SetDefault("quota.ttlSeconds", 0)
	v.SetDefault("quota.chargeCompletion", false)

	v.SetDefault("tokenizer.defaultEncoding", "cl100k_base")

	v.SetDefault("ingestion.chunkTokens", 300)
	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.embeddingBatch", 16)
	v.SetDefault("ingestion.fetchTimeoutSec", 10)

	v.SetDefault("ratelimit.requestsPerMinute", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
