// Package config loads the gestalt configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/agentstation/gestalt/pipeline"
)

// Collaborator modes.
const (
	ModeOffline = "offline"
	ModeHTTP    = "http"
)

// Validator sources.
const (
	ValidatorRules = "rules"
	ValidatorHTTP  = "http"
)

// Memory backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete configuration.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Server        ServerConfig        `mapstructure:"server"`
	Batch         BatchConfig         `mapstructure:"batch"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig tunes the synthesis pipeline.
type PipelineConfig struct {
	MaxRefinements   int           `mapstructure:"max_refinements"`
	MaxExamples      int           `mapstructure:"max_examples"`
	NodeTimeout      time.Duration `mapstructure:"node_timeout"`
	GeneratorRetries int           `mapstructure:"generator_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	// MaxConcurrentNodes bounds the nodes executing at once across all
	// runs. Zero means unbounded.
	MaxConcurrentNodes int64 `mapstructure:"max_concurrent_nodes"`
	// Keys overrides artifact file names by kind.
	Keys        map[string]string `mapstructure:"keys"`
	MetadataKey string            `mapstructure:"metadata_key"`
}

// CollaboratorsConfig selects and configures the external services.
type CollaboratorsConfig struct {
	Mode      string        `mapstructure:"mode"`
	Validator string        `mapstructure:"validator"`
	Rules     string        `mapstructure:"rules"`
	HTTP      HTTPConfig    `mapstructure:"http"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
	Offline   OfflineConfig `mapstructure:"offline"`
	Cache     CacheConfig   `mapstructure:"retrieval_cache"`
}

// HTTPConfig configures the remote collaborator client.
type HTTPConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
	Retry   RetryConfig       `mapstructure:"retry"`
}

// RetryConfig configures retries of remote calls.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// BreakerConfig configures the per-endpoint circuit breakers.
type BreakerConfig struct {
	MaxFailures      int           `mapstructure:"max_failures"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenRequests int           `mapstructure:"half_open_requests"`
}

// CacheConfig configures memoization of retrieved examples. A zero size
// disables the cache.
type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// OfflineConfig configures the offline collaborators.
type OfflineConfig struct {
	Corpus string `mapstructure:"corpus"`
	// Templates maps an artifact kind to a template file.
	Templates map[string]string `mapstructure:"templates"`
}

// MemoryConfig selects the conversational memory.
type MemoryConfig struct {
	Backend          string        `mapstructure:"backend"`
	MaxConversations int           `mapstructure:"max_conversations"`
	MaxMessages      int           `mapstructure:"max_messages"`
	TTL              time.Duration `mapstructure:"ttl"`
	Redis            RedisConfig   `mapstructure:"redis"`
}

// RedisConfig addresses the Redis server.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// StorageConfig locates generated modules. An empty Dir disables storage.
type StorageConfig struct {
	Dir     string `mapstructure:"dir"`
	Catalog string `mapstructure:"catalog"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BatchConfig configures batch runs.
type BatchConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	KeyPrefix   string `mapstructure:"key_prefix"`
}

// Default returns the configuration used for omitted fields.
func Default() Config {
	pc := pipeline.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Pipeline: PipelineConfig{
			MaxRefinements:   pc.MaxRefinements,
			MaxExamples:      pc.MaxExamples,
			NodeTimeout:      pc.NodeTimeout,
			GeneratorRetries: pc.GeneratorRetries,
			RetryDelay:       pc.RetryDelay,
			MetadataKey:      pc.MetadataKey,
		},
		Collaborators: CollaboratorsConfig{
			Mode:      ModeOffline,
			Validator: ValidatorRules,
			HTTP: HTTPConfig{
				Timeout: 2 * time.Minute,
				Retry:   RetryConfig{MaxRetries: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
			},
			Breaker: BreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second, HalfOpenRequests: 1},
			Cache:   CacheConfig{Size: 256, TTL: 10 * time.Minute},
		},
		Memory: MemoryConfig{
			Backend:          BackendMemory,
			MaxConversations: 1000,
			MaxMessages:      50,
			TTL:              24 * time.Hour,
			Redis:            RedisConfig{Addr: "localhost:6379"},
		},
		Storage: StorageConfig{Dir: "modules"},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Batch: BatchConfig{Concurrency: 4, KeyPrefix: "batch"},
	}
}

// PipelineConfig returns the pipeline settings with the artifact key
// overrides applied.
func (c Config) PipelineConfig() (pipeline.Config, error) {
	pc := pipeline.DefaultConfig()
	pc.MaxRefinements = c.Pipeline.MaxRefinements
	pc.MaxExamples = c.Pipeline.MaxExamples
	pc.NodeTimeout = c.Pipeline.NodeTimeout
	pc.GeneratorRetries = c.Pipeline.GeneratorRetries
	pc.RetryDelay = c.Pipeline.RetryDelay
	if c.Pipeline.MetadataKey != "" {
		pc.MetadataKey = c.Pipeline.MetadataKey
	}
	for name, key := range c.Pipeline.Keys {
		kind := pipeline.Kind(name)
		ac, ok := pc.Artifacts[kind]
		if !ok {
			return pipeline.Config{}, fmt.Errorf("config: pipeline.keys: unknown artifact kind %q", name)
		}
		ac.Key = key
		pc.Artifacts[kind] = ac
	}
	if err := pc.Validate(); err != nil {
		return pipeline.Config{}, fmt.Errorf("config: %w", err)
	}
	return pc, nil
}

// Validate checks the rules the schema cannot express.
func (c Config) Validate() error {
	if c.Collaborators.Mode == ModeHTTP && c.Collaborators.HTTP.BaseURL == "" {
		return fmt.Errorf("config: collaborators.http.base_url is required in http mode")
	}
	if c.Collaborators.Validator == ValidatorHTTP && c.Collaborators.HTTP.BaseURL == "" {
		return fmt.Errorf("config: collaborators.http.base_url is required for the http validator")
	}
	if c.Memory.Backend == BackendRedis && c.Memory.Redis.Addr == "" {
		return fmt.Errorf("config: memory.redis.addr is required for the redis backend")
	}
	for name := range c.Collaborators.Offline.Templates {
		if !isKind(name) {
			return fmt.Errorf("config: collaborators.offline.templates: unknown artifact kind %q", name)
		}
	}
	_, err := c.PipelineConfig()
	return err
}

func isKind(name string) bool {
	for _, k := range pipeline.Kinds {
		if string(k) == name {
			return true
		}
	}
	return false
}
