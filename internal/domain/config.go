package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which backends are wired
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Pipeline
	Cases       CaseConfig        `yaml:"cases"`
	Worker      WorkerConfig      `yaml:"worker"`
	Detectors   DetectorsConfig   `yaml:"detectors"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Explanation ExplanationConfig `yaml:"explanation"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds

	// AdminPrincipals may create and reload detector rules, which score every principal's cases.
	AdminPrincipals []string `yaml:"admin_principals"`
}

// CaseConfig bounds case intake and run coordination.
type CaseConfig struct {
	DocumentsRoot        string        `yaml:"documents_root"`
	MaxDocumentRefLength int           `yaml:"max_document_ref_length"`
	MaxDocumentBytes     int64         `yaml:"max_document_bytes"`
	LeaseTTL             time.Duration `yaml:"lease_ttl"`
	RunTimeout           time.Duration `yaml:"run_timeout"`
	ViewCacheTTL         time.Duration `yaml:"view_cache_ttl"`
}

// WorkerConfig sizes the analysis worker pool.
type WorkerConfig struct {
	Count int `yaml:"count"`
}

// ScoringConfig holds aggregation weights, per-detector ceilings and level thresholds.
type ScoringConfig struct {
	Weights        map[string]float64 `yaml:"weights"`
	DefaultWeight  float64            `yaml:"default_weight"`
	Ceilings       map[string]float64 `yaml:"ceilings"`
	DefaultCeiling float64            `yaml:"default_ceiling"`
	Thresholds     Thresholds         `yaml:"thresholds"`
}

// ExplanationConfig configures the narrative generator and its language model.
type ExplanationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Provider          string        `yaml:"provider"` // gemini, openai
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxTokens         int           `yaml:"max_tokens"`
	MaxChars          int           `yaml:"max_chars"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// RateLimitConfig is the per-principal request budget of the API.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int64         `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-memory cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30,
			WriteTimeout:    30,
			AdminPrincipals: []string{"admin"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Cases: CaseConfig{
			DocumentsRoot:        "./documents",
			MaxDocumentRefLength: 1024,
			MaxDocumentBytes:     20 << 20,
			LeaseTTL:             15 * time.Minute,
			RunTimeout:           10 * time.Minute,
			ViewCacheTTL:         30 * time.Second,
		},
		Worker: WorkerConfig{
			Count: 4,
		},
		Detectors: DefaultDetectorsConfig(),
		Scoring: ScoringConfig{
			Weights: map[string]float64{
				"benford":       1.2,
				"outlier":       1.0,
				"duplicate":     1.1,
				"concentration": 1.0,
				"round_number":  1.0,
				"split_invoice": 1.3,
				"timing":        0.8,
				"keywords":      1.0,
			},
			DefaultWeight:  1.0,
			DefaultCeiling: 40,
			Thresholds:     DefaultThresholds(),
		},
		Explanation: ExplanationConfig{
			Enabled:           false,
			Provider:          "gemini",
			Model:             "gemini-2.5-flash",
			Timeout:           20 * time.Second,
			MaxTokens:         600,
			MaxChars:          4000,
			RequestsPerMinute: 30,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 60,
			Window:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSQueueGroup:    "harrier-workers",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Cases.ViewCacheTTL = 5 * time.Second
	cfg.Worker.Count = 8
	cfg.Tracing.Enabled = true
	return cfg
}
