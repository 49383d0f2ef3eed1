// Package config loads Harrier configuration from an optional YAML file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration. The tier defaults are chosen first (HARRIER_TIER or the
// file's tier), the file is decoded over them, and environment variables win last.
// An empty path skips the file.
func Load(path string) (*domain.Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
	}

	tier := domain.Tier(os.Getenv("HARRIER_TIER"))
	if tier == "" && len(data) > 0 {
		var peek struct {
			Tier domain.Tier `yaml:"tier"`
		}
		if err := yaml.Unmarshal(data, &peek); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		tier = peek.Tier
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	if tier != "" {
		cfg.Tier = tier
	}

	expandSecrets(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets resolves ${VAR} references in credentials.
func expandSecrets(cfg *domain.Config) {
	cfg.Explanation.APIKey = os.ExpandEnv(cfg.Explanation.APIKey)
	cfg.Repository.PostgresPassword = os.ExpandEnv(cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresURL = os.ExpandEnv(cfg.Repository.PostgresURL)
	cfg.Cache.RedisPassword = os.ExpandEnv(cfg.Cache.RedisPassword)
	cfg.EventBus.NATSToken = os.ExpandEnv(cfg.EventBus.NATSToken)
}

func applyEnv(cfg *domain.Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer, got %q", domain.ErrValidation, key, v)
		}
		*dst = n
		return nil
	}

	setString("HARRIER_HOST", &cfg.Server.Host)
	if err := setInt("HARRIER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if admins := os.Getenv("HARRIER_ADMIN_PRINCIPALS"); admins != "" {
		cfg.Server.AdminPrincipals = nil
		for _, p := range strings.Split(admins, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Server.AdminPrincipals = append(cfg.Server.AdminPrincipals, p)
			}
		}
	}
	setString("HARRIER_DB_PATH", &cfg.Repository.SQLitePath)
	setString("HARRIER_DATABASE_URL", &cfg.Repository.PostgresURL)
	setString("HARRIER_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	setString("HARRIER_POSTGRES_USER", &cfg.Repository.PostgresUser)
	setString("HARRIER_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	setString("HARRIER_POSTGRES_DB", &cfg.Repository.PostgresDB)
	setString("HARRIER_REDIS_ADDR", &cfg.Cache.RedisAddr)
	setString("HARRIER_NATS_URL", &cfg.EventBus.NATSUrl)
	setString("HARRIER_DOCUMENTS_ROOT", &cfg.Cases.DocumentsRoot)
	if err := setInt("HARRIER_WORKERS", &cfg.Worker.Count); err != nil {
		return err
	}

	if provider := strings.ToLower(os.Getenv("HARRIER_LLM_PROVIDER")); provider != "" {
		if provider == "none" {
			cfg.Explanation.Enabled = false
		} else {
			if provider != cfg.Explanation.Provider {
				cfg.Explanation.Model = ""
			}
			cfg.Explanation.Provider = provider
			cfg.Explanation.Enabled = true
		}
	}
	setString("HARRIER_LLM_MODEL", &cfg.Explanation.Model)
	if cfg.Explanation.APIKey == "" {
		switch cfg.Explanation.Provider {
		case "gemini":
			cfg.Explanation.APIKey = os.Getenv("GEMINI_API_KEY")
		case "openai":
			cfg.Explanation.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	if os.Getenv("HARRIER_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

// Validate checks invariants the rest of the system relies on.
func Validate(cfg *domain.Config) error {
	var errs []error
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port out of range: %d", cfg.Server.Port))
	}
	if cfg.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker count must be at least 1"))
	}
	t := cfg.Scoring.Thresholds
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 100) {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < medium < high < critical <= 100"))
	}
	if cfg.Scoring.DefaultWeight < 0 {
		errs = append(errs, fmt.Errorf("default weight must not be negative"))
	}
	for name, w := range cfg.Scoring.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("weight for %s must not be negative", name))
		}
	}
	if cfg.Cases.MaxDocumentRefLength <= 0 {
		errs = append(errs, fmt.Errorf("max document reference length must be positive"))
	}
	if cfg.Cases.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("lease ttl must be positive"))
	}
	if cfg.Cases.RunTimeout <= 0 || cfg.Cases.RunTimeout > cfg.Cases.LeaseTTL {
		errs = append(errs, fmt.Errorf("run timeout must be positive and not exceed the lease ttl"))
	}
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		errs = append(errs, fmt.Errorf("unknown tier %q", cfg.Tier))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: invalid configuration: %w", domain.ErrValidation, errors.Join(errs...))
	}
	return nil
}
