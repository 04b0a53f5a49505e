package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default public endpoints, tried after the configured primary.
var defaultFallbackEndpoints = []string{
	"https://api.mainnet-beta.solana.com",
	"https://solana-api.projectserum.com",
}

// Config captures runtime configuration for the relay service. Values load
// from a TOML file and may be overridden by SOLESCROW_* environment
// variables.
type Config struct {
	ListenAddress     string   `toml:"ListenAddress"`
	PrimaryEndpoint   string   `toml:"PrimaryEndpoint"`
	FallbackEndpoints []string `toml:"FallbackEndpoints"`
	Commitment        string   `toml:"Commitment"`

	PollAttempts        int     `toml:"PollAttempts"`
	PollIntervalSeconds float64 `toml:"PollIntervalSeconds"`

	EndpointRatePerSecond float64 `toml:"EndpointRatePerSecond"`
	EndpointBurst         int     `toml:"EndpointBurst"`

	ChallengeSecret     string `toml:"ChallengeSecret"`
	ChallengeTTLSeconds int    `toml:"ChallengeTTLSeconds"`
	NonceCapacity       int    `toml:"NonceCapacity"`
	NonceDBPath         string `toml:"NonceDBPath"`

	DatabasePath string `toml:"DatabasePath"`

	LogEnvironment string `toml:"LogEnvironment"`
	LogFilePath    string `toml:"LogFilePath"`
	LogMaxSizeMB   int    `toml:"LogMaxSizeMB"`
	LogMaxBackups  int    `toml:"LogMaxBackups"`
	LogMaxAgeDays  int    `toml:"LogMaxAgeDays"`
}

func defaults() Config {
	return Config{
		ListenAddress:         ":8090",
		FallbackEndpoints:     append([]string{}, defaultFallbackEndpoints...),
		Commitment:            "confirmed",
		PollAttempts:          10,
		PollIntervalSeconds:   1,
		EndpointRatePerSecond: 10,
		EndpointBurst:         20,
		ChallengeTTLSeconds:   300,
		NonceCapacity:         4096,
		NonceDBPath:           "solescrow-nonces",
		DatabasePath:          "solescrow.db",
		LogEnvironment:        "development",
		LogMaxSizeMB:          64,
		LogMaxBackups:         3,
		LogMaxAgeDays:         14,
	}
}

// Load reads configuration from path (optional; empty path skips the file),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_PRIMARY_ENDPOINT")); v != "" {
		cfg.PrimaryEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_FALLBACK_ENDPOINTS")); v != "" {
		parts := strings.Split(v, ",")
		endpoints := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				endpoints = append(endpoints, trimmed)
			}
		}
		cfg.FallbackEndpoints = endpoints
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_COMMITMENT")); v != "" {
		cfg.Commitment = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_POLL_ATTEMPTS")); v != "" {
		attempts, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: parse SOLESCROW_POLL_ATTEMPTS: %w", err)
		}
		cfg.PollAttempts = attempts
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_POLL_INTERVAL")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: parse SOLESCROW_POLL_INTERVAL: %w", err)
		}
		cfg.PollIntervalSeconds = dur.Seconds()
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_CHALLENGE_SECRET")); v != "" {
		cfg.ChallengeSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_NONCE_DB_PATH")); v != "" {
		cfg.NonceDBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_LOG_ENV")); v != "" {
		cfg.LogEnvironment = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLESCROW_LOG_FILE")); v != "" {
		cfg.LogFilePath = v
	}
	return nil
}

// Validate enforces invariants the service cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("config: listen address required")
	}
	if len(c.Endpoints()) == 0 {
		return errors.New("config: at least one RPC endpoint required")
	}
	for _, endpoint := range c.Endpoints() {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: invalid endpoint URL %q", endpoint)
		}
	}
	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("config: unknown commitment level %q", c.Commitment)
	}
	if c.PollAttempts <= 0 {
		return errors.New("config: poll attempts must be positive")
	}
	if c.PollIntervalSeconds <= 0 {
		return errors.New("config: poll interval must be positive")
	}
	if strings.TrimSpace(c.ChallengeSecret) == "" {
		return errors.New("config: challenge secret required (set SOLESCROW_CHALLENGE_SECRET)")
	}
	return nil
}

// Endpoints returns the ordered endpoint list: configured primary first,
// fallbacks after, duplicates removed.
func (c *Config) Endpoints() []string {
	seen := make(map[string]struct{})
	ordered := make([]string, 0, 1+len(c.FallbackEndpoints))
	add := func(raw string) {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return
		}
		if _, dup := seen[trimmed]; dup {
			return
		}
		seen[trimmed] = struct{}{}
		ordered = append(ordered, trimmed)
	}
	add(c.PrimaryEndpoint)
	for _, endpoint := range c.FallbackEndpoints {
		add(endpoint)
	}
	return ordered
}

// PollInterval returns the inter-attempt delay as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// ChallengeTTL returns the challenge validity window.
func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSeconds) * time.Second
}
