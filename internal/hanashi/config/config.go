// Package config loads Hanashi's configuration.
//
// Sources, later ones winning:
//  1. Defaults()
//  2. a YAML file, with ${VAR} and ${VAR:-default} expanded from the
//     environment before parsing and checked against an embedded JSON schema
//  3. environment overrides (MATRIX_*, HANASHI_*) for secrets and endpoints
//
// Validate then rejects budgets, calibrations and preambles that can never
// produce a valid context window.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hanashi/internal/hanashi/tokens"
	"github.com/bdobrica/Hanashi/internal/hanashi/window"
)

// Config is the root configuration.
type Config struct {
	Matrix     MatrixConfig     `yaml:"matrix"`
	LLM        LLMConfig        `yaml:"llm"`
	Context    ContextConfig    `yaml:"context"`
	Estimator  EstimatorConfig  `yaml:"estimator"`
	Reset      ResetConfig      `yaml:"reset"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Storage    StorageConfig    `yaml:"storage"`
	Transcript TranscriptConfig `yaml:"transcript"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// MatrixConfig holds the chat front-end credentials and access rules.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	// AllowedRooms restricts the rooms Hanashi answers in; empty allows all
	// joined rooms.
	AllowedRooms []string `yaml:"allowed_rooms"`
	// AllowedUsers restricts who may talk to Hanashi; empty allows everyone.
	AllowedUsers []string `yaml:"allowed_users"`
	// AutoJoin accepts room invites from allowed users.
	AutoJoin      bool   `yaml:"auto_join"`
	CommandPrefix string `yaml:"command_prefix"`
}

// LLMConfig points at the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts > 1 retries transient failures inside the client.
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Temperature *float64      `yaml:"temperature"`
	TopP        *float64      `yaml:"top_p"`
	// MaxReplyTokens defaults to context.reserved_for_reply.
	MaxReplyTokens int            `yaml:"max_reply_tokens"`
	ExtraParams    map[string]any `yaml:"extra_params"`
}

// ContextConfig is the token budget and conversation policy.
type ContextConfig struct {
	MaxContextTokens int    `yaml:"max_context_tokens"`
	ReservedForReply int    `yaml:"reserved_for_reply"`
	SystemPreamble   string `yaml:"system_preamble"`
	// IdleTimeout evicts conversations idle for longer; zero disables it.
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// EstimatorConfig selects and calibrates the token estimator.
type EstimatorConfig struct {
	// Kind is "heuristic" or "tokenizer".
	Kind               string  `yaml:"kind"`
	Encoding           string  `yaml:"encoding"`
	PerMessageOverhead int     `yaml:"per_message_overhead"`
	TokensPerWord      float64 `yaml:"tokens_per_word"`
	CharsPerToken      float64 `yaml:"chars_per_token"`
}

// ResetConfig holds the phrases that wipe a conversation from plain chat.
type ResetConfig struct {
	Triggers []string `yaml:"triggers"`
	Replies  []string `yaml:"replies"`
}

// DeliveryConfig shapes how replies are posted.
type DeliveryConfig struct {
	// SplitThreshold splits replies longer than this many characters into
	// two messages; zero disables splitting.
	SplitThreshold int           `yaml:"split_threshold"`
	PauseMin       time.Duration `yaml:"pause_min"`
	PauseMax       time.Duration `yaml:"pause_max"`
	Typing         bool          `yaml:"typing"`
}

// RateLimitConfig limits inbound messages per conversation.
type RateLimitConfig struct {
	// PerMinute is the sustained rate; zero disables limiting.
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// StorageConfig selects where conversations live.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. The Matrix sync cursor is stored
	// there too whenever it is set.
	Path string `yaml:"path"`
}

// TranscriptConfig configures the plain-text turn log.
type TranscriptConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HTTPConfig configures the health, status and metrics listener.
type HTTPConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `yaml:"addr"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used for every unset field.
func Defaults() Config {
	temp := 0.7
	return Config{
		Matrix: MatrixConfig{
			AutoJoin:      true,
			CommandPrefix: "!hanashi",
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:1234/v1",
			Model:       "local-model",
			Timeout:     60 * time.Second,
			MaxAttempts: 1,
			RetryDelay:  500 * time.Millisecond,
			Temperature: &temp,
		},
		Context: ContextConfig{
			MaxContextTokens: 4096,
			ReservedForReply: 300,
			EvictionInterval: time.Minute,
		},
		Estimator: EstimatorConfig{
			Kind:               "heuristic",
			Encoding:           "cl100k_base",
			PerMessageOverhead: tokens.DefaultPerMessageOverhead,
			TokensPerWord:      tokens.DefaultTokensPerWord,
			CharsPerToken:      tokens.DefaultCharsPerToken,
		},
		Reset: ResetConfig{
			Triggers: []string{"/done"},
		},
		Delivery: DeliveryConfig{
			SplitThreshold: 250,
			PauseMin:       400 * time.Millisecond,
			PauseMax:       1100 * time.Millisecond,
			Typing:         true,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 20,
			Burst:     5,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "./hanashi.db",
		},
		Transcript: TranscriptConfig{
			Path:       "./chat_log.txt",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from Defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes is Load for an in-memory YAML document.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := decode(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	expanded := []byte(expandEnv(string(data)))
	if err := validateSchema(expanded); err != nil {
		return err
	}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default}. Unset or empty variables
// take the default, or "".
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Budget returns the token budget described by the context section.
func (c *Config) Budget() window.Budget {
	return window.Budget{
		MaxContextTokens: c.Context.MaxContextTokens,
		ReservedForReply: c.Context.ReservedForReply,
	}
}

// Calibration returns the estimator calibration constants.
func (c *Config) Calibration() tokens.Calibration {
	return tokens.Calibration{
		PerMessageOverhead: c.Estimator.PerMessageOverhead,
		TokensPerWord:      c.Estimator.TokensPerWord,
		CharsPerToken:      c.Estimator.CharsPerToken,
	}
}

// BuildEstimator returns the configured token estimator.
func (c *Config) BuildEstimator() (tokens.Estimator, error) {
	cal := c.Calibration()
	switch c.Estimator.Kind {
	case "", "heuristic":
		return tokens.NewHeuristic(cal), nil
	case "tokenizer":
		return tokens.NewTokenizer(c.Estimator.Encoding, cal)
	default:
		return nil, fmt.Errorf("config: unknown estimator kind %q", c.Estimator.Kind)
	}
}

// Validate checks the configuration. Budget, calibration and preamble
// problems are returned as *window.ConfigError.
func (c *Config) Validate() error {
	var errs []error

	if c.Matrix.Homeserver == "" {
		errs = append(errs, errors.New("matrix.homeserver is required (MATRIX_HOMESERVER)"))
	}
	if c.Matrix.UserID == "" {
		errs = append(errs, errors.New("matrix.user_id is required (MATRIX_USER_ID)"))
	}
	if c.Matrix.AccessToken == "" {
		errs = append(errs, errors.New("matrix.access_token is required (MATRIX_ACCESS_TOKEN)"))
	}
	if c.Matrix.CommandPrefix == "" {
		errs = append(errs, errors.New("matrix.command_prefix must not be empty"))
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if c.Delivery.PauseMin > c.Delivery.PauseMax {
		errs = append(errs, fmt.Errorf("delivery.pause_min (%s) exceeds delivery.pause_max (%s)", c.Delivery.PauseMin, c.Delivery.PauseMax))
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required for the sqlite backend"))
	}
	if c.Transcript.Enabled && c.Transcript.Path == "" {
		errs = append(errs, errors.New("transcript.path is required when the transcript is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}

	budget := c.Budget()
	if err := budget.Validate(); err != nil {
		return err
	}
	if err := c.Calibration().Validate(); err != nil {
		return &window.ConfigError{Reason: err.Error()}
	}
	est, err := c.BuildEstimator()
	if err != nil {
		return &window.ConfigError{Reason: err.Error()}
	}
	return window.CheckPreamble(est, c.Context.SystemPreamble, budget)
}
