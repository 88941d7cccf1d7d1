package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for mirage.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (API keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// RequestTimeoutSeconds bounds a single gateway request end to end,
	// including every engine round trip it triggers. Zero disables the bound.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS" env-default:"300"`

	// ShutdownGraceSeconds is how long in-flight requests get to finish
	// after the server receives a termination signal.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" env:"SHUTDOWN_GRACE_SECONDS" env-default:"15"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// Engine configuration (the model that synthesizes responses)
	Engine EngineConfig `yaml:"engine"`

	// Session and conversation persistence configuration
	Session SessionConfig `yaml:"session"`

	// Tool server configuration
	Tools ToolsConfig `yaml:"tools"`

	// Site content configuration (prompt material the engine responds from)
	Site SiteConfig `yaml:"site"`

	// Audit configuration
	Audit AuditConfig `yaml:"audit"`

	// OneShot starts the server on the configured port, performs a single
	// internal GET / against it, logs the raw response, and exits.
	OneShot bool `yaml:"one_shot" env:"ONE_SHOT" env-default:"false"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the minimum level emitted: debug, info, warn, or error.
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	// Format selects console or json encoding.
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
}

// EngineConfig holds settings for the response-synthesis engine.
type EngineConfig struct {
	// Provider selects the backend: "openai" (or any OpenAI-compatible
	// endpoint via BaseURL) or "anthropic".
	Provider string `yaml:"provider" env:"ENGINE_PROVIDER" env-default:"openai"`
	// Model is the model identifier passed to the provider.
	Model string `yaml:"model" env:"ENGINE_MODEL" env-default:"gpt-4o"`
	// BaseURL overrides the provider endpoint. Useful for OpenAI-compatible
	// local runtimes.
	BaseURL string `yaml:"base_url" env:"ENGINE_BASE_URL" env-default:""`
	// APIKey authenticates with the provider. Secret - not in YAML.
	APIKey string `yaml:"-" env:"ENGINE_API_KEY"`
	// MaxTokens caps the synthesized output per engine round trip.
	MaxTokens int `yaml:"max_tokens" env:"ENGINE_MAX_TOKENS" env-default:"4096"`
	// Temperature for sampling. Negative means provider default.
	Temperature float32 `yaml:"temperature" env:"ENGINE_TEMPERATURE" env-default:"0.2"`
	// MaxToolIterations bounds the tool round trips in a single request.
	MaxToolIterations int `yaml:"max_tool_iterations" env:"ENGINE_MAX_TOOL_ITERATIONS" env-default:"10"`
}

// SessionConfig holds session cookie and conversation persistence settings.
type SessionConfig struct {
	// CookieName is the name of the session cookie set on responses.
	CookieName string `yaml:"cookie_name" env:"SESSION_COOKIE_NAME" env-default:"mirage_session"`
	// StateDir is where per-session conversation files are written.
	StateDir string `yaml:"state_dir" env:"SESSION_STATE_DIR" env-default:"./state"`
	// SaveConversations toggles the shutdown snapshot. When false, Flush
	// is a logged no-op.
	SaveConversations bool `yaml:"save_conversations" env:"SAVE_CONVERSATIONS" env-default:"true"`
	// MaxTurns caps the history replayed to the engine per session.
	// Zero means unlimited.
	MaxTurns int `yaml:"max_turns" env:"SESSION_MAX_TURNS" env-default:"40"`
}

// ToolsConfig holds tool server orchestration settings.
type ToolsConfig struct {
	// LocalEnabled starts the built-in local tool server as a child
	// process of the gateway.
	LocalEnabled bool `yaml:"local_enabled" env:"TOOLS_LOCAL_ENABLED" env-default:"true"`
	// ManifestPath points at the YAML manifest listing tool servers.
	// Empty means only the built-in local tool server is started.
	ManifestPath string `yaml:"manifest_path" env:"TOOLS_MANIFEST_PATH" env-default:""`
	// RegisterTimeoutSeconds bounds handshake plus discovery per server.
	RegisterTimeoutSeconds int `yaml:"register_timeout_seconds" env:"TOOLS_REGISTER_TIMEOUT_SECONDS" env-default:"30"`
	// CallTimeoutSeconds bounds a single tool invocation.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" env:"TOOLS_CALL_TIMEOUT_SECONDS" env-default:"60"`
	// LocalLogLevel is the log level handed to the spawned local tool server.
	LocalLogLevel string `yaml:"local_log_level" env:"TOOLS_LOCAL_LOG_LEVEL" env-default:"info"`
}

// SiteConfig holds settings for the site content the engine serves from.
type SiteConfig struct {
	// Dir is the directory of page files with YAML front matter.
	Dir string `yaml:"dir" env:"SITE_DIR" env-default:"./site"`
	// PromptPath overrides the built-in system prompt template.
	PromptPath string `yaml:"prompt_path" env:"SITE_PROMPT_PATH" env-default:""`
	// Name is the site name interpolated into the system prompt.
	Name string `yaml:"name" env:"SITE_NAME" env-default:"mirage"`
}

// AuditConfig holds inbound request auditing settings.
type AuditConfig struct {
	// Enabled toggles injection scanning of inbound request text.
	Enabled bool `yaml:"enabled" env:"AUDIT_ENABLED" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// If config.yaml does not exist, configuration comes from the environment alone.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validate rejects configurations the server cannot start with.
func (c *Config) validate() error {
	switch c.Engine.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown engine provider %q", c.Engine.Provider)
	}

	if c.Engine.Model == "" {
		return fmt.Errorf("engine model must be set")
	}

	if c.Engine.MaxToolIterations < 1 {
		return fmt.Errorf("max_tool_iterations must be at least 1")
	}

	if c.Session.CookieName == "" {
		return fmt.Errorf("session cookie name must be set")
	}

	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}

// RequestTimeout reports whether a per-request deadline is configured.
func (c *Config) RequestTimeout() (int, bool) {
	return c.RequestTimeoutSeconds, c.RequestTimeoutSeconds > 0
}
