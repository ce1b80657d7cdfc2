// Package config provides configuration management for codexrt.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cpjet64/codexrt/internal/common/logger"
)

// Config holds all configuration for the runtime.
type Config struct {
	Process      ProcessConfig        `mapstructure:"process" yaml:"process"`
	Conversation ConversationConfig   `mapstructure:"conversation" yaml:"conversation"`
	Client       ClientConfig         `mapstructure:"client" yaml:"client"`
	Handshake    HandshakeConfig      `mapstructure:"handshake" yaml:"handshake"`
	Heartbeat    HeartbeatConfig      `mapstructure:"heartbeat" yaml:"heartbeat"`
	Health       HealthConfig         `mapstructure:"health" yaml:"health"`
	Approval     ApprovalConfig       `mapstructure:"approval" yaml:"approval"`
	API          APIConfig            `mapstructure:"api" yaml:"api"`
	NATS         NATSConfig           `mapstructure:"nats" yaml:"nats"`
	Audit        AuditConfig          `mapstructure:"audit" yaml:"audit"`
	Tracing      TracingConfig        `mapstructure:"tracing" yaml:"tracing"`
	Logging      logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ProcessConfig describes how the agent subprocess is launched.
type ProcessConfig struct {
	Executable string            `mapstructure:"executable" yaml:"executable"`
	Args       []string          `mapstructure:"args" yaml:"args"`
	WorkDir    string            `mapstructure:"workDir" yaml:"workDir"`
	Env        map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	InheritEnv bool              `mapstructure:"inheritEnv" yaml:"inheritEnv"`
}

// ConversationConfig holds the optional newConversation parameters.
type ConversationConfig struct {
	Model          string `mapstructure:"model" yaml:"model,omitempty"`
	Cwd            string `mapstructure:"cwd" yaml:"cwd,omitempty"`
	ApprovalPolicy string `mapstructure:"approvalPolicy" yaml:"approvalPolicy,omitempty"` // untrusted, on-failure, on-request, never
	Sandbox        string `mapstructure:"sandbox" yaml:"sandbox,omitempty"`               // read-only, workspace-write, danger-full-access
}

// ClientConfig is sent as clientInfo during initialize.
type ClientConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Title   string `mapstructure:"title" yaml:"title,omitempty"`
	Version string `mapstructure:"version" yaml:"version"`
}

// HandshakeConfig bounds the startup handshake.
type HandshakeConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// HeartbeatConfig configures the idle keepalive.
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Tick     time.Duration `mapstructure:"tick" yaml:"tick"`
	Method   string        `mapstructure:"method" yaml:"method"`
}

// HealthConfig configures the staleness monitor.
type HealthConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	StaleThreshold time.Duration `mapstructure:"staleThreshold" yaml:"staleThreshold"`
	CheckInterval  time.Duration `mapstructure:"checkInterval" yaml:"checkInterval"`
}

// Approval modes
const (
	ApprovalModeFullAccess = "full-access"
	ApprovalModePrompt     = "prompt"
)

// Approval prompters
const (
	PrompterTerminal = "terminal"
	PrompterQueue    = "queue"
	PrompterDeny     = "deny"
)

// ApprovalConfig configures how server approval requests are answered.
type ApprovalConfig struct {
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	Prompter      string        `mapstructure:"prompter" yaml:"prompter"`
	PromptTimeout time.Duration `mapstructure:"promptTimeout" yaml:"promptTimeout"`
	Workers       int64         `mapstructure:"workers" yaml:"workers"`
}

// APIConfig configures the HTTP/WebSocket bridge.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// NATSConfig configures the optional event mirror. Empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url,omitempty"`
	ClientID      string `mapstructure:"clientId" yaml:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" yaml:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix" yaml:"subjectPrefix"`
}

// AuditConfig configures the approval journal. Empty Path disables it.
type AuditConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// TracingConfig configures the OTLP/HTTP trace exporter. Empty Endpoint disables it.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string `mapstructure:"serviceName" yaml:"serviceName"`
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("process.executable", "codex")
	v.SetDefault("process.args", []string{"app-server"})
	v.SetDefault("process.workDir", "")
	v.SetDefault("process.inheritEnv", true)

	v.SetDefault("client.name", "codexrt")
	v.SetDefault("client.title", "codexrt")
	v.SetDefault("client.version", "dev")

	v.SetDefault("handshake.timeout", 30*time.Second)

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.tick", 5*time.Second)
	v.SetDefault("heartbeat.method", "getUserAgent")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.staleThreshold", 2*time.Minute)
	v.SetDefault("health.checkInterval", 10*time.Second)

	v.SetDefault("approval.mode", ApprovalModePrompt)
	v.SetDefault("approval.prompter", PrompterTerminal)
	v.SetDefault("approval.promptTimeout", 5*time.Minute)
	v.SetDefault("approval.workers", 4)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8787)

	// Empty URL means no NATS mirror
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codexrt")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "codexrt.events")

	v.SetDefault("audit.path", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.serviceName", "codexrt")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
// Environment variables use the CODEXRT_ prefix with "." replaced by "_".
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODEXRT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not split camelCase keys.
	_ = v.BindEnv("process.workDir", "CODEXRT_PROCESS_WORK_DIR")
	_ = v.BindEnv("health.staleThreshold", "CODEXRT_HEALTH_STALE_THRESHOLD")
	_ = v.BindEnv("approval.promptTimeout", "CODEXRT_APPROVAL_PROMPT_TIMEOUT")
	_ = v.BindEnv("conversation.approvalPolicy", "CODEXRT_CONVERSATION_APPROVAL_POLICY")
	// The standard OTel variables still work when the CODEXRT_ ones are unset.
	_ = v.BindEnv("tracing.endpoint", "CODEXRT_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.serviceName", "CODEXRT_TRACING_SERVICE_NAME", "OTEL_SERVICE_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.codexrt")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Process.Executable == "" {
		errs = append(errs, "process.executable is required")
	}

	if cfg.Handshake.Timeout <= 0 {
		errs = append(errs, "handshake.timeout must be positive")
	}

	if cfg.Heartbeat.Enabled {
		if cfg.Heartbeat.Interval <= 0 {
			errs = append(errs, "heartbeat.interval must be positive")
		}
		if cfg.Heartbeat.Tick <= 0 {
			errs = append(errs, "heartbeat.tick must be positive")
		}
		if cfg.Heartbeat.Method == "" {
			errs = append(errs, "heartbeat.method is required when heartbeat is enabled")
		}
	}

	if cfg.Health.Enabled {
		if cfg.Health.StaleThreshold <= 0 {
			errs = append(errs, "health.staleThreshold must be positive")
		}
		if cfg.Health.CheckInterval <= 0 {
			errs = append(errs, "health.checkInterval must be positive")
		}
	}

	switch cfg.Approval.Mode {
	case ApprovalModeFullAccess, ApprovalModePrompt:
	default:
		errs = append(errs, "approval.mode must be one of: full-access, prompt")
	}
	switch cfg.Approval.Prompter {
	case PrompterTerminal, PrompterQueue, PrompterDeny:
	default:
		errs = append(errs, "approval.prompter must be one of: terminal, queue, deny")
	}
	if cfg.Approval.Workers <= 0 {
		errs = append(errs, "approval.workers must be positive")
	}

	if cfg.API.Enabled && (cfg.API.Port <= 0 || cfg.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// Dump renders the effective configuration as YAML.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
