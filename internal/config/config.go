package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Name           string `mapstructure:"name"`
	Env            string `mapstructure:"env"`
	DeploymentName string `mapstructure:"deployment_name"`
	WorkspaceID    string `mapstructure:"workspace_id"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxIdle     int    `mapstructure:"max_idle"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	EnableTLS   bool   `mapstructure:"enable_tls"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	EnableTLS bool   `mapstructure:"enable_tls"`
}

type RabbitMQExchanges struct {
	SessionNotify string `mapstructure:"session_notify"`
}

type RabbitMQRoutingKeys struct {
	MessageCompleted string `mapstructure:"message_completed"`
	ArtifactCreated  string `mapstructure:"artifact_created"`
}

type RabbitMQConfig struct {
	URL          string              `mapstructure:"url"`
	EnableTLS    bool                `mapstructure:"enable_tls"`
	ExchangeName RabbitMQExchanges   `mapstructure:"exchange_name"`
	RoutingKey   RabbitMQRoutingKeys `mapstructure:"routing_key"`
}

type S3Config struct {
	Endpoint         string `mapstructure:"endpoint"`
	Region           string `mapstructure:"region"`
	Bucket           string `mapstructure:"bucket"`
	AccessKey        string `mapstructure:"access_key"`
	SecretKey        string `mapstructure:"secret_key"`
	UsePathStyle     bool   `mapstructure:"use_path_style"`
	PresignExpireSec int    `mapstructure:"presign_expire_sec"`
}

type SandboxConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	APISecret           string `mapstructure:"api_secret"`
	StartTimeoutSec     int    `mapstructure:"start_timeout_sec"`
	MaxStartAttempts    int    `mapstructure:"max_start_attempts"`
	HeartbeatTimeoutSec int    `mapstructure:"heartbeat_timeout_sec"`
	StopGraceSec        int    `mapstructure:"stop_grace_sec"`
}

type AuthConfig struct {
	// OperatorSecret authenticates the gateway and the sandbox on /internal/*.
	OperatorSecret string `mapstructure:"operator_secret"`
	// OperatorSecretPHC is an argon2id PHC hash of the operator secret. When
	// EnableArgon2Verification is set, presented secrets are verified against
	// this hash instead of the plaintext comparison.
	OperatorSecretPHC        string `mapstructure:"operator_secret_phc"`
	EnableArgon2Verification bool   `mapstructure:"enable_argon2_verification"`
	// TokenPepper keys the HMAC used to store subscriber token hashes.
	TokenPepper string `mapstructure:"token_pepper"`
}

type AgentConfig struct {
	DefaultModel     string   `mapstructure:"default_model"`
	Models           []string `mapstructure:"models"`
	ReasoningEfforts []string `mapstructure:"reasoning_efforts"`
}

type HubConfig struct {
	ReplayLimit     int `mapstructure:"replay_limit"`
	SendBuffer      int `mapstructure:"send_buffer"`
	PingIntervalSec int `mapstructure:"ping_interval_sec"`
	PongGraceSec    int `mapstructure:"pong_grace_sec"`
}

type AggregatorConfig struct {
	FlushIntervalMs   int `mapstructure:"flush_interval_ms"`
	MaxBufferedTokens int `mapstructure:"max_buffered_tokens"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OtlpEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	S3         S3Config         `mapstructure:"s3"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Hub        HubConfig        `mapstructure:"hub"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "duet")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.max_open", 20)
	v.SetDefault("database.max_idle", 5)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("rabbitmq.exchange_name.session_notify", "duet.session.notify")
	v.SetDefault("rabbitmq.routing_key.message_completed", "session.message.completed")
	v.SetDefault("rabbitmq.routing_key.artifact_created", "session.artifact.created")

	v.SetDefault("s3.presign_expire_sec", 900)

	v.SetDefault("sandbox.start_timeout_sec", 120)
	v.SetDefault("sandbox.max_start_attempts", 3)
	v.SetDefault("sandbox.heartbeat_timeout_sec", 90)
	v.SetDefault("sandbox.stop_grace_sec", 30)

	v.SetDefault("agent.default_model", "claude-sonnet-4-5")
	v.SetDefault("agent.models", []string{
		"claude-sonnet-4-5",
		"claude-opus-4-1",
		"claude-haiku-4-5",
		"gpt-5",
		"gpt-5-codex",
	})
	v.SetDefault("agent.reasoning_efforts", []string{
		"none", "low", "medium", "high", "xhigh", "max",
	})

	v.SetDefault("hub.replay_limit", 200)
	v.SetDefault("hub.send_buffer", 256)
	v.SetDefault("hub.ping_interval_sec", 25)
	v.SetDefault("hub.pong_grace_sec", 60)

	v.SetDefault("aggregator.flush_interval_ms", 50)
	v.SetDefault("aggregator.max_buffered_tokens", 100)

	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Load reads config.yaml (optional) and DUET_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("DUET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env-only deployments are fine.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Auth.OperatorSecret == "" && cfg.Auth.OperatorSecretPHC == "" {
		return nil, fmt.Errorf("auth.operator_secret is required")
	}
	if cfg.Auth.TokenPepper == "" {
		return nil, fmt.Errorf("auth.token_pepper is required")
	}

	return &cfg, nil
}

// ValidModel reports whether name is in the closed model set.
func (c *Config) ValidModel(name string) bool {
	for _, m := range c.Agent.Models {
		if m == name {
			return true
		}
	}
	return false
}

// NormalizeModel maps unknown model names to the configured default.
func (c *Config) NormalizeModel(name string) string {
	if name == "" || !c.ValidModel(name) {
		return c.Agent.DefaultModel
	}
	return name
}

// ValidReasoningEffort reports whether effort is in the closed effort set.
func (c *Config) ValidReasoningEffort(effort string) bool {
	for _, e := range c.Agent.ReasoningEfforts {
		if e == effort {
			return true
		}
	}
	return false
}

// NormalizeReasoningEffort drops unknown efforts. The empty result means
// "unset"; the dispatcher falls back message -> session -> model default at
// command-build time.
func (c *Config) NormalizeReasoningEffort(effort string) string {
	if effort == "" || !c.ValidReasoningEffort(effort) {
		return ""
	}
	return effort
}
