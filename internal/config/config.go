package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/call-bridge/internal/telemetry"
)

type Config struct {
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Mailbox   MailboxConfig    `yaml:"mailbox"`
	Call      CallConfig       `yaml:"call"`
	Chat      ChatConfig       `yaml:"chat"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"CALLBRIDGE_MQTT_BROKER"`
	ClientID    string `yaml:"client_id" env:"CALLBRIDGE_MQTT_CLIENT_ID"`
	TopicPrefix string `yaml:"topic_prefix" env:"CALLBRIDGE_MQTT_TOPIC_PREFIX"`
	PushTopic   string `yaml:"push_topic" env:"CALLBRIDGE_MQTT_PUSH_TOPIC"`
	QoS         byte   `yaml:"qos" env:"CALLBRIDGE_MQTT_QOS"`
}

type RuntimeConfig struct {
	Listen         string        `yaml:"listen" env:"CALLBRIDGE_RUNTIME_LISTEN"`
	Path           string        `yaml:"path" env:"CALLBRIDGE_RUNTIME_PATH"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"CALLBRIDGE_RUNTIME_ATTEMPT_TIMEOUT"`
	// EventTimeout bounds the handling of one push event or button press.
	EventTimeout time.Duration `yaml:"event_timeout" env:"CALLBRIDGE_RUNTIME_EVENT_TIMEOUT"`
	// Headless enables the warm runtime reached over MQTT.
	Headless bool `yaml:"headless" env:"CALLBRIDGE_RUNTIME_HEADLESS"`
}

type MailboxConfig struct {
	Driver        string        `yaml:"driver" env:"CALLBRIDGE_MAILBOX_DRIVER"`
	Path          string        `yaml:"path" env:"CALLBRIDGE_MAILBOX_PATH"`
	RedisAddr     string        `yaml:"redis_addr" env:"CALLBRIDGE_MAILBOX_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"CALLBRIDGE_MAILBOX_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"CALLBRIDGE_MAILBOX_REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" env:"CALLBRIDGE_MAILBOX_TTL"`
}

type CallConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"CALLBRIDGE_CALL_DEFAULT_TIMEOUT"`
	WakeGrace      time.Duration `yaml:"wake_grace" env:"CALLBRIDGE_CALL_WAKE_GRACE"`
	OngoingWake    time.Duration `yaml:"ongoing_wake" env:"CALLBRIDGE_CALL_ONGOING_WAKE"`
	OngoingRenew   time.Duration `yaml:"ongoing_renew" env:"CALLBRIDGE_CALL_ONGOING_RENEW"`
	AvatarTimeout  time.Duration `yaml:"avatar_timeout" env:"CALLBRIDGE_CALL_AVATAR_TIMEOUT"`
	AvatarCacheDir string        `yaml:"avatar_cache_dir" env:"CALLBRIDGE_CALL_AVATAR_CACHE_DIR"`
}

type ChatConfig struct {
	ActiveWindow time.Duration `yaml:"active_window" env:"CALLBRIDGE_CHAT_ACTIVE_WINDOW"`
}

// Topic joins parts under the configured topic prefix.
func (c *MQTTConfig) Topic(parts ...string) string {
	return strings.TrimSuffix(c.TopicPrefix, "/") + "/" + strings.Join(parts, "/")
}

func defaults() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "call-bridge",
			TopicPrefix: "callbridge",
			PushTopic:   "callbridge/push",
			QoS:         1,
		},
		Runtime: RuntimeConfig{
			Listen:         "127.0.0.1:8765",
			Path:           "/runtime",
			AttemptTimeout: 750 * time.Millisecond,
			EventTimeout:   5 * time.Second,
		},
		Mailbox: MailboxConfig{
			Driver: "sqlite",
			Path:   "/var/lib/call-bridge/mailbox.db",
		},
		Call: CallConfig{
			DefaultTimeout: 30 * time.Second,
			WakeGrace:      5 * time.Second,
			OngoingWake:    10 * time.Minute,
			OngoingRenew:   9 * time.Minute,
			AvatarTimeout:  5 * time.Second,
			AvatarCacheDir: "/var/cache/call-bridge/avatars",
		},
		Chat: ChatConfig{
			ActiveWindow: 5 * time.Minute,
		},
		Telemetry: telemetry.Config{
			ServiceName: "call-bridge",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// CALLBRIDGE_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnv loads the dotenv file named by ENV_FILE into the environment. A
// missing ENV_FILE is not an error.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		return nil
	}
	if err := godotenv.Load(envfile); err != nil {
		return fmt.Errorf("loading %s: %w", envfile, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if c.MQTT.PushTopic == "" {
		return fmt.Errorf("mqtt.push_topic is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Runtime.Listen == "" {
		return fmt.Errorf("runtime.listen is required")
	}
	if !strings.HasPrefix(c.Runtime.Path, "/") {
		return fmt.Errorf("runtime.path must start with /, got %q", c.Runtime.Path)
	}
	if c.Runtime.AttemptTimeout <= 0 {
		return fmt.Errorf("runtime.attempt_timeout must be positive")
	}
	if c.Runtime.EventTimeout <= 0 {
		return fmt.Errorf("runtime.event_timeout must be positive")
	}
	switch c.Mailbox.Driver {
	case "sqlite":
		if c.Mailbox.Path == "" {
			return fmt.Errorf("mailbox.path is required for the sqlite driver")
		}
	case "redis":
		if c.Mailbox.RedisAddr == "" {
			return fmt.Errorf("mailbox.redis_addr is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("mailbox.driver must be sqlite, redis or memory, got %q", c.Mailbox.Driver)
	}
	if c.Call.DefaultTimeout <= 0 {
		return fmt.Errorf("call.default_timeout must be positive")
	}
	if c.Call.OngoingRenew <= 0 || c.Call.OngoingRenew >= c.Call.OngoingWake {
		return fmt.Errorf("call.ongoing_renew must be positive and shorter than call.ongoing_wake")
	}
	if c.Chat.ActiveWindow <= 0 {
		return fmt.Errorf("chat.active_window must be positive")
	}
	return nil
}
