package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`

	Store  StoreConfig  `mapstructure:"store"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Log    LogConfig    `mapstructure:"log"`
	Client ClientConfig `mapstructure:"client"`
}

type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
	// PushLimit caps pushes per connection per second; 0 disables.
	PushLimit int `mapstructure:"push_limit"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	Channel  string `mapstructure:"channel"`
}

type AuthConfig struct {
	// Secret enables HS256 bearer tokens on the websocket endpoint.
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// AdminKey guards force release and session kick. Empty disables them.
	AdminKey string `mapstructure:"admin_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type ClientConfig struct {
	ServerURL   string `mapstructure:"server_url"`
	DisplayName string `mapstructure:"display_name"`
	Token       string `mapstructure:"token"`
	Channel     string `mapstructure:"channel"`

	OpTimeout          time.Duration `mapstructure:"op_timeout"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	PresenceStaleAfter time.Duration `mapstructure:"presence_stale_after"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	BatchInterval      time.Duration `mapstructure:"batch_interval"`
	MaxLead            time.Duration `mapstructure:"max_lead"`

	Notify NotifyConfig `mapstructure:"notify"`
}

type NotifyConfig struct {
	// Driver is "none", "log", "redis" or "kafka".
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("send_buffer", 256)
	v.SetDefault("secret", "ptt-cookie-secret")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.address", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "ptt")
	v.SetDefault("store.redis.channel", "")
	v.SetDefault("store.push_limit", 50)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.admin_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("client.display_name", "")
	v.SetDefault("client.token", "")
	v.SetDefault("client.channel", "main")
	v.SetDefault("client.op_timeout", "5s")
	v.SetDefault("client.stale_after", "30s")
	v.SetDefault("client.presence_stale_after", "45s")
	v.SetDefault("client.heartbeat_interval", "10s")
	v.SetDefault("client.batch_interval", "200ms")
	v.SetDefault("client.max_lead", "500ms")
	v.SetDefault("client.notify.driver", "log")
	v.SetDefault("client.notify.redis.address", "localhost:6379")
	v.SetDefault("client.notify.redis.channel", "ptt:announcements")
	v.SetDefault("client.notify.kafka.brokers", "localhost:9092")
	v.SetDefault("client.notify.kafka.topic", "ptt.announcements")
}

// Load reads config/config.{CONFIG_ENV}.yaml (default env "dev") and
// applies PTT_* environment overrides.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix("PTT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("store.redis.address", "PTT_STORE_REDIS_ADDRESS", "REDIS_ADDR")
	_ = v.BindEnv("auth.secret", "PTT_AUTH_SECRET", "JWT_SECRET")
	_ = v.BindEnv("auth.admin_key", "PTT_AUTH_ADMIN_KEY")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("store", cfg.Store.Backend).Msg("config ready")
	return &cfg, nil
}
