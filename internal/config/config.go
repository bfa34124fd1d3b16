// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Session SessionConfig `mapstructure:"session"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Log     LogConfig     `mapstructure:"log"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Debug   DebugConfig   `mapstructure:"debug"`
}

// APIConfig 存储后端服务地址。
type APIConfig struct {
	Origin      string        `mapstructure:"origin"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// AuthConfig 存储 bearer 凭证。
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// SessionConfig 指定要跟随的聊天会话。
type SessionConfig struct {
	ID        int64  `mapstructure:"id"`
	ProjectID int64  `mapstructure:"project_id"`
	Pattern   string `mapstructure:"pattern"`
	Enabled   bool   `mapstructure:"enabled"`
}

// StreamConfig 存储 CRS 生成事件流的配置。
type StreamConfig struct {
	Path       string        `mapstructure:"path"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// ChatConfig 存储聊天 websocket 的配置。
type ChatConfig struct {
	Path         string        `mapstructure:"path"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用快照缓存。
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时 patch 指标只保留在内存中。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// DebugConfig 存储本地调试 HTTP 端点的配置。Addr 为空时不启动。
type DebugConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.http_timeout", 15*time.Second)
	v.SetDefault("session.pattern", "babok")
	v.SetDefault("session.enabled", true)
	v.SetDefault("stream.path", "/api/crs/sessions/{session_id}/stream")
	v.SetDefault("stream.max_retries", 5)
	v.SetDefault("stream.base_delay", time.Second)
	v.SetDefault("stream.max_delay", 30*time.Second)
	v.SetDefault("chat.path", "/ws/chat/{project_id}/{session_id}")
	v.SetDefault("chat.write_timeout", 10*time.Second)
	v.SetDefault("chat.ping_interval", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("redis.ttl", 7*24*time.Hour)
	v.SetDefault("kafka.topic", "crs-patch-metrics")
	v.SetDefault("debug.mode", "release")
}

// Load 读取 YAML 配置文件（可缺省）、.env 和 CRS_ 前缀的环境变量，并校验结果。
func Load(configPath string) (*Config, error) {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	// AutomaticEnv 只对已知 key 生效，这里显式绑定没有默认值的 key
	for _, key := range []string{"api.origin", "auth.token", "session.id", "session.project_id", "redis.addr", "redis.password", "redis.db", "kafka.brokers", "debug.addr", "log.output_path"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// Init 加载配置到全局 Conf，失败时 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// Validate 校验配置的必填项与取值范围。
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.API,
		validation.Field(&c.API.Origin, validation.Required, is.RequestURL),
		validation.Field(&c.API.HTTPTimeout, validation.Min(time.Duration(0))),
	); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := validation.ValidateStruct(&c.Session,
		validation.Field(&c.Session.ID, validation.Min(int64(0))),
		validation.Field(&c.Session.ProjectID, validation.Min(int64(0))),
		validation.Field(&c.Session.Pattern, validation.Required,
			validation.In("babok", "ieee_830", "iso_iec_ieee_29148", "agile_user_stories")),
	); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := validation.ValidateStruct(&c.Stream,
		validation.Field(&c.Stream.Path, validation.Required),
		validation.Field(&c.Stream.MaxRetries, validation.Min(0)),
		validation.Field(&c.Stream.BaseDelay, validation.Required),
		validation.Field(&c.Stream.MaxDelay, validation.Required, validation.Min(c.Stream.BaseDelay)),
	); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := validation.ValidateStruct(&c.Chat,
		validation.Field(&c.Chat.Path, validation.Required),
		validation.Field(&c.Chat.WriteTimeout, validation.Required),
	); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Format, validation.In("console", "json")),
	)
}
