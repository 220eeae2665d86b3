package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 IMCLIENT_API_BASE_URL
const EnvPrefix = "IMCLIENT"

type Config struct {
	API          APIConfig          `yaml:"api" mapstructure:"api"`
	Push         PushConfig         `yaml:"push" mapstructure:"push"`
	Notification NotificationConfig `yaml:"notification" mapstructure:"notification"`
	Worker       WorkerConfig       `yaml:"worker" mapstructure:"worker"`
	Archive      ArchiveConfig      `yaml:"archive" mapstructure:"archive"`
	Logging      LoggingConfig      `yaml:"logging" mapstructure:"logging"`
}

// APIConfig REST 服务配置
type APIConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RetryCount  int           `yaml:"retry_count" mapstructure:"retry_count"`
	HistoryPath string        `yaml:"history_path" mapstructure:"history_path"`
}

// PushConfig 推送通道配置
type PushConfig struct {
	Endpoint string     `yaml:"endpoint" mapstructure:"endpoint"`
	NATS     NATSConfig `yaml:"nats" mapstructure:"nats"`
	QUIC     QUICConfig `yaml:"quic" mapstructure:"quic"`
}

// NATSConfig nats:// 端点的连接参数
type NATSConfig struct {
	MaxReconnects int           `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
}

// QUICConfig https:// (WebTransport) 端点的连接参数
type QUICConfig struct {
	MaxIdleTimeout  time.Duration `yaml:"max_idle_timeout" mapstructure:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period" mapstructure:"keep_alive_period"`
	Insecure        bool          `yaml:"insecure" mapstructure:"insecure"`
}

// NotificationConfig 通知弹窗配置
type NotificationConfig struct {
	PopupTTL time.Duration `yaml:"popup_ttl" mapstructure:"popup_ttl"`
	Tick     time.Duration `yaml:"tick" mapstructure:"tick"`
}

// WorkerConfig 网络请求协程池配置
type WorkerConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// ArchiveConfig 本地消息归档配置，Path 为空时不启用
type ArchiveConfig struct {
	Path          string        `yaml:"path" mapstructure:"path"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file" mapstructure:"file"`
}

// setDefaults 默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:3000")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.retry_count", 0)
	v.SetDefault("api.history_path", "/messages/{self}/{peer}")

	v.SetDefault("push.endpoint", "ws://localhost:3000/ws")
	v.SetDefault("push.nats.max_reconnects", 10)
	v.SetDefault("push.nats.reconnect_wait", 2*time.Second)
	v.SetDefault("push.quic.max_idle_timeout", 30*time.Second)
	v.SetDefault("push.quic.keep_alive_period", 10*time.Second)
	v.SetDefault("push.quic.insecure", false)

	v.SetDefault("notification.popup_ttl", 5*time.Second)
	v.SetDefault("notification.tick", 100*time.Millisecond)

	v.SetDefault("worker.workers", 4)
	v.SetDefault("worker.queue_size", 64)

	v.SetDefault("archive.path", "")
	v.SetDefault("archive.batch_size", 50)
	v.SetDefault("archive.flush_interval", 200*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}

// Load 加载配置：默认值 < 配置文件 < 环境变量 < 命令行参数
// path 为空时只使用默认值和覆盖项；flags 可为 nil
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlags 把命令行参数绑定到配置键，参数名中的 - 对应键中的 _
// 例如 --api.base-url 对应 api.base_url
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		// 只绑定已知配置键，--config 之类的参数跳过
		if !v.IsSet(key) {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	return bindErr
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Push.Endpoint == "" {
		return fmt.Errorf("push.endpoint is required")
	}
	if c.Notification.PopupTTL <= 0 {
		return fmt.Errorf("notification.popup_ttl must be positive")
	}
	if c.Notification.Tick <= 0 || c.Notification.Tick > c.Notification.PopupTTL {
		return fmt.Errorf("notification.tick must be in (0, popup_ttl]")
	}
	if c.Worker.Workers <= 0 || c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.workers and worker.queue_size must be positive")
	}
	return nil
}

// Dump 以 YAML 输出生效配置
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
