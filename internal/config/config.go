package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	QUIC       QUICConfig       `mapstructure:"quic" yaml:"quic"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Presence   PresenceConfig   `mapstructure:"presence" yaml:"presence"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper" yaml:"sweeper"`
	Focus      FocusConfig      `mapstructure:"focus" yaml:"focus"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool" yaml:"worker_pool"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`           // WebTransport (HTTP/3) 监听地址
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"` // WebSocket + 健康检查 + 指标
	NodeID   string `mapstructure:"node_id" yaml:"node_id"`
	// NodeNumber 雪花 ID 节点号
	NodeNumber int64 `mapstructure:"node_number" yaml:"node_number"`
	// AllowedOrigins 浏览器来源白名单，为空时只允许同源，"*" 允许全部
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type QUICConfig struct {
	MaxIdleTimeout        time.Duration `mapstructure:"max_idle_timeout" yaml:"max_idle_timeout"`
	KeepAlivePeriod       time.Duration `mapstructure:"keep_alive_period" yaml:"keep_alive_period"`
	MaxIncomingStreams    int64         `mapstructure:"max_incoming_streams" yaml:"max_incoming_streams"`
	MaxIncomingUniStreams int64         `mapstructure:"max_incoming_uni_streams" yaml:"max_incoming_uni_streams"`
	Allow0RTT             bool          `mapstructure:"allow_0rtt" yaml:"allow_0rtt"`
	CertFile              string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile               string        `mapstructure:"key_file" yaml:"key_file"`
}

// NATSConfig URL 为空时不连接 NATS
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
}

// RedisConfig Addr 为空时不启用在线状态镜像
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// AuthConfig 与 HTTP 鉴权共用的 Bearer Token 配置
type AuthConfig struct {
	Secret       string        `mapstructure:"secret" yaml:"secret"`
	Algorithm    string        `mapstructure:"algorithm" yaml:"algorithm"`
	Issuer       string        `mapstructure:"issuer" yaml:"issuer"`
	Audience     string        `mapstructure:"audience" yaml:"audience"`
	MaxAge       time.Duration `mapstructure:"max_age" yaml:"max_age"`
	AccessExpire time.Duration `mapstructure:"access_expire" yaml:"access_expire"`
	CookieName   string        `mapstructure:"cookie_name" yaml:"cookie_name"`
}

type PresenceConfig struct {
	MaxConnectionsPerUser int `mapstructure:"max_connections_per_user" yaml:"max_connections_per_user"`
	SendBuffer            int `mapstructure:"send_buffer" yaml:"send_buffer"`
	// SignalRate 每个通道每秒允许的客户端信号数
	SignalRate  float64 `mapstructure:"signal_rate" yaml:"signal_rate"`
	SignalBurst int     `mapstructure:"signal_burst" yaml:"signal_burst"`
	// IdleTimeout 超过该时间没有上行数据（含 pong / ping）视为断开
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type FocusConfig struct {
	QuietPeriod time.Duration `mapstructure:"quiet_period" yaml:"quiet_period"`
	Retention   time.Duration `mapstructure:"retention" yaml:"retention"`
}

type WorkerPoolConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// setDefaults 设置所有配置项的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8443")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.node_id", "access-1")
	v.SetDefault("server.node_number", 1)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("quic.max_idle_timeout", 90*time.Second)
	v.SetDefault("quic.keep_alive_period", 30*time.Second)
	v.SetDefault("quic.max_incoming_streams", 100)
	v.SetDefault("quic.max_incoming_uni_streams", 50)
	v.SetDefault("quic.allow_0rtt", false)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.issuer", "im-web")
	v.SetDefault("auth.audience", "im-client")
	v.SetDefault("auth.max_age", 24*time.Hour)
	v.SetDefault("auth.access_expire", time.Hour)
	v.SetDefault("auth.cookie_name", "token")

	v.SetDefault("presence.max_connections_per_user", 10)
	v.SetDefault("presence.send_buffer", 256)
	v.SetDefault("presence.signal_rate", 20)
	v.SetDefault("presence.signal_burst", 40)
	v.SetDefault("presence.idle_timeout", 90*time.Second)

	v.SetDefault("sweeper.interval", 30*time.Second)

	v.SetDefault("focus.quiet_period", 5*time.Minute)
	v.SetDefault("focus.retention", time.Hour)

	v.SetDefault("worker_pool.workers", 32)
	v.SetDefault("worker_pool.queue_size", 4096)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load 从指定路径加载配置，path 为空时只使用默认值与环境变量
// 环境变量前缀 IM_，例如 IM_AUTH_SECRET 覆盖 auth.secret
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv 只对已知 key 生效，secret 没有默认值需要显式绑定
	_ = v.BindEnv("auth.secret")
	_ = v.BindEnv("redis.password")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Redacted 返回隐藏敏感字段后的 YAML，用于启动日志与 config 子命令
func (c *Config) Redacted() (string, error) {
	cp := *c
	if cp.Auth.Secret != "" {
		cp.Auth.Secret = "******"
	}
	if cp.Redis.Password != "" {
		cp.Redis.Password = "******"
	}

	data, err := yaml.Marshal(&cp)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
