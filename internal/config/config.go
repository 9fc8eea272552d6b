package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Log       LogConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Sink      SinkConfig
	Shutdown  ShutdownConfig
	Forward   ForwardConfig
	Exchanges map[string]ExchangeConfig
}

// LogConfig defines the logger settings.
type LogConfig struct {
	Level string
}

// ServerConfig defines the downstream HTTP/websocket server.
type ServerConfig struct {
	Address      string
	WriteBuffer  int           `mapstructure:"write_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

// SinkConfig defines the asynchronous persistence settings.
type SinkConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// ShutdownConfig bounds the whole teardown sequence.
type ShutdownConfig struct {
	Timeout time.Duration
}

// ForwardConfig defines optional mirrors of published trades.
type ForwardConfig struct {
	Redis RedisForwardConfig
	Kafka KafkaForwardConfig
}

// RedisForwardConfig mirrors trades into one redis stream per pair.
type RedisForwardConfig struct {
	Enabled      bool
	Addr         string
	StreamPrefix string `mapstructure:"stream_prefix"`
	MaxLen       int64  `mapstructure:"max_len"`
}

// KafkaForwardConfig mirrors trades into a kafka topic keyed by pair.
type KafkaForwardConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	WSFeed      string        `mapstructure:"ws_feed"`
	RestAPI     string        `mapstructure:"rest_api"`
	Currency    []string      `mapstructure:"currency"`
	Channels    []string      `mapstructure:"channels"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// ConfigurationError reports an exchange that cannot be started with its configuration.
type ConfigurationError struct {
	Exchange string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Exchange == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: exchange %s: %s", e.Exchange, e.Reason)
}

// Validate checks that the exchange has a feed address and at least one instrument.
func (e ExchangeConfig) Validate(name string) error {
	if strings.TrimSpace(e.WSFeed) == "" {
		return &ConfigurationError{Exchange: name, Reason: "no websocket feed provided"}
	}
	for _, c := range e.Currency {
		if strings.TrimSpace(c) != "" {
			return nil
		}
	}
	return &ConfigurationError{Exchange: name, Reason: "no currencies provided"}
}

// Instruments returns the configured currency pairs, trimmed, upper-cased and without duplicates.
func (e ExchangeConfig) Instruments() []string {
	seen := make(map[string]struct{}, len(e.Currency))
	out := make([]string, 0, len(e.Currency))
	for _, c := range e.Currency {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.write_buffer", 64)
	v.SetDefault("server.write_timeout", 5*time.Second)
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("sink.buffer_size", 4096)
	v.SetDefault("sink.write_timeout", 5*time.Second)
	v.SetDefault("sink.flush_timeout", 10*time.Second)
	v.SetDefault("shutdown.timeout", 15*time.Second)
	v.SetDefault("forward.redis.stream_prefix", "trades")
	v.SetDefault("forward.redis.max_len", 10000)
	v.SetDefault("forward.kafka.topic", "trades")
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}
