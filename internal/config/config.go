package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TICKETCHAT"

type Config struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	OtelEndpoint   string
	SeedTickets    []string
	Log            LogConfig
	Redis          RedisConfig
	Chat           ChatConfig
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type ChatConfig struct {
	TypingTimeout  time.Duration
	JoinTimeout    time.Duration
	ConnectGrace   time.Duration
	MaxBodyLength  int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	SendBuffer     int
	ErrorBurst     int
	ErrorInterval  time.Duration
}

func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		TypingTimeout:  6 * time.Second,
		JoinTimeout:    10 * time.Second,
		ConnectGrace:   30 * time.Second,
		MaxBodyLength:  4000,
		MaxMessageSize: 32 * 1024,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		SendBuffer:     256,
		ErrorBurst:     10,
		ErrorInterval:  time.Second,
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// NewConfig validates the required settings and returns a Config with
// default chat settings.
func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDriver: "postgres",
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		Log:            LogConfig{Level: "info"},
		Chat:           DefaultChatConfig(),
	}, nil
}

func newFlagSet() *pflag.FlagSet {
	d := DefaultChatConfig()
	fs := pflag.NewFlagSet("ticketchat", pflag.ContinueOnError)
	fs.String("config", "", "path to a yaml config file")
	fs.String("addr", "localhost:8000", "server address")
	fs.String("db-driver", "postgres", "database driver (postgres or sqlite)")
	fs.String("dsn", "", "database connection string, or file path for sqlite")
	fs.String("signing-key", "", "base64 encoded token signing key")
	fs.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	fs.String("otel-endpoint", "", "OTLP/HTTP trace endpoint URL")
	fs.StringSlice("seed-ticket", nil, "ticket to register on startup as id:requester[:expert]")
	fs.String("log-level", "info", "log level")
	fs.Bool("log-pretty", false, "human readable console logs")
	fs.String("redis-addr", "", "redis address for the presence mirror")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database")
	fs.Duration("presence-ttl", time.Hour, "expiry of mirrored presence keys")
	fs.Duration("typing-timeout", d.TypingTimeout, "typing indicator expiry")
	fs.Duration("join-timeout", d.JoinTimeout, "deadline for completing a join")
	fs.Duration("connect-grace", d.ConnectGrace, "time a connection may stay unjoined")
	fs.Int("max-body-length", d.MaxBodyLength, "maximum message length in characters")
	fs.Int64("max-message-size", d.MaxMessageSize, "maximum websocket frame size in bytes")
	fs.Duration("write-wait", d.WriteWait, "websocket write deadline")
	fs.Duration("pong-wait", d.PongWait, "websocket pong deadline")
	fs.Int("send-buffer", d.SendBuffer, "per session outbound queue size")
	fs.Int("error-burst", d.ErrorBurst, "protocol errors tolerated in a burst before disconnect")
	fs.Duration("error-interval", d.ErrorInterval, "refill interval of the protocol error budget")
	return fs
}

// Load builds the configuration from command line flags, an optional yaml
// file and TICKETCHAT_* environment variables, in increasing precedence of
// file, environment, flags.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg, err := NewConfig(v.GetString("addr"), v.GetString("dsn"), v.GetString("signing-key"), stringList(v, "allowed-origins"))
	if err != nil {
		return nil, err
	}

	cfg.DatabaseDriver = v.GetString("db-driver")
	cfg.OtelEndpoint = v.GetString("otel-endpoint")
	cfg.SeedTickets = stringList(v, "seed-ticket")
	cfg.Log = LogConfig{
		Level:  v.GetString("log-level"),
		Pretty: v.GetBool("log-pretty"),
	}
	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis-addr"),
		Password: v.GetString("redis-password"),
		DB:       v.GetInt("redis-db"),
		TTL:      v.GetDuration("presence-ttl"),
	}
	cfg.Chat = ChatConfig{
		TypingTimeout:  v.GetDuration("typing-timeout"),
		JoinTimeout:    v.GetDuration("join-timeout"),
		ConnectGrace:   v.GetDuration("connect-grace"),
		MaxBodyLength:  v.GetInt("max-body-length"),
		MaxMessageSize: v.GetInt64("max-message-size"),
		WriteWait:      v.GetDuration("write-wait"),
		PongWait:       v.GetDuration("pong-wait"),
		SendBuffer:     v.GetInt("send-buffer"),
		ErrorBurst:     v.GetInt("error-burst"),
		ErrorInterval:  v.GetDuration("error-interval"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stringList reads a list that may come from a flag, a yaml sequence or a
// comma separated environment variable.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}

	for _, s := range c.SeedTickets {
		if _, _, _, err := ParseSeedTicket(s); err != nil {
			return err
		}
	}

	ch := c.Chat
	if ch.TypingTimeout <= 0 || ch.JoinTimeout <= 0 || ch.ConnectGrace <= 0 {
		return errors.New("chat timeouts must be positive")
	}
	if ch.MaxBodyLength <= 0 {
		return errors.New("max body length must be positive")
	}
	if ch.SendBuffer <= 0 || ch.ErrorBurst <= 0 {
		return errors.New("send buffer and error burst must be positive")
	}
	return nil
}

// ParseSeedTicket splits "id:requester[:expert]".
func ParseSeedTicket(s string) (id, requester, expert string, err error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid seed ticket %q", s)
	}
	if len(parts) == 3 {
		expert = parts[2]
	}
	return parts[0], parts[1], expert, nil
}
