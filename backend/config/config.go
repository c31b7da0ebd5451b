// Package config collects relay settings from command line flags.
// Flag defaults are taken from RELAY_* environment variables, which may be
// provided by a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const envPrefix = "RELAY_"

var ErrInvalidValue = errors.New("invalid config value")

type Config struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      string

	SendQueueSize     int
	MaxFrameSize      int64
	MaxMessageLength  int
	MaxNameLength     int
	MaxRoomMembers    int
	TimeLayout        string
	RateLimitBurst    int
	RateLimitInterval time.Duration
}

// LoadEnvFile populates process environment from .env style files.
// Missing files are ignored, variables already set are not overridden.
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load env file %s: %w", p, err)
		}
	}
	return nil
}

// Parse builds config from args (without program name). lookupEnv is
// usually os.LookupEnv.
func Parse(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	env := &envReader{lookup: lookupEnv}

	wsDefault := ":8888"
	if port, ok := lookupEnv("PORT"); ok && port != "" {
		wsDefault = ":" + port
	}

	var (
		cfg   = &Config{}
		flags = pflag.NewFlagSet("relay", pflag.ContinueOnError)
	)
	flags.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a",
		env.str("API_LISTEN_ADDR", ":8080"), "api listen address")
	flags.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w",
		env.str("WS_LISTEN_ADDR", wsDefault), "websocket signaling listen address")
	flags.StringVarP(&cfg.LogLevel, "log-level", "l",
		env.str("LOG_LEVEL", "info"), "log level")
	flags.IntVar(&cfg.SendQueueSize, "send-queue-size",
		env.int("SEND_QUEUE_SIZE", 64), "per-connection outbound queue size, slower clients are disconnected")
	flags.Int64Var(&cfg.MaxFrameSize, "max-frame-size",
		int64(env.int("MAX_FRAME_SIZE", 9000)), "max inbound websocket frame size in bytes")
	flags.IntVar(&cfg.MaxMessageLength, "max-message-length",
		env.int("MAX_MESSAGE_LENGTH", 2000), "max chat message length in characters")
	flags.IntVar(&cfg.MaxNameLength, "max-name-length",
		env.int("MAX_NAME_LENGTH", 64), "max username length in characters")
	flags.IntVar(&cfg.MaxRoomMembers, "max-room-members",
		env.int("MAX_ROOM_MEMBERS", 0), "max members per room, 0 means unlimited")
	flags.StringVar(&cfg.TimeLayout, "time-layout",
		env.str("TIME_LAYOUT", "15:04"), "layout of chat message timestamps")
	flags.IntVar(&cfg.RateLimitBurst, "rate-limit-burst",
		env.int("RATE_LIMIT_BURST", 20), "inbound commands allowed per rate limit interval")
	flags.DurationVar(&cfg.RateLimitInterval, "rate-limit-interval",
		env.duration("RATE_LIMIT_INTERVAL", time.Second), "inbound rate limit interval")

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	var errs []error
	positive := map[string]int64{
		"send-queue-size":     int64(cfg.SendQueueSize),
		"max-frame-size":      cfg.MaxFrameSize,
		"max-message-length":  int64(cfg.MaxMessageLength),
		"max-name-length":     int64(cfg.MaxNameLength),
		"rate-limit-burst":    int64(cfg.RateLimitBurst),
		"rate-limit-interval": int64(cfg.RateLimitInterval),
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalidValue, name))
		}
	}
	if cfg.MaxRoomMembers < 0 {
		errs = append(errs, fmt.Errorf("%w: max-room-members must not be negative", ErrInvalidValue))
	}
	if cfg.TimeLayout == "" {
		errs = append(errs, fmt.Errorf("%w: time-layout is empty", ErrInvalidValue))
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v, ok := e.lookup(envPrefix + key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s%s: %w", ErrInvalidValue, envPrefix, key, err))
		return def
	}
	return n
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(envPrefix + key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s%s: %w", ErrInvalidValue, envPrefix, key, err))
		return def
	}
	return d
}

