package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read from the environment (optionally via .env).
type Config struct {
	Port             string
	JWTSecret        string
	FanoutURL        string
	FanoutSubject    string
	NATSUser         string
	NATSPass         string
	AllowedOrigins   []string
	LogLevel         string
	LogFormat        string
	PublishQueueSize int
	SendBufferSize   int
	OTelEnabled      bool
	ConnectAttempts  int
	ConnectWait      time.Duration
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:            envOrDefault("PORT", "3004"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		FanoutURL:       envOrDefault("FANOUT_URL", "nats://localhost:4222"),
		FanoutSubject:   envOrDefault("FANOUT_SUBJECT", "margwa.realtime.fanout"),
		NATSUser:        os.Getenv("NATS_USER"),
		NATSPass:        os.Getenv("NATS_PASS"),
		AllowedOrigins:  splitList(envOrDefault("CORS_ORIGIN", "*")),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ConnectAttempts: 30,
		ConnectWait:     2 * time.Second,
	}

	var err error
	if cfg.PublishQueueSize, err = envInt("PUBLISH_QUEUE_SIZE", 1024); err != nil {
		return Config{}, err
	}
	if cfg.SendBufferSize, err = envInt("SEND_BUFFER_SIZE", 256); err != nil {
		return Config{}, err
	}
	if cfg.OTelEnabled, err = envBool("OTEL_ENABLED", false); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT %q is not a number", c.Port))
	}
	if u, err := url.Parse(c.FanoutURL); err != nil {
		errs = append(errs, fmt.Errorf("FANOUT_URL: %w", err))
	} else {
		switch u.Scheme {
		case "nats", "tls", "redis", "rediss", "memory":
		default:
			errs = append(errs, fmt.Errorf("FANOUT_URL scheme %q is not one of nats, tls, redis, rediss, memory", u.Scheme))
		}
	}
	if c.FanoutSubject == "" {
		errs = append(errs, errors.New("FANOUT_SUBJECT must not be empty"))
	}
	if c.PublishQueueSize <= 0 {
		errs = append(errs, errors.New("PUBLISH_QUEUE_SIZE must be positive"))
	}
	if c.SendBufferSize <= 0 {
		errs = append(errs, errors.New("SEND_BUFFER_SIZE must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not json or text", c.LogFormat))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("LOG_LEVEL %q is not debug, info, warn or error", s)
	}
}

func setupLogger(cfg Config) *slog.Logger {
	level, _ := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", "realtime-service")
	slog.SetDefault(logger)
	return logger
}

// redactURL hides credentials embedded in a broker URL before logging it.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
