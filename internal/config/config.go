package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr          = ":8080"
	defaultStoreDriver         = StoreMemory
	defaultDBPath              = "taskd.db"
	defaultResultTTL           = time.Hour
	defaultEvictSchedule       = "@every 1m"
	defaultSubmitBurst         = 20
	defaultServerlessTransport = TransportTCP
	defaultServerlessAddr      = ":7070"
	defaultVsockPort           = 1024
	defaultRedisAddr           = "127.0.0.1:6379"
	defaultAsynqQueue          = "taskd"
	defaultAsynqConcurrency    = 10

	envListenAddr          = "TASKD_LISTEN_ADDR"
	envStoreDriver         = "TASKD_STORE"
	envDBPath              = "TASKD_DB_PATH"
	envLogLevel            = "TASKD_LOG_LEVEL"
	envResultTTL           = "TASKD_RESULT_TTL"
	envEvictSchedule       = "TASKD_EVICT_SCHEDULE"
	envDefaultTimeout      = "TASKD_DEFAULT_TIMEOUT"
	envSubmitRate          = "TASKD_SUBMIT_RATE"
	envSubmitBurst         = "TASKD_SUBMIT_BURST"
	envServerlessTransport = "TASKD_SERVERLESS_TRANSPORT"
	envServerlessAddr      = "TASKD_SERVERLESS_ADDR"
	envVsockPort           = "TASKD_VSOCK_PORT"
	envRedisAddr           = "TASKD_REDIS_ADDR"
	envAsynqQueue          = "TASKD_ASYNQ_QUEUE"
	envAsynqConcurrency    = "TASKD_ASYNQ_CONCURRENCY"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Serverless transports.
const (
	TransportTCP   = "tcp"
	TransportVsock = "vsock"
	TransportAsynq = "asynq"
)

// TaskConfig overrides engine settings for one task kind.
type TaskConfig struct {
	Concurrency int
	Timeout     time.Duration
}

// Config holds application configuration loaded from environment variables
// and, optionally, a config file.
type Config struct {
	ListenAddr  string
	StoreDriver string
	DBPath      string
	LogLevel    slog.Level

	ResultTTL      time.Duration
	EvictSchedule  string
	DefaultTimeout time.Duration

	// SubmitRate is the sustained submissions per second accepted by the API.
	// Zero disables rate limiting.
	SubmitRate  float64
	SubmitBurst int

	ServerlessTransport string
	ServerlessAddr      string
	VsockPort           uint32

	RedisAddr        string
	AsynqQueue       string
	AsynqConcurrency int

	Tasks map[string]TaskConfig
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:          defaultListenAddr,
		StoreDriver:         defaultStoreDriver,
		DBPath:              defaultDBPath,
		LogLevel:            slog.LevelInfo,
		ResultTTL:           defaultResultTTL,
		EvictSchedule:       defaultEvictSchedule,
		SubmitBurst:         defaultSubmitBurst,
		ServerlessTransport: defaultServerlessTransport,
		ServerlessAddr:      defaultServerlessAddr,
		VsockPort:           defaultVsockPort,
		RedisAddr:           defaultRedisAddr,
		AsynqQueue:          defaultAsynqQueue,
		AsynqConcurrency:    defaultAsynqConcurrency,
		Tasks:               make(map[string]TaskConfig),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envStoreDriver); v != "" {
		cfg.StoreDriver = strings.ToLower(v)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envEvictSchedule); v != "" {
		cfg.EvictSchedule = v
	}
	if v := os.Getenv(envServerlessTransport); v != "" {
		cfg.ServerlessTransport = strings.ToLower(v)
	}
	if v := os.Getenv(envServerlessAddr); v != "" {
		cfg.ServerlessAddr = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(envAsynqQueue); v != "" {
		cfg.AsynqQueue = v
	}

	var err error
	if cfg.ResultTTL, err = envDuration(envResultTTL, cfg.ResultTTL); err != nil {
		return cfg, err
	}
	if cfg.DefaultTimeout, err = envDuration(envDefaultTimeout, cfg.DefaultTimeout); err != nil {
		return cfg, err
	}
	if v := os.Getenv(envSubmitRate); v != "" {
		if cfg.SubmitRate, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", envSubmitRate, err)
		}
	}
	if cfg.SubmitBurst, err = envInt(envSubmitBurst, cfg.SubmitBurst); err != nil {
		return cfg, err
	}
	if cfg.AsynqConcurrency, err = envInt(envAsynqConcurrency, cfg.AsynqConcurrency); err != nil {
		return cfg, err
	}
	if v := os.Getenv(envVsockPort); v != "" {
		port, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", envVsockPort, err)
		}
		cfg.VsockPort = uint32(port)
	}

	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	switch c.ServerlessTransport {
	case TransportTCP, TransportVsock, TransportAsynq:
	default:
		return fmt.Errorf("unknown serverless transport %q", c.ServerlessTransport)
	}
	if c.ResultTTL < 0 {
		return fmt.Errorf("result ttl must not be negative")
	}
	if c.SubmitRate < 0 {
		return fmt.Errorf("submit rate must not be negative")
	}
	if c.SubmitRate > 0 && c.SubmitBurst < 1 {
		return fmt.Errorf("submit burst must be at least 1 when rate limiting")
	}
	for kind, tc := range c.Tasks {
		if tc.Concurrency < 0 {
			return fmt.Errorf("tasks.%s.concurrency must not be negative", kind)
		}
		if tc.Timeout < 0 {
			return fmt.Errorf("tasks.%s.timeout must not be negative", kind)
		}
	}
	return nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return parseDurationField(key, v)
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
