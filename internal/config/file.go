package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "TASKD_CONFIG"

var defaultConfigFilenames = []string{
	"taskd.yaml",
	"taskd.yml",
	"taskd.toml",
}

// FileConfig mirrors Config for YAML and TOML files. Durations are strings in
// time.ParseDuration syntax. Unset fields leave the env-derived value alone.
type FileConfig struct {
	ListenAddr string                    `yaml:"listen_addr" toml:"listen_addr"`
	LogLevel   string                    `yaml:"log_level" toml:"log_level"`
	Store      StoreFileConfig           `yaml:"store" toml:"store"`
	Engine     EngineFileConfig          `yaml:"engine" toml:"engine"`
	API        APIFileConfig             `yaml:"api" toml:"api"`
	Serverless ServerlessFileConfig      `yaml:"serverless" toml:"serverless"`
	Asynq      AsynqFileConfig           `yaml:"asynq" toml:"asynq"`
	Tasks      map[string]TaskFileConfig `yaml:"tasks" toml:"tasks"`
}

type StoreFileConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

type EngineFileConfig struct {
	ResultTTL      string `yaml:"result_ttl" toml:"result_ttl"`
	EvictSchedule  string `yaml:"evict_schedule" toml:"evict_schedule"`
	DefaultTimeout string `yaml:"default_timeout" toml:"default_timeout"`
}

type APIFileConfig struct {
	SubmitRate  *float64 `yaml:"submit_rate" toml:"submit_rate"`
	SubmitBurst *int     `yaml:"submit_burst" toml:"submit_burst"`
}

type ServerlessFileConfig struct {
	Transport string  `yaml:"transport" toml:"transport"`
	Addr      string  `yaml:"addr" toml:"addr"`
	VsockPort *uint32 `yaml:"vsock_port" toml:"vsock_port"`
}

type AsynqFileConfig struct {
	RedisAddr   string `yaml:"redis_addr" toml:"redis_addr"`
	Queue       string `yaml:"queue" toml:"queue"`
	Concurrency *int   `yaml:"concurrency" toml:"concurrency"`
}

type TaskFileConfig struct {
	Concurrency *int   `yaml:"concurrency" toml:"concurrency"`
	Timeout     string `yaml:"timeout" toml:"timeout"`
}

// ResolveConfigPath picks the config file from --config, TASKD_CONFIG, or a
// default filename in the working directory. It returns "" when none applies.
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv(envConfigPath); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

// LoadFileConfig parses path by extension. An empty path yields nil.
func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

// ApplyFileConfig merges fileCfg over cfg.
func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.ListenAddr != "" {
		cfg.ListenAddr = fileCfg.ListenAddr
	}
	if fileCfg.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fileCfg.LogLevel)
	}

	if fileCfg.Store.Driver != "" {
		cfg.StoreDriver = strings.ToLower(fileCfg.Store.Driver)
	}
	if fileCfg.Store.Path != "" {
		cfg.DBPath = fileCfg.Store.Path
	}

	if err := applyDuration(&cfg.ResultTTL, "engine.result_ttl", fileCfg.Engine.ResultTTL); err != nil {
		return err
	}
	if err := applyDuration(&cfg.DefaultTimeout, "engine.default_timeout", fileCfg.Engine.DefaultTimeout); err != nil {
		return err
	}
	if fileCfg.Engine.EvictSchedule != "" {
		cfg.EvictSchedule = fileCfg.Engine.EvictSchedule
	}

	if fileCfg.API.SubmitRate != nil {
		cfg.SubmitRate = *fileCfg.API.SubmitRate
	}
	if fileCfg.API.SubmitBurst != nil {
		cfg.SubmitBurst = *fileCfg.API.SubmitBurst
	}

	if fileCfg.Serverless.Transport != "" {
		cfg.ServerlessTransport = strings.ToLower(fileCfg.Serverless.Transport)
	}
	if fileCfg.Serverless.Addr != "" {
		cfg.ServerlessAddr = fileCfg.Serverless.Addr
	}
	if fileCfg.Serverless.VsockPort != nil {
		cfg.VsockPort = *fileCfg.Serverless.VsockPort
	}

	if fileCfg.Asynq.RedisAddr != "" {
		cfg.RedisAddr = fileCfg.Asynq.RedisAddr
	}
	if fileCfg.Asynq.Queue != "" {
		cfg.AsynqQueue = fileCfg.Asynq.Queue
	}
	if fileCfg.Asynq.Concurrency != nil {
		cfg.AsynqConcurrency = *fileCfg.Asynq.Concurrency
	}

	if len(fileCfg.Tasks) > 0 && cfg.Tasks == nil {
		cfg.Tasks = make(map[string]TaskConfig, len(fileCfg.Tasks))
	}
	for kind, tf := range fileCfg.Tasks {
		tc := cfg.Tasks[kind]
		if tf.Concurrency != nil {
			tc.Concurrency = *tf.Concurrency
		}
		if err := applyDuration(&tc.Timeout, "tasks."+kind+".timeout", tf.Timeout); err != nil {
			return err
		}
		cfg.Tasks[kind] = tc
	}

	return nil
}

func applyDuration(dst *time.Duration, field, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := parseDurationField(field, value)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if value, ok := strings.CutPrefix(arg, "--config="); ok {
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
