// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Sumo struct {
	Mode          string        `mapstructure:"mode"` // "synthetic" or "sumo"
	Addr          string        `mapstructure:"addr"`
	TrafficLight  string        `mapstructure:"traffic_light"`
	ConnectRetry  int           `mapstructure:"connect_retry"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	SyntheticSeed int64         `mapstructure:"synthetic_seed"`
}

type Controller struct {
	DecisionCycle   int `mapstructure:"decision_cycle"`
	MinGreen        int `mapstructure:"min_green"`
	MaxGreen        int `mapstructure:"max_green"`
	GapOutThreshold int `mapstructure:"gap_out_threshold"`
	MaxRedTime      int `mapstructure:"max_red_time"`
}

type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type Memory struct {
	Backend         string        `mapstructure:"backend"` // "file" or "redis"
	Path            string        `mapstructure:"path"`
	RedisKey        string        `mapstructure:"redis_key"`
	MaxRecords      int           `mapstructure:"max_records"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	CompactSchedule string        `mapstructure:"compact_schedule"`
}

type API struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ControlRateLimit float64       `mapstructure:"control_rate_limit"`
	ControlBurst     int           `mapstructure:"control_burst"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
}

type DecisionLog struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Sumo          Sumo          `mapstructure:"sumo"`
	Controller    Controller    `mapstructure:"controller"`
	Redis         Redis         `mapstructure:"redis"`
	Memory        Memory        `mapstructure:"memory"`
	API           API           `mapstructure:"api"`
	DecisionLog   DecisionLog   `mapstructure:"decision_log"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Sumo: Sumo{
			Mode:         "synthetic",
			Addr:         "localhost:8813",
			TrafficLight: "center",
			ConnectRetry: 3,
			StepTimeout:  2 * time.Second,
		},
		Controller: Controller{
			DecisionCycle:   5,
			MinGreen:        10,
			MaxGreen:        60,
			GapOutThreshold: 3,
			MaxRedTime:      90,
		},
		Redis: Redis{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		Memory: Memory{
			Backend:         "file",
			Path:            "data/memory.json",
			RedisKey:        "signalctl:memory",
			MaxRecords:      10000,
			MaxAge:          2 * time.Hour,
			CompactSchedule: "@every 15m",
		},
		API: API{
			ListenAddr:       ":8000",
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     10 * time.Second,
			ControlRateLimit: 5,
			ControlBurst:     10,
			AllowedOrigins:   []string{"*"},
		},
		DecisionLog: DecisionLog{
			Enabled:    true,
			Path:       "data/decisions.jsonl",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("sumo.mode", def.Sumo.Mode)
	v.SetDefault("sumo.addr", def.Sumo.Addr)
	v.SetDefault("sumo.traffic_light", def.Sumo.TrafficLight)
	v.SetDefault("sumo.connect_retry", def.Sumo.ConnectRetry)
	v.SetDefault("sumo.step_timeout", def.Sumo.StepTimeout)
	v.SetDefault("sumo.synthetic_seed", def.Sumo.SyntheticSeed)

	v.SetDefault("controller.decision_cycle", def.Controller.DecisionCycle)
	v.SetDefault("controller.min_green", def.Controller.MinGreen)
	v.SetDefault("controller.max_green", def.Controller.MaxGreen)
	v.SetDefault("controller.gap_out_threshold", def.Controller.GapOutThreshold)
	v.SetDefault("controller.max_red_time", def.Controller.MaxRedTime)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("memory.backend", def.Memory.Backend)
	v.SetDefault("memory.path", def.Memory.Path)
	v.SetDefault("memory.redis_key", def.Memory.RedisKey)
	v.SetDefault("memory.max_records", def.Memory.MaxRecords)
	v.SetDefault("memory.max_age", def.Memory.MaxAge)
	v.SetDefault("memory.compact_schedule", def.Memory.CompactSchedule)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.control_rate_limit", def.API.ControlRateLimit)
	v.SetDefault("api.control_burst", def.API.ControlBurst)
	v.SetDefault("api.allowed_origins", def.API.AllowedOrigins)

	v.SetDefault("decision_log.enabled", def.DecisionLog.Enabled)
	v.SetDefault("decision_log.path", def.DecisionLog.Path)
	v.SetDefault("decision_log.max_size_mb", def.DecisionLog.MaxSizeMB)
	v.SetDefault("decision_log.max_backups", def.DecisionLog.MaxBackups)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	switch cfg.Sumo.Mode {
	case "synthetic", "sumo":
	default:
		return fmt.Errorf("sumo.mode must be synthetic or sumo")
	}
	if cfg.Controller.DecisionCycle < 1 {
		return fmt.Errorf("controller.decision_cycle must be >= 1")
	}
	if cfg.Controller.MinGreen < 1 || cfg.Controller.MaxGreen < cfg.Controller.MinGreen {
		return fmt.Errorf("controller green bounds must satisfy 1 <= min_green <= max_green")
	}
	if cfg.Controller.GapOutThreshold < 1 {
		return fmt.Errorf("controller.gap_out_threshold must be >= 1")
	}
	if cfg.Controller.MaxRedTime <= cfg.Controller.MaxGreen {
		return fmt.Errorf("controller.max_red_time must exceed max_green")
	}
	switch cfg.Memory.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("memory.backend must be file or redis")
	}
	if cfg.Memory.Backend == "file" && cfg.Memory.Path == "" {
		return fmt.Errorf("memory.path must be set for file backend")
	}
	if cfg.Memory.MaxRecords < 0 {
		return fmt.Errorf("memory.max_records must be >= 0")
	}
	if cfg.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr must be set")
	}
	if cfg.API.ControlRateLimit <= 0 || cfg.API.ControlBurst < 1 {
		return fmt.Errorf("api control rate limit must be positive")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
