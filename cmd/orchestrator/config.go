package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all orchestrator settings.
// Priority: env vars (ORCH_*) > config file > defaults.
type Config struct {
	DBPath          string        `mapstructure:"db_path"`
	DefinitionsDir  string        `mapstructure:"definitions_dir"`
	LogLevel        string        `mapstructure:"log_level"`
	PoolSize        int           `mapstructure:"pool_size"`
	TriggerInterval time.Duration `mapstructure:"trigger_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

func orchestratorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestrator"
	}
	return filepath.Join(home, ".orchestrator")
}

func loadConfig(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(orchestratorDir())
	}

	v.SetDefault("db_path", filepath.Join(orchestratorDir(), "orchestrator.db"))
	v.SetDefault("definitions_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("pool_size", 10)
	v.SetDefault("trigger_interval", time.Minute)
	v.SetDefault("sweep_interval", 5*time.Second)

	v.SetEnvPrefix("ORCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return cfg, nil
}
