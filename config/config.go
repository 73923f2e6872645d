package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig carries the knobs shared by every command.
type GlobalConfig struct {
	Timeout       string `json:"timeout" yaml:"timeout"`
	LogLevel      string `json:"log-level" yaml:"log-level"`
	LogFormat     string `json:"log-format" yaml:"log-format"`
	LogOutput     string `json:"log-output" yaml:"log-output"`
	MetricsAddr   string `json:"metrics-addr,omitempty" yaml:"metrics-addr"`
	RelayInterval string `json:"relay-interval" yaml:"relay-interval"`
	Workers       int    `json:"workers" yaml:"workers"`
	MaxGroupSize  int    `json:"max-group-size" yaml:"max-group-size"`
}

// ChainEntry is one registered chain: a module type tag plus the module's
// own configuration blob.
type ChainEntry struct {
	Type   string          `json:"type" yaml:"type"`
	Config json.RawMessage `json:"config" yaml:"config"`
}

type Config struct {
	Global GlobalConfig `json:"global" yaml:"global"`
	Chains []ChainEntry `json:"chains" yaml:"chains"`

	// path of the file the config was loaded from
	ConfigPath string `json:"-" yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Global: GlobalConfig{
			Timeout:       "10s",
			LogLevel:      "INFO",
			LogFormat:     "json",
			LogOutput:     "stderr",
			RelayInterval: "3s",
			Workers:       4,
			MaxGroupSize:  100,
		},
		Chains: []ChainEntry{},
	}
}

func (c GlobalConfig) GetTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Timeout)
}

func (c GlobalConfig) GetRelayInterval() (time.Duration, error) {
	return time.ParseDuration(c.RelayInterval)
}

// ConfigPathOf returns the config file location under home.
func ConfigPathOf(home string) string {
	return filepath.Join(home, "config", "config.json")
}

// Load reads the config under home. A missing file yields the defaults.
func Load(home string) (Config, error) {
	cfgPath := ConfigPathOf(home)
	cfg := DefaultConfig()
	cfg.ConfigPath = cfgPath

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	// decode from the raw file rather than viper's map so the chain
	// entries keep their untouched JSON blobs
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", cfgPath, err)
	}
	cfg.ConfigPath = cfgPath
	return cfg, nil
}

// Save writes the config back to its file, creating the directory on first
// use.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.ConfigPath), os.ModePerm); err != nil {
		return err
	}
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, out, 0o600)
}
