package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	// SignalAddr is the listen address of the local signaling relay.
	SignalAddr string `mapstructure:"signal_addr"`
	// HelperPath is the path to the native audio-capture helper binary.
	HelperPath string `mapstructure:"helper_path"`

	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
	BitDepth   int `mapstructure:"bit_depth"`

	// StartTimeoutSeconds bounds the wait for the helper's stream-started
	// signal; StopTimeoutSeconds bounds the graceful-exit wait before the
	// helper is force-killed.
	StartTimeoutSeconds int `mapstructure:"start_timeout_seconds"`
	StopTimeoutSeconds  int `mapstructure:"stop_timeout_seconds"`

	ICEServers []string `mapstructure:"ice_servers"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		SignalAddr:          "127.0.0.1:8080",
		HelperPath:          "AudioStreamer",
		SampleRate:          48000,
		Channels:            2,
		BitDepth:            16,
		StartTimeoutSeconds: 10,
		StopTimeoutSeconds:  5,
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("companion")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SONICAST")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("signal_addr", cfg.SignalAddr)
	viper.Set("helper_path", cfg.HelperPath)
	viper.Set("sample_rate", cfg.SampleRate)
	viper.Set("channels", cfg.Channels)
	viper.Set("bit_depth", cfg.BitDepth)
	viper.Set("start_timeout_seconds", cfg.StartTimeoutSeconds)
	viper.Set("stop_timeout_seconds", cfg.StopTimeoutSeconds)
	viper.Set("ice_servers", cfg.ICEServers)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "companion.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("config: channels must be positive, got %d", c.Channels)
	}
	if c.BitDepth != 16 {
		return fmt.Errorf("config: only 16-bit PCM is supported, got %d", c.BitDepth)
	}
	if c.StartTimeoutSeconds <= 0 || c.StopTimeoutSeconds <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Sonicast")
	case "darwin":
		return "/Library/Application Support/Sonicast"
	default:
		return "/etc/sonicast"
	}
}
