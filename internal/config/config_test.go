package config

import (
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.SampleRate != 48000 || cfg.Channels != 2 || cfg.BitDepth != 16 {
		t.Fatalf("unexpected default audio format: %d/%d/%d", cfg.SampleRate, cfg.Channels, cfg.BitDepth)
	}
}

func TestValidateRejectsBadFormat(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"negative channels", func(c *Config) { c.Channels = -1 }},
		{"unsupported bit depth", func(c *Config) { c.BitDepth = 24 }},
		{"zero start timeout", func(c *Config) { c.StartTimeoutSeconds = 0 }},
		{"zero stop timeout", func(c *Config) { c.StopTimeoutSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
