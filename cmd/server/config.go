package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/services"
	"github.com/MegaGrindStone/atlas-chat/internal/session"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort = "8080"

	pipelineURLEnv = "ATLAS_PIPELINE_URL"
	apiKeyEnv      = "ATLAS_API_KEY"
)

type config struct {
	Port     string         `yaml:"port"`
	LogLevel string         `yaml:"logLevel"`
	Pipeline pipelineConfig `yaml:"pipeline"`
	Session  sessionConfig  `yaml:"session"`
}

type pipelineConfig struct {
	BaseURL    string `yaml:"baseURL"`
	StreamPath string `yaml:"streamPath"`
	ThreadPath string `yaml:"threadPath"`
	APIKey     string `yaml:"apiKey"`
}

type sessionConfig struct {
	FirstByteTimeout time.Duration `yaml:"firstByteTimeout"`
	FlushInterval    time.Duration `yaml:"flushInterval"`
}

// loadConfig decodes the YAML configuration from r. An empty document is valid; every missing value
// falls back to its environment variable or default.
func loadConfig(r io.Reader) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.Pipeline.BaseURL == "" {
		cfg.Pipeline.BaseURL = os.Getenv(pipelineURLEnv)
	}
	if cfg.Pipeline.APIKey == "" {
		cfg.Pipeline.APIKey = os.Getenv(apiKeyEnv)
	}

	if cfg.Pipeline.BaseURL == "" {
		return config{}, fmt.Errorf("pipeline baseURL is required, set it in the config file or %s", pipelineURLEnv)
	}
	if cfg.Session.FirstByteTimeout < 0 || cfg.Session.FlushInterval < 0 {
		return config{}, fmt.Errorf("session durations must not be negative")
	}

	return cfg, nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (p pipelineConfig) pipeline(logger *slog.Logger) services.Pipeline {
	opts := []services.PipelineOption{
		services.WithPaths(p.StreamPath, p.ThreadPath),
	}
	if p.APIKey != "" {
		opts = append(opts, services.WithAPIKey(p.APIKey))
	}
	return services.NewPipeline(p.BaseURL, logger, opts...)
}

func (s sessionConfig) options() session.Options {
	return session.Options{
		FirstByteTimeout: s.FirstByteTimeout,
		FlushInterval:    s.FlushInterval,
	}
}
