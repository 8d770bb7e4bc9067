package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	DB        DBConfig        `koanf:"db"`
	Providers ProvidersConfig `koanf:"providers"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Capture   CaptureConfig   `koanf:"capture"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// ShutdownGrace is how long in-flight handlers may run after a shutdown
	// signal before being force-closed.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
}

type DBConfig struct {
	Path string `koanf:"path"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `koanf:"openai"`
	Anthropic ProviderConfig `koanf:"anthropic"`
	Ollama    ProviderConfig `koanf:"ollama"`

	// Passthrough has no default upstream; requests that classify as
	// passthrough fail 502 unless a URL is configured here.
	Passthrough ProviderConfig `koanf:"passthrough"`
}

type ProviderConfig struct {
	URL string `koanf:"url"`
}

type UpstreamConfig struct {
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	// IdleTimeout bounds the gap between upstream bytes; streams may run
	// far longer than this in total.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// MaxDuration is the overall hard cap on one upstream exchange.
	// Zero means no cap.
	MaxDuration time.Duration `koanf:"max_duration"`
}

type CaptureConfig struct {
	// Redact controls header redaction for stored interactions. The bytes
	// forwarded upstream are never redacted.
	Redact bool `koanf:"redact"`

	// RedactBody additionally rewrites known secret fields in stored
	// request bodies.
	RedactBody bool `koanf:"redact_body"`

	// StoreChunks controls persistence of individual stream chunks.
	StoreChunks bool `koanf:"store_chunks"`
}

type LogConfig struct {
	Verbose bool `koanf:"verbose"`
	Quiet   bool `koanf:"quiet"`
}

// Load reads configuration from an optional YAML file overlaid by
// INTERCEPTOR_-prefixed environment variables. Nested keys use double
// underscores: INTERCEPTOR_SERVER__PORT=9090.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars and defaults
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("INTERCEPTOR_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "INTERCEPTOR_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.host":              "127.0.0.1",
		"server.port":              8080,
		"server.shutdown_grace":    "30s",
		"db.path":                  "interceptor.db",
		"providers.openai.url":     "https://api.openai.com",
		"providers.anthropic.url":  "https://api.anthropic.com",
		"providers.ollama.url":     "http://localhost:11434",
		"upstream.connect_timeout": "30s",
		"upstream.idle_timeout":    "120s",
		"capture.redact":           true,
		"capture.store_chunks":     true,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

// UpstreamFor returns the configured base URL for a provider name, or ""
// when none is configured.
func (c *Config) UpstreamFor(provider string) string {
	switch provider {
	case "openai":
		return c.Providers.OpenAI.URL
	case "anthropic":
		return c.Providers.Anthropic.URL
	case "ollama":
		return c.Providers.Ollama.URL
	case "passthrough":
		return c.Providers.Passthrough.URL
	}
	return ""
}
