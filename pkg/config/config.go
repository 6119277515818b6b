// Package config loads the process configuration once at startup. The
// resulting Config value is immutable by convention: it is passed explicitly
// into constructors and never stored in a package-level variable.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/marionette/pkg/chat"
)

// EndpointKind enumerates the configured adapter kinds.
type EndpointKind string

const (
	KindChat      EndpointKind = "chat"
	KindCaption   EndpointKind = "caption"
	KindEmbedding EndpointKind = "embedding"
)

// Endpoint describes one model-serving endpoint: where it lives, how to
// authenticate, and which modalities it accepts.
type Endpoint struct {
	Kind       EndpointKind    `yaml:"kind"`
	URL        string          `yaml:"url"`
	APIKey     string          `yaml:"api_key"`
	Model      string          `yaml:"model"`
	Modalities []chat.Modality `yaml:"modalities"`
}

// VectorStore describes the optional retrieval backend.
type VectorStore struct {
	Kind     string `yaml:"kind"` // "http" or "sqlite"; empty disables retrieval
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Path     string `yaml:"path"`
	Embedder string `yaml:"embedder"` // endpoint name for the sqlite store's vector leg
	TopK     int    `yaml:"top_k"`
	Required bool   `yaml:"required"`
}

// Enabled reports whether a retrieval store is configured at all.
func (v VectorStore) Enabled() bool { return v.Kind != "" }

// Redis configures the optional Redis Streams fragment transport.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// Log configures the global logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json or auto
}

// Limits bounds per-session resource use.
type Limits struct {
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	HistoryTokenBudget int           `yaml:"history_token_budget"`
	MaxImageBytes      int64         `yaml:"max_image_bytes"`
}

// UnmarshalYAML parses idle_timeout from "60s" style strings and keeps
// defaults for absent fields.
func (l *Limits) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		IdleTimeout        string `yaml:"idle_timeout"`
		HistoryTokenBudget *int   `yaml:"history_token_budget"`
		MaxImageBytes      *int64 `yaml:"max_image_bytes"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.IdleTimeout != "" {
		d, err := time.ParseDuration(aux.IdleTimeout)
		if err != nil {
			return errors.Wrapf(err, "limits: parse idle_timeout %q", aux.IdleTimeout)
		}
		l.IdleTimeout = d
	}
	if aux.HistoryTokenBudget != nil {
		l.HistoryTokenBudget = *aux.HistoryTokenBudget
	}
	if aux.MaxImageBytes != nil {
		l.MaxImageBytes = *aux.MaxImageBytes
	}
	return nil
}

// Config is the full process configuration.
type Config struct {
	Addr            string              `yaml:"addr"`
	Log             Log                 `yaml:"log"`
	SystemPrompt    string              `yaml:"system_prompt"`
	DefaultEndpoint string              `yaml:"default_endpoint"`
	Endpoints       map[string]Endpoint `yaml:"endpoints"`
	VectorStore     VectorStore         `yaml:"vector_store"`
	Redis           Redis               `yaml:"redis"`
	Limits          Limits              `yaml:"limits"`
	ImagesDir       string              `yaml:"images_dir"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr: ":8080",
		Log:  Log{Level: "info", Format: "auto"},
		Redis: Redis{
			Addr:     "localhost:6379",
			Group:    "ui",
			Consumer: "marionette",
		},
		VectorStore: VectorStore{TopK: 4},
		Limits: Limits{
			IdleTimeout:        60 * time.Second,
			HistoryTokenBudget: 4096,
			MaxImageBytes:      8 << 20,
		},
	}
}

// Load reads the YAML file at path (optional), expands ${VAR} references in
// string fields, applies MARIONETTE_* environment overrides and validates
// the result. The returned value is read once and treated as immutable for
// the process lifetime.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MARIONETTE_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	cfg.expandEnv()
	cfg.applyOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} references so credentials can stay out of the
// config file.
func (c *Config) expandEnv() {
	c.Addr = os.ExpandEnv(c.Addr)
	c.VectorStore.URL = os.ExpandEnv(c.VectorStore.URL)
	c.VectorStore.APIKey = os.ExpandEnv(c.VectorStore.APIKey)
	c.VectorStore.Path = os.ExpandEnv(c.VectorStore.Path)
	c.Redis.Addr = os.ExpandEnv(c.Redis.Addr)
	c.ImagesDir = os.ExpandEnv(c.ImagesDir)
	for name, ep := range c.Endpoints {
		ep.URL = os.ExpandEnv(ep.URL)
		ep.APIKey = os.ExpandEnv(ep.APIKey)
		ep.Model = os.ExpandEnv(ep.Model)
		c.Endpoints[name] = ep
	}
}

func (c *Config) applyOverrides() {
	if v := os.Getenv("MARIONETTE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("MARIONETTE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MARIONETTE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("MARIONETTE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("no endpoints configured")
	}
	chatCount := 0
	for name, ep := range c.Endpoints {
		switch ep.Kind {
		case KindChat:
			chatCount++
		case KindCaption, KindEmbedding:
		default:
			return errors.Errorf("endpoint %s: unknown kind %q", name, ep.Kind)
		}
		if ep.URL == "" {
			return errors.Errorf("endpoint %s: url is required", name)
		}
		if ep.Model == "" {
			return errors.Errorf("endpoint %s: model is required", name)
		}
		for _, m := range ep.Modalities {
			if m != chat.ModalityText && m != chat.ModalityImage {
				return errors.Errorf("endpoint %s: unknown modality %q", name, m)
			}
		}
	}
	if chatCount == 0 {
		return errors.New("at least one chat endpoint is required")
	}
	if c.DefaultEndpoint != "" {
		ep, ok := c.Endpoints[c.DefaultEndpoint]
		if !ok {
			return errors.Errorf("default endpoint %q is not configured", c.DefaultEndpoint)
		}
		if ep.Kind != KindChat {
			return errors.Errorf("default endpoint %q is not a chat endpoint", c.DefaultEndpoint)
		}
	}
	switch c.VectorStore.Kind {
	case "", "http", "sqlite":
	default:
		return errors.Errorf("vector store: unknown kind %q", c.VectorStore.Kind)
	}
	if c.VectorStore.Kind == "http" && c.VectorStore.URL == "" {
		return errors.New("vector store: url is required for kind http")
	}
	if c.VectorStore.Kind == "sqlite" && c.VectorStore.Path == "" {
		return errors.New("vector store: path is required for kind sqlite")
	}
	if c.Limits.IdleTimeout <= 0 {
		return errors.New("limits: idle_timeout must be positive")
	}
	if c.Limits.HistoryTokenBudget <= 0 {
		return errors.New("limits: history_token_budget must be positive")
	}
	if c.VectorStore.TopK <= 0 {
		c.VectorStore.TopK = 4
	}
	return nil
}
