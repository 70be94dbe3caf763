// Package config loads lmdesk settings from defaults, a TOML file, an
// optional .env file and LMDESK_* environment variables, in that order.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/kalambet/lmdesk/internal/inference"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Chat     ChatConfig
	OCR      OCRConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type ProviderConfig struct {
	Kind    string
	BaseURL string
	Name    string
}

type ChatConfig struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	ShowThinking bool
}

type OCRConfig struct {
	Model             string
	Prompt            string
	RequestsPerSecond float64
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 4100},
		Provider: ProviderConfig{Kind: string(inference.KindVLLM)},
		Chat:     ChatConfig{Temperature: 0.7},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Endpoint returns the configured provider, filling unset fields from the
// kind's local default.
func (c Config) Endpoint() inference.Endpoint {
	kind, err := inference.ParseKind(c.Provider.Kind)
	if err != nil {
		kind = inference.KindVLLM
	}
	ep := inference.DefaultEndpoint(kind)
	if c.Provider.BaseURL != "" {
		ep.BaseURL = c.Provider.BaseURL
	}
	if c.Provider.Name != "" {
		ep.Name = c.Provider.Name
	}
	return ep
}

// Store is the settings store handed to commands. It owns the file backend
// and the environment lookup.
type Store struct {
	backend    ConfigBackend
	dotenvPath string
	lookupEnv  func(string) (string, bool)
}

// NewStore creates a Store backed by the TOML file at path.
func NewStore(path string) *Store {
	return &Store{
		backend:    newFileBackend(path),
		dotenvPath: ".env",
		lookupEnv:  os.LookupEnv,
	}
}

// DefaultStore uses $XDG_CONFIG_HOME/lmdesk/config.toml.
func DefaultStore() *Store {
	return NewStore(configFilePath())
}

// Path returns the settings file location.
func (s *Store) Path() string {
	if fb, ok := s.backend.(*fileBackend); ok {
		return fb.path
	}
	return ""
}

// Load reads configuration from the default store.
func Load() (Config, error) {
	return DefaultStore().Load()
}

// Load builds the effective configuration. Environment variables (LMDESK_*)
// override file values; variables missing from the environment are looked up
// in the .env file of the working directory.
func (s *Store) Load() (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, s.backend); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg, s.env())

	if _, err := inference.ParseKind(cfg.Provider.Kind); err != nil {
		return Config{}, fmt.Errorf("provider.kind: %w", err)
	}
	return cfg, nil
}

func (s *Store) env() func(string) string {
	dotenv := map[string]string{}
	if s.dotenvPath != "" {
		if m, err := godotenv.Read(s.dotenvPath); err == nil {
			dotenv = m
		} else if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read %s: %v. Ignoring it.\n", s.dotenvPath, err)
		}
	}
	return func(key string) string {
		if v, ok := s.lookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}
}
