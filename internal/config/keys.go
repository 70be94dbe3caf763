package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LMDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "provider.kind", typ: kString, env: "LMDESK_PROVIDER_KIND",
		apply:   func(cfg *Config, v any) { cfg.Provider.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Kind },
	},
	{
		key: "provider.base_url", typ: kString, env: "LMDESK_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Endpoint().BaseURL },
	},
	{
		key: "provider.name", typ: kString, env: "LMDESK_PROVIDER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Provider.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Endpoint().Name },
	},
	{
		key: "chat.model", typ: kString, env: "LMDESK_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Model },
	},
	{
		key: "chat.temperature", typ: kFloat, env: "LMDESK_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Temperature },
	},
	{
		key: "chat.max_tokens", typ: kInt, env: "LMDESK_CHAT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxTokens },
	},
	{
		key: "chat.show_thinking", typ: kBool, env: "LMDESK_CHAT_SHOW_THINKING",
		apply:   func(cfg *Config, v any) { cfg.Chat.ShowThinking = v.(bool) },
		extract: func(cfg Config) any { return cfg.Chat.ShowThinking },
	},
	{
		key: "ocr.model", typ: kString, env: "LMDESK_OCR_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OCR.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.Model },
	},
	{
		key: "ocr.prompt", typ: kString, env: "LMDESK_OCR_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.OCR.Prompt = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.Prompt },
	},
	{
		key: "ocr.requests_per_second", typ: kFloat, env: "LMDESK_OCR_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.OCR.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.OCR.RequestsPerSecond },
	},
	{
		key: "log.level", typ: kString, env: "LMDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "LMDESK_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw into the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := s.parse(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
