package config

import (
	"fmt"

	"github.com/kalambet/lmdesk/internal/inference"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// Set validates value for key and writes it to the settings file.
func (s *Store) Set(key, value string) error {
	spec, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	v, err := spec.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if key == "provider.kind" {
		kind, err := inference.ParseKind(value)
		if err != nil {
			return err
		}
		v = string(kind)
	}
	return s.backend.Set(key, v)
}

// Unset removes key from the settings file so its default applies again.
func (s *Store) Unset(key string) error {
	if _, ok := lookupSpec(key); !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	return s.backend.Delete(key)
}

// Reset removes every key from the settings file.
func (s *Store) Reset() error {
	return s.backend.Clear()
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
