package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pelletier/go-toml/v2"
)

// ConfigBackend abstracts persistent config storage. Keys are dotted
// "section.name" pairs.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	Set(key string, val any) error
	Delete(key string) error
	Clear() error
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "lmdesk", "config.toml")
}

// fileBackend stores config as TOML tables, one per section. Writes hold an
// advisory lock and re-read the file first so concurrent writers do not drop
// each other's keys.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path}
	b.data = b.read()
	return b
}

func (b *fileBackend) read() map[string]any {
	data := make(map[string]any)
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return data
	}
	if err := toml.Unmarshal(raw, &data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		return make(map[string]any)
	}
	return data
}

func (b *fileBackend) lookup(key string) (any, bool) {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		v, ok := b.data[key]
		return v, ok
	}
	tbl, ok := b.data[section].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := tbl[name]
	return v, ok
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), true, nil
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int64:
		return int(val), true, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

func (b *fileBackend) Set(key string, val any) error {
	return b.update(func(data map[string]any) {
		section, name, ok := strings.Cut(key, ".")
		if !ok {
			data[key] = val
			return
		}
		tbl, ok := data[section].(map[string]any)
		if !ok {
			tbl = make(map[string]any)
			data[section] = tbl
		}
		tbl[name] = val
	})
}

func (b *fileBackend) Delete(key string) error {
	return b.update(func(data map[string]any) {
		section, name, ok := strings.Cut(key, ".")
		if !ok {
			delete(data, key)
			return
		}
		if tbl, ok := data[section].(map[string]any); ok {
			delete(tbl, name)
			if len(tbl) == 0 {
				delete(data, section)
			}
		}
	})
}

func (b *fileBackend) Clear() error {
	return b.update(func(data map[string]any) {
		clear(data)
	})
}

func (b *fileBackend) update(mutate func(map[string]any)) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	lock := flock.New(b.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking config file: %w", err)
	}
	defer lock.Unlock()

	data := b.read()
	mutate(data)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing config file: %w", err)
	}
	b.data = data
	return nil
}
