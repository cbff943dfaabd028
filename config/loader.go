package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override, e.g.
// CAPTUREFLOW_QUEUE_URL or CAPTUREFLOW_WAITER_DEADLINE.
const DefaultEnvPrefix = "CAPTUREFLOW"

// Loader builds a Config from defaults, file layers and environment overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, then validates if enabled
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
	}

	cfg, err := l.applyEnvOverrides(cfg)
	if err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw reads a JSON or YAML layer into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeFromMap overrides only the fields present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseMap, err := toMap(base)
	if err != nil {
		return nil, err
	}

	return fromMap(deepMergeMaps(baseMap, override))
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// applyEnvOverrides maps PREFIX_SECTION_FIELD variables onto the matching
// JSON field, converting by the type of the current value. Lists are
// comma separated.
func (l *Loader) applyEnvOverrides(cfg *Config) (*Config, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	changed, err := l.overrideFromEnv(m, l.envPrefix)
	if err != nil {
		return nil, err
	}
	if !changed {
		return cfg, nil
	}
	return fromMap(m)
}

func (l *Loader) overrideFromEnv(m map[string]any, prefix string) (bool, error) {
	changed := false
	for k, v := range m {
		key := prefix + "_" + strings.ToUpper(k)

		if nested, ok := v.(map[string]any); ok {
			c, err := l.overrideFromEnv(nested, key)
			if err != nil {
				return false, err
			}
			changed = changed || c
			continue
		}

		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return false, err
		}

		switch v.(type) {
		case bool:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return false, fmt.Errorf("%s: %w", key, err)
			}
			m[k] = b
		case float64:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return false, fmt.Errorf("%s: %w", key, err)
			}
			m[k] = f
		case []any, nil:
			parts := []any{}
			for _, p := range strings.Split(val, ",") {
				if p = strings.TrimSpace(p); p != "" {
					parts = append(parts, p)
				}
			}
			m[k] = parts
		default:
			m[k] = val
		}
		changed = true
	}
	return changed, nil
}
