package config

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Manager is a flat store of dotted configuration keys ("server.port").
// Layers are applied in order and later layers win.
type Manager struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{values: make(map[string]any)}
}

// Set stores a typed value.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// SetRaw stores a textual value, typing it the way a YAML scalar would be
// typed. Lists take comma separated items.
func (m *Manager) SetRaw(key, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, isList := m.values[key].([]any); isList {
		var items []any
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		m.values[key] = items
		return
	}
	m.values[key] = scalar(raw)
}

func scalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case map[string]any, []any:
		return raw
	}
	return v
}

// Get returns the value stored under key.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, exists := m.values[key]
	return value, exists
}

func (m *Manager) GetString(key string, defaultValue ...string) string {
	if value, exists := m.Get(key); exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

func (m *Manager) GetInt(key string, defaultValue ...int) int {
	if value, exists := m.Get(key); exists {
		switch v := value.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

func (m *Manager) GetDuration(key string, defaultValue ...time.Duration) time.Duration {
	if value, exists := m.Get(key); exists {
		switch v := value.(type) {
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		case int:
			return time.Duration(v) * time.Second
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// Has reports whether key is known.
func (m *Manager) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the known keys in sorted order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadYAML merges a YAML document into the store.
func (m *Manager) LoadYAML(data []byte) error {
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return errors.Wrap(err, "parse yaml config")
	}
	m.loadFromMap("", values)
	return nil
}

// LoadStruct seeds the store from the YAML form of v.
func (m *Manager) LoadStruct(v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return m.LoadYAML(data)
}

func (m *Manager) loadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			m.loadFromMap(fullKey, nested)
			continue
		}
		m.Set(fullKey, value)
	}
}

// LoadFromEnv applies PREFIX_SECTION_KEY variables to keys the store
// already knows. Unknown variables are ignored and returned.
func (m *Manager) LoadFromEnv(prefix string) (unknown []string) {
	prefix = strings.ToUpper(prefix) + "_"

	byEnvName := make(map[string]string)
	for _, key := range m.Keys() {
		byEnvName[strings.ToUpper(strings.ReplaceAll(key, ".", "_"))] = key
	}

	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key, known := byEnvName[strings.TrimPrefix(name, prefix)]
		if !known {
			unknown = append(unknown, name)
			continue
		}
		m.SetRaw(key, value)
	}
	sort.Strings(unknown)
	return unknown
}

// Decode rebuilds the nested document and decodes it into target.
func (m *Manager) Decode(target any) error {
	m.mu.RLock()
	root := make(map[string]any)
	for key, value := range m.values {
		parts := strings.Split(key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	m.mu.RUnlock()

	data, err := yaml.Marshal(root)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return nil
}

// GetAll returns a copy of every stored value.
func (m *Manager) GetAll() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
