// Package secrets resolves credential references used by flows.
// Secret values never land in flow variables or the step log.
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Store hands out secret values by name.
type Store interface {
	Get(name string) (string, error)
	Has(name string) bool
}

// MemStore is an in-memory store, mainly for tests and embedding.
type MemStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemStore(values map[string]string) *MemStore {
	m := &MemStore{values: map[string]string{}}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MemStore) Set(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}

func (m *MemStore) Get(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return v, nil
}

func (m *MemStore) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[name]
	return ok
}

// EnvStore reads secrets from process environment variables, optionally
// prefixed. A .env file can seed the environment first.
type EnvStore struct {
	prefix string
}

// NewEnvStore loads the given .env files (missing files are skipped) and
// resolves secrets from the environment with the given prefix.
func NewEnvStore(prefix string, dotenvFiles ...string) *EnvStore {
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
	return &EnvStore{prefix: prefix}
}

func (e *EnvStore) key(name string) string {
	return e.prefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
}

func (e *EnvStore) Get(name string) (string, error) {
	v, ok := os.LookupEnv(e.key(name))
	if !ok {
		return "", fmt.Errorf("secret %q not found in environment", name)
	}
	return v, nil
}

func (e *EnvStore) Has(name string) bool {
	_, ok := os.LookupEnv(e.key(name))
	return ok
}
