// Package store persists the two pieces of state that survive a process
// restart: the known-device map (identifier → last verified display name)
// and the set of identifiers the user explicitly disconnected.
package store

import (
	"fmt"
	"sort"
	"sync"
)

// Store is the persisted key/value capability the manager depends on.
type Store interface {
	LoadKnownDevices() (map[string]string, error)
	SaveKnownDevices(known map[string]string) error
	LoadUserDisconnected() ([]string, error)
	SaveUserDisconnected(ids []string) error
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendYAML   Backend = "yaml"
	BackendSQLite Backend = "sqlite"
)

// Open creates the store for backend. path is ignored by the memory backend.
func Open(backend Backend, path string) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendYAML:
		return NewYAMLFile(path)
	case BackendSQLite:
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q (must be memory, yaml, or sqlite)", backend)
	}
}

// Memory is a process-local Store.
type Memory struct {
	mu           sync.Mutex
	known        map[string]string
	disconnected []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{known: map[string]string{}}
}

func (m *Memory) LoadKnownDevices() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.known), nil
}

func (m *Memory) SaveKnownDevices(known map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known = copyMap(known)
	return nil
}

func (m *Memory) LoadUserDisconnected() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.disconnected...), nil
}

func (m *Memory) SaveUserDisconnected(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = sortedCopy(ids)
	return nil
}

func (m *Memory) Close() error { return nil }

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
