package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

type yamlDocument struct {
	KnownDevices     map[string]string `yaml:"known_devices"`
	UserDisconnected []string          `yaml:"user_disconnected"`
}

// YAMLFile keeps both collections in a single YAML document. Writes go to a
// temporary file that is renamed over the original.
type YAMLFile struct {
	mu   sync.Mutex
	path string
}

// NewYAMLFile returns a store backed by path. The file is created on the
// first save; a missing file loads as empty.
func NewYAMLFile(path string) (*YAMLFile, error) {
	if path == "" {
		return nil, fmt.Errorf("yaml store: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("yaml store: create directory: %w", err)
	}
	return &YAMLFile{path: path}, nil
}

func (s *YAMLFile) read() (yamlDocument, error) {
	var doc yamlDocument
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("yaml store: read %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("yaml store: parse %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *YAMLFile) write(doc yamlDocument) error {
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("yaml store: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("yaml store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("yaml store: replace %s: %w", s.path, err)
	}
	return nil
}

func (s *YAMLFile) LoadKnownDevices() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return copyMap(doc.KnownDevices), nil
}

func (s *YAMLFile) SaveKnownDevices(known map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.KnownDevices = copyMap(known)
	return s.write(doc)
}

func (s *YAMLFile) LoadUserDisconnected() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return sortedCopy(doc.UserDisconnected), nil
}

func (s *YAMLFile) SaveUserDisconnected(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.UserDisconnected = sortedCopy(ids)
	return s.write(doc)
}

func (s *YAMLFile) Close() error { return nil }
