package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileSource loads policy documents from a directory of YAML files, one
// policy per file. Files are the source of truth for the tenants they
// name: Sync overwrites those tenants' stored policies.
type FileSource struct {
	dir    string
	cache  *Cache
	logger *slog.Logger
}

// NewFileSource creates a file source that writes through cache.
func NewFileSource(dir string, cache *Cache, logger *slog.Logger) *FileSource {
	return &FileSource{dir: dir, cache: cache, logger: logger}
}

// Dir returns the watched directory.
func (s *FileSource) Dir() string { return s.dir }

// Load parses every *.yaml / *.yml file in the directory, sorted by name.
func (s *FileSource) Load() ([]*Policy, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !isPolicyFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	policies := make([]*Policy, 0, len(names))
	for _, name := range names {
		p, err := parsePolicyFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		p.UpdatedBy = "file:" + name
		policies = append(policies, p)
	}
	return policies, nil
}

// Sync loads the directory and saves every policy. A file that fails to
// parse or validate aborts the sync before anything is written.
func (s *FileSource) Sync(ctx context.Context) (int, error) {
	policies, err := s.Load()
	if err != nil {
		return 0, err
	}
	for _, p := range policies {
		if _, err := Compile(p); err != nil {
			return 0, fmt.Errorf("%s: %w", p.UpdatedBy, err)
		}
	}
	for _, p := range policies {
		if _, err := s.cache.Save(ctx, p); err != nil {
			return 0, fmt.Errorf("save %s: %w", p.UpdatedBy, err)
		}
		s.logger.Info("policy loaded from file", "tenant", p.TenantID, "source", p.UpdatedBy, "version", p.Version)
	}
	return len(policies), nil
}

func isPolicyFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func parsePolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	p := &Policy{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidPolicy, filepath.Base(path), err)
	}
	p.Normalize()
	return p, nil
}
