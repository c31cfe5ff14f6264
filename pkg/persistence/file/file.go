// Package file provides file-based persistence for flowcharts, runs and node runs.
// It is meant for single-process deployments and tests: compare-and-swap operations
// are serialized with an in-process lock.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/flowpilot/pkg/persistence"
)

// Persistence implements persistence.Persistence using the file system.
type Persistence struct {
	root string
	mu   *sync.Mutex

	flowcharts *FlowchartRepository
	runs       *RunRepository
	nodeRuns   *NodeRunRepository
	catalog    *CatalogRepository
	artifacts  *ArtifactRepository
}

// NewPersistence creates a new file persistence rooted at root. A file:// prefix is accepted.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	mu := &sync.Mutex{}
	store := &store{root: cleanRoot, mu: mu}

	return &Persistence{
		root:       cleanRoot,
		mu:         mu,
		flowcharts: &FlowchartRepository{store: store},
		runs:       &RunRepository{store: store},
		nodeRuns:   &NodeRunRepository{store: store},
		catalog:    &CatalogRepository{store: store},
		artifacts:  &ArtifactRepository{store: store},
	}
}

func (p *Persistence) FlowchartRepository() persistence.FlowchartRepository {
	return p.flowcharts
}

func (p *Persistence) RunRepository() persistence.RunRepository {
	return p.runs
}

func (p *Persistence) NodeRunRepository() persistence.NodeRunRepository {
	return p.nodeRuns
}

func (p *Persistence) CatalogRepository() persistence.CatalogRepository {
	return p.catalog
}

func (p *Persistence) ArtifactRepository() persistence.ArtifactRepository {
	return p.artifacts
}

// HealthCheck checks that the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	_, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("file persistence root unavailable: %w", err)
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

var errInvalidID = errors.New("id contains invalid characters")

type store struct {
	root string
	mu   *sync.Mutex
}

func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", errInvalidID, id)
	}

	return nil
}

func (s *store) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// read decodes the JSON document at path into v. Returns fs.ErrNotExist when missing.
func (s *store) read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return nil
}

// write stores v at path through a temporary file so readers never observe partial documents.
func (s *store) write(path string, v any) error {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	tmp := path + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}

func (s *store) remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return err
}

func (s *store) removeAll(path string) error {
	err := os.RemoveAll(path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// list returns the JSON documents directly inside dir.
func (s *store) list(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	return paths, nil
}
