package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// ArtifactRepository stores aggregates under artifacts/<kind>/<id>.json.
type ArtifactRepository struct {
	store *store
}

func (r *ArtifactRepository) filePath(kind models.ArtifactKind, id string) string {
	return r.store.path("artifacts", string(kind), id+".json")
}

func (r *ArtifactRepository) load(kind models.ArtifactKind, id string) (*models.Artifact, error) {
	err := validateID(id)
	if err != nil {
		return nil, err
	}

	var artifact models.Artifact

	err = r.store.read(r.filePath(kind, id), &artifact)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.ErrArtifactNotFound
		}

		return nil, err
	}

	return &artifact, nil
}

func (r *ArtifactRepository) Get(_ context.Context, kind models.ArtifactKind, id string) (*models.Artifact, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	artifact, err := r.load(kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}

	return artifact, nil
}

func (r *ArtifactRepository) Save(_ context.Context, artifact *models.Artifact, expectedVersion int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	current := 0

	stored, err := r.load(artifact.Kind, artifact.ID)

	switch {
	case err == nil:
		current = stored.Version
	case !errors.Is(err, persistence.ErrArtifactNotFound):
		return err
	}

	if current != expectedVersion {
		return fmt.Errorf("failed to save %s %s: %w (stored %d, expected %d)",
			artifact.Kind, artifact.ID, persistence.ErrVersionConflict, current, expectedVersion)
	}

	artifact.Version = expectedVersion + 1
	artifact.UpdatedAt = time.Now().UTC()

	return r.store.write(r.filePath(artifact.Kind, artifact.ID), artifact)
}
