package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
)

// ArtifactRepository handles plan, milestone and memory aggregates.
type ArtifactRepository struct {
	db *sql.DB
}

func (r *ArtifactRepository) Get(ctx context.Context, kind models.ArtifactKind, id string) (*models.Artifact, error) {
	var (
		artifact           models.Artifact
		stateJSON, applied []byte
	)

	err := r.db.QueryRowContext(ctx,
		"SELECT kind, id, version, state, applied_patches, updated_at FROM artifacts WHERE kind = $1 AND id = $2",
		kind, id,
	).Scan(&artifact.Kind, &artifact.ID, &artifact.Version, &stateJSON, &applied, &artifact.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, persistence.ErrArtifactNotFound)
		}

		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}

	err = unmarshalJSON(stateJSON, &artifact.State)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact state: %w", err)
	}

	err = unmarshalJSON(applied, &artifact.AppliedPatches)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal applied patches: %w", err)
	}

	return &artifact, nil
}

// Save inserts a new artifact when expectedVersion is 0, otherwise updates the row only if
// its stored version still equals expectedVersion.
func (r *ArtifactRepository) Save(ctx context.Context, artifact *models.Artifact, expectedVersion int) error {
	if artifact.State == nil {
		artifact.State = map[string]any{}
	}

	stateJSON, err := marshalJSON(artifact.State)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact state: %w", err)
	}

	applied, err := marshalJSON(artifact.AppliedPatches)
	if err != nil {
		return fmt.Errorf("failed to marshal applied patches: %w", err)
	}

	now := time.Now().UTC()

	var result sql.Result

	if expectedVersion == 0 {
		result, err = r.db.ExecContext(ctx, `
			INSERT INTO artifacts (kind, id, version, state, applied_patches, updated_at)
			VALUES ($1, $2, 1, $3, $4, $5)
			ON CONFLICT (kind, id) DO NOTHING
		`, artifact.Kind, artifact.ID, stateJSON, applied, now)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE artifacts
			SET version = version + 1, state = $4, applied_patches = $5, updated_at = $6
			WHERE kind = $1 AND id = $2 AND version = $3
		`, artifact.Kind, artifact.ID, expectedVersion, stateJSON, applied, now)
	}

	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", artifact.Kind, artifact.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("failed to save %s %s: %w", artifact.Kind, artifact.ID, persistence.ErrVersionConflict)
	}

	artifact.Version = expectedVersion + 1
	artifact.UpdatedAt = now

	return nil
}
