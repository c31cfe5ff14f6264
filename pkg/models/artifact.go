package models

import (
	"time"
)

// ArtifactKind names the persisted aggregates patched by plan, milestone and memory nodes.
type ArtifactKind string

const (
	ArtifactKindPlan      ArtifactKind = "plan"
	ArtifactKindMilestone ArtifactKind = "milestone"
	ArtifactKindMemory    ArtifactKind = "memory"
)

// Artifact is a persisted aggregate mutated by deterministic tool nodes.
// AppliedPatches holds the digests of patches already applied so that a
// replayed patch is a no-op.
type Artifact struct {
	ID             string         `json:"id"`
	Kind           ArtifactKind   `json:"kind"`
	Version        int            `json:"version"`
	State          map[string]any `json:"state"`
	AppliedPatches []string       `json:"applied_patches,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
