package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/dukex/flowpilot/pkg/models"
)

var (
	ErrUnknownAction = errors.New("unknown artifact action")
	ErrUnknownItem   = errors.New("unknown plan item")
	ErrInvalidPatch  = errors.New("invalid patch")
)

const statusCompleted = "completed"

var validate = validator.New(validator.WithRequiredStructEnabled())

// PatchDigest identifies a patch. Map keys are encoded in sorted order, so equal patches
// share a digest.
func PatchDigest(kind models.ArtifactKind, action string, patch map[string]any) string {
	data, _ := json.Marshal(map[string]any{
		"kind":   kind,
		"action": action,
		"patch":  patch,
	})
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// applyPatch returns the new state of an aggregate after action.
func applyPatch(kind models.ArtifactKind, action string, state, patch map[string]any) (map[string]any, error) {
	switch kind {
	case models.ArtifactKindPlan:
		return applyPlan(action, state, patch)
	case models.ArtifactKindMilestone:
		return applyMilestone(action, state, patch)
	case models.ArtifactKindMemory:
		return applyMemory(action, state, patch)
	default:
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAction, kind, action)
	}
}

func decodePatch(patch map[string]any, target any) error {
	if err := convert(patch, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	return nil
}

func applyPlan(action string, state, patch map[string]any) (map[string]any, error) {
	var plan Plan
	if err := convert(state, &plan); err != nil {
		return nil, err
	}

	switch action {
	case "set_status":
		var p statusPatch
		if err := decodePatch(patch, &p); err != nil {
			return nil, err
		}

		plan.Status = p.Status
	case "upsert_items":
		var p itemsPatch
		if err := decodePatch(patch, &p); err != nil {
			return nil, err
		}

		for _, item := range p.Items {
			index := slices.IndexFunc(plan.Items, func(existing PlanItem) bool { return existing.Key == item.Key })
			if index < 0 {
				plan.Items = append(plan.Items, item)

				continue
			}

			if item.Title != "" {
				plan.Items[index].Title = item.Title
			}

			plan.Items[index].Completed = plan.Items[index].Completed || item.Completed
		}
	case "complete_items":
		var p keysPatch
		if err := decodePatch(patch, &p); err != nil {
			return nil, err
		}

		for _, key := range p.Keys {
			index := slices.IndexFunc(plan.Items, func(existing PlanItem) bool { return existing.Key == key })
			if index < 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnknownItem, key)
			}

			plan.Items[index].Completed = true
		}

		if allCompleted(plan.Items) {
			plan.Status = statusCompleted
		}
	default:
		return nil, fmt.Errorf("%w: plan.%s", ErrUnknownAction, action)
	}

	if plan.Items == nil {
		plan.Items = []PlanItem{}
	}

	return toState(plan)
}

func allCompleted(items []PlanItem) bool {
	if len(items) == 0 {
		return false
	}

	for _, item := range items {
		if !item.Completed {
			return false
		}
	}

	return true
}

func applyMilestone(action string, state, patch map[string]any) (map[string]any, error) {
	var milestone Milestone
	if err := convert(state, &milestone); err != nil {
		return nil, err
	}

	switch action {
	case "set_status":
		var p statusPatch
		if err := decodePatch(patch, &p); err != nil {
			return nil, err
		}

		milestone.Status = p.Status
		milestone.Completed = p.Status == statusCompleted
	case "set_progress":
		var p progressPatch
		if err := decodePatch(patch, &p); err != nil {
			return nil, err
		}

		milestone.Progress = *p.Progress
		if milestone.Progress >= 100 {
			milestone.Completed = true
			milestone.Status = statusCompleted
		}
	case "complete":
		milestone.Progress = 100
		milestone.Completed = true
		milestone.Status = statusCompleted
	default:
		return nil, fmt.Errorf("%w: milestone.%s", ErrUnknownAction, action)
	}

	return toState(milestone)
}

func applyMemory(action string, state, patch map[string]any) (map[string]any, error) {
	var memory Memory
	if err := convert(state, &memory); err != nil {
		return nil, err
	}

	var p memoryPatch
	if err := decodePatch(patch, &p); err != nil {
		return nil, err
	}

	switch action {
	case "append":
		if memory.Text != "" {
			memory.Text += "\n"
		}

		memory.Text += p.Text

		for _, tag := range p.Tags {
			if !slices.Contains(memory.Tags, tag) {
				memory.Tags = append(memory.Tags, tag)
			}
		}
	case "replace":
		memory.Text = p.Text
		memory.Tags = p.Tags
	default:
		return nil, fmt.Errorf("%w: memory.%s", ErrUnknownAction, action)
	}

	return toState(memory)
}
