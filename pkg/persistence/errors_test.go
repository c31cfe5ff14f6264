package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("run error unwraps to sentinel", func(t *testing.T) {
		err := persistence.NewRunError("Claim", "run-1", persistence.ErrRunNotClaimable)

		assert.True(t, persistence.IsRunNotClaimable(err))
		assert.True(t, errors.Is(err, persistence.ErrRunNotClaimable))
		assert.False(t, persistence.IsRunNotFound(err))
	})

	t.Run("run error contains context", func(t *testing.T) {
		err := persistence.NewRunError("UpdateStatus", "run-123", persistence.ErrInvalidTransition)

		assert.Contains(t, err.Error(), "UpdateStatus")
		assert.Contains(t, err.Error(), "run-123")
		assert.Contains(t, err.Error(), "invalid status transition")
	})

	t.Run("flowchart error contains context", func(t *testing.T) {
		err := persistence.NewFlowchartError("Get", "flow-1", persistence.ErrFlowchartNotFound)

		assert.True(t, persistence.IsFlowchartNotFound(err))
		assert.Contains(t, err.Error(), "flow-1")
	})

	t.Run("not found covers every entity", func(t *testing.T) {
		for _, sentinel := range []error{
			persistence.ErrFlowchartNotFound,
			persistence.ErrRunNotFound,
			persistence.ErrNodeRunNotFound,
			persistence.ErrTemplateNotFound,
			persistence.ErrAgentNotFound,
			persistence.ErrModelNotFound,
			persistence.ErrArtifactNotFound,
		} {
			assert.True(t, persistence.IsNotFound(fmt.Errorf("wrapped: %w", sentinel)))
		}

		assert.False(t, persistence.IsNotFound(persistence.ErrLeaseLost))
	})
}
