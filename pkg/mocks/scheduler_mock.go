// Package mocks provides testify mocks for the scheduler's collaborators.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockEnqueuer is a mock implementation of scheduler.Enqueuer interface.
type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, flowchartID, runID string) error {
	args := m.Called(ctx, flowchartID, runID)

	return args.Error(0)
}

// MockRevoker is a mock implementation of scheduler.Revoker interface.
type MockRevoker struct {
	mock.Mock
}

func (m *MockRevoker) Revoke(ctx context.Context, provider, dispatchID string) error {
	args := m.Called(ctx, provider, dispatchID)

	return args.Error(0)
}
