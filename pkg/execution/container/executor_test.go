package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/jonboulle/clockwork"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/idempotency"
	"github.com/dukex/flowpilot/pkg/models"
)

type fakeState struct {
	state  container.State
	stdout string
}

type fakeDocker struct {
	mu sync.Mutex

	pingErr   error
	createErr error
	startErr  error
	stopErr   error

	states   []fakeState
	inspects int

	created []*container.Config
	stopped []string
	removed []string
	forced  []string
	listed  []container.Summary
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) ContainerCreate(
	_ context.Context,
	config *container.Config,
	_ *container.HostConfig,
	_ *network.NetworkingConfig,
	_ *ocispec.Platform,
	name string,
) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}

	f.created = append(f.created, config)

	return container.CreateResponse{ID: name}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) current() fakeState {
	idx := min(f.inspects, len(f.states)-1)

	return f.states[idx]
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.current()
	f.inspects++

	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &current.state,
		},
	}, nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	idx := max(f.inspects-1, 0)
	state := f.states[min(idx, len(f.states)-1)]
	f.mu.Unlock()

	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(state.stdout)); err != nil {
		return nil, err
	}

	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = append(f.stopped, id)

	return f.stopErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if options.Force {
		f.forced = append(f.forced, id)
	} else {
		f.removed = append(f.removed, id)
	}

	return nil
}

func (f *fakeDocker) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return f.listed, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Image = "flowpilot/executor:test"
	cfg.PreflightTimeout = time.Second
	cfg.DispatchTimeout = 50 * time.Millisecond
	cfg.ExecutionTimeout = 150 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.StopGrace = time.Second

	return cfg
}

func newTestExecutor(t *testing.T, api API, opts ...Option) *Executor {
	t.Helper()

	executor, err := New(api, idempotency.NewMemoryRegistry(), testConfig(), slog.New(slog.NewTextHandler(os.Stdout, nil)), opts...)
	require.NoError(t, err)

	return executor
}

func resultStdout(t *testing.T) string {
	t.Helper()

	line, err := execution.FormatResult(&models.ExecutionResult{Status: models.ExecutionStatusSucceeded, Stdout: "done"})
	require.NoError(t, err)

	return strings.Join(append(execution.StartupLines(), line), "\n")
}

func request() *models.ExecutionRequest {
	return &models.ExecutionRequest{
		NodeID:            "node-1",
		ExecutionID:       "exec-1",
		SelectedProvider:  models.ProviderContainer,
		WorkspaceIdentity: "worker-1",
		DispatchStatus:    models.DispatchStatusPending,
	}
}

func passthrough(calls *int) execution.Callback {
	return func(_ context.Context, _ *models.ExecutionRequest, remote *models.ExecutionResult) (*models.ExecutionResult, error) {
		*calls++

		return remote, nil
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&fakeDocker{}, idempotency.NewMemoryRegistry(), DefaultConfig(), slog.Default())
	require.Error(t, err)
}

func TestExecutor_Success(t *testing.T) {
	api := &fakeDocker{states: []fakeState{
		{state: container.State{Status: "running"}, stdout: execution.StartupMarker},
		{state: container.State{Status: "exited"}, stdout: resultStdout(t)},
	}}
	executor := newTestExecutor(t, api)

	calls := 0
	req := request()

	result, err := executor.Execute(context.Background(), req, passthrough(&calls))
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Equal(t, "done", result.Stdout)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.DispatchStatusConfirmed, req.DispatchStatus)
	assert.Equal(t, models.ProviderContainer, req.FinalProvider)

	require.Len(t, api.created, 1)
	created := api.created[0]
	assert.Equal(t, "flowpilot/executor:test", created.Image)
	assert.Equal(t, req.ProviderDispatchID, created.Labels[LabelDispatchID])
	assert.Equal(t, "node-1", created.Labels[LabelNodeID])
	assert.Equal(t, "exec-1", created.Labels[LabelExecutionID])
	assert.Equal(t, "worker-1", created.Labels[LabelWorkspace])
	assert.Equal(t, "flowpilot", created.Labels[LabelManagedBy])
	require.Len(t, created.Env, 1)
	assert.True(t, strings.HasPrefix(created.Env[0], execution.PayloadEnv+"="))
}

func TestExecutor_PreflightUnavailable(t *testing.T) {
	api := &fakeDocker{pingErr: fmt.Errorf("daemon down: %w", cerrdefs.ErrUnavailable)}
	executor := newTestExecutor(t, api)

	calls := 0
	_, err := executor.Execute(context.Background(), request(), passthrough(&calls))

	var dispatchErr *execution.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "preflight", dispatchErr.Stage)
	assert.Equal(t, models.FallbackReasonProviderUnavailable, dispatchErr.Reason)
	assert.Equal(t, execution.CategoryUnavailable, dispatchErr.Category)
	assert.Zero(t, calls)
	assert.Empty(t, api.created)
}

func TestExecutor_SubmitFailure(t *testing.T) {
	api := &fakeDocker{createErr: fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound)}
	executor := newTestExecutor(t, api)

	req := request()
	calls := 0
	_, err := executor.Execute(context.Background(), req, passthrough(&calls))

	var dispatchErr *execution.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, models.FallbackReasonSubmitFailed, dispatchErr.Reason)
	assert.Equal(t, execution.CategoryNotFound, dispatchErr.Category)
	assert.Equal(t, models.DispatchStatusFailed, req.DispatchStatus)
	assert.Zero(t, calls)
}

func TestExecutor_ExitedWithoutMarkerIsUncertain(t *testing.T) {
	api := &fakeDocker{states: []fakeState{{state: container.State{Status: "exited", ExitCode: 127}}}}
	executor := newTestExecutor(t, api)

	calls := 0
	req := request()

	result, err := executor.Execute(context.Background(), req, passthrough(&calls))
	require.NoError(t, err)
	assert.Equal(t, execution.CodeDispatchUncertain, result.Error.Code)
	assert.True(t, req.DispatchUncertain)
	assert.False(t, req.FallbackAttempted)
	assert.Equal(t, models.DispatchStatusSubmitted, req.DispatchStatus)
	assert.Zero(t, calls)
}

func TestExecutor_FailedAfterStartup(t *testing.T) {
	api := &fakeDocker{states: []fakeState{{state: container.State{Status: "exited", ExitCode: 1}, stdout: execution.StartupMarker + "\npanic"}}}
	executor := newTestExecutor(t, api)

	calls := 0
	req := request()

	result, err := executor.Execute(context.Background(), req, passthrough(&calls))
	require.NoError(t, err)
	assert.Equal(t, execution.CodeExecutionFailed, result.Error.Code)
	assert.Equal(t, 1, result.ExitCode)
	assert.False(t, req.DispatchUncertain)
	assert.Zero(t, calls)
}

func TestExecutor_NoMarkerIsUncertain(t *testing.T) {
	api := &fakeDocker{states: []fakeState{{state: container.State{Status: "running"}}}}
	executor := newTestExecutor(t, api)

	calls := 0
	req := request()

	result, err := executor.Execute(context.Background(), req, passthrough(&calls))
	require.NoError(t, err)
	assert.Equal(t, execution.CodeDispatchUncertain, result.Error.Code)
	assert.True(t, req.DispatchUncertain)
	assert.False(t, req.FallbackAttempted)
	assert.Empty(t, req.FallbackReason)
	assert.Zero(t, calls)
}

func TestExecutor_Revoke(t *testing.T) {
	api := &fakeDocker{}
	executor := newTestExecutor(t, api)

	require.NoError(t, executor.Revoke(context.Background(), "dispatch-1"))
	assert.Equal(t, []string{"dispatch-1"}, api.stopped)
	assert.Equal(t, []string{"dispatch-1"}, api.removed)
	assert.Empty(t, api.forced)
}

func TestExecutor_RevokeForcesAfterFailedStop(t *testing.T) {
	api := &fakeDocker{stopErr: errors.New("stop timed out")}
	executor := newTestExecutor(t, api)

	require.NoError(t, executor.Revoke(context.Background(), "dispatch-1"))
	assert.Equal(t, []string{"dispatch-1"}, api.forced)
}

func TestExecutor_RevokeNotFound(t *testing.T) {
	api := &fakeDocker{stopErr: cerrdefs.ErrNotFound}
	executor := newTestExecutor(t, api)

	require.NoError(t, executor.Revoke(context.Background(), "dispatch-1"))
	assert.Empty(t, api.forced)
	assert.Empty(t, api.removed)
}

func TestExecutor_Housekeep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeDocker{listed: []container.Summary{
		{ID: "old", Created: now.Add(-2 * time.Hour).Unix()},
		{ID: "recent", Created: now.Add(-10 * time.Minute).Unix()},
	}}
	executor := newTestExecutor(t, api, WithClock(clockwork.NewFakeClockAt(now)))

	require.NoError(t, executor.Housekeep(context.Background()))
	assert.Equal(t, []string{"old"}, api.removed)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{cerrdefs.ErrUnauthenticated, execution.CategoryUnauthorized},
		{cerrdefs.ErrPermissionDenied, execution.CategoryForbidden},
		{cerrdefs.ErrNotFound, execution.CategoryNotFound},
		{cerrdefs.ErrConflict, execution.CategoryConflict},
		{cerrdefs.ErrInvalidArgument, execution.CategoryInvalid},
		{context.DeadlineExceeded, execution.CategoryTimeout},
		{errors.New("boom"), execution.CategoryInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Categorize(tt.err), "error %v", tt.err)
	}
}
