// Package container runs node bodies as flowpilot-executor containers on a Docker-compatible runtime.
package container

import (
	"context"
	"errors"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/models"
)

// API is the subset of the Docker client used by the executor.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// NewClient connects to the runtime configured in the environment (DOCKER_HOST and friends).
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Categorize maps a runtime API error to an API failure category.
func Categorize(err error) string {
	switch {
	case err == nil:
		return ""
	case client.IsErrConnectionFailed(err), cerrdefs.IsUnavailable(err):
		return execution.CategoryUnavailable
	case cerrdefs.IsUnauthorized(err):
		return execution.CategoryUnauthorized
	case cerrdefs.IsPermissionDenied(err):
		return execution.CategoryForbidden
	case cerrdefs.IsNotFound(err):
		return execution.CategoryNotFound
	case cerrdefs.IsConflict(err), cerrdefs.IsAlreadyExists(err):
		return execution.CategoryConflict
	case cerrdefs.IsDeadlineExceeded(err), errors.Is(err, context.DeadlineExceeded):
		return execution.CategoryTimeout
	case cerrdefs.IsInvalidArgument(err):
		return execution.CategoryInvalid
	default:
		return execution.CategoryInternal
	}
}

func preflightReason(category string) string {
	switch category {
	case execution.CategoryUnavailable:
		return models.FallbackReasonProviderUnavailable
	case execution.CategoryUnauthorized, execution.CategoryForbidden, execution.CategoryInvalid:
		return models.FallbackReasonConfigError
	case execution.CategoryTimeout:
		return models.FallbackReasonDispatchTimeout
	default:
		return models.FallbackReasonUnknown
	}
}
