package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/execution/cluster"
	"github.com/dukex/flowpilot/pkg/execution/container"
	"github.com/dukex/flowpilot/pkg/execution/workspace"
	"github.com/dukex/flowpilot/pkg/idempotency"
	"github.com/dukex/flowpilot/pkg/metrics"
	"github.com/dukex/flowpilot/pkg/models"
)

// NewIdempotencyRegistry returns an in-process registry for "memory" (or empty) and a shared
// Redis registry for a redis:// URL. It panics when Redis is unreachable.
func NewIdempotencyRegistry(ctx context.Context, store string, ttl time.Duration) idempotency.Registry {
	if store == "" || store == "memory" {
		return idempotency.NewMemoryRegistry()
	}

	if !strings.HasPrefix(store, "redis://") && !strings.HasPrefix(store, "rediss://") {
		panic("Unsupported idempotency store: " + store)
	}

	registry, err := idempotency.NewRedisRegistryFromURL(ctx, store, ttl)
	if err != nil {
		panic(fmt.Errorf("failed to connect idempotency registry: %w", err))
	}

	return registry
}

// Housekeeper garbage-collects finished provider resources.
type Housekeeper interface {
	Housekeep(ctx context.Context) error
}

// ProvidersConfig selects the remote providers a worker can dispatch to. The workspace
// provider is always available.
type ProvidersConfig struct {
	Router execution.RouterConfig

	EnableContainer bool
	Container       container.Config

	EnableCluster bool
	Cluster       cluster.Config
	// Kubeconfig is empty when running inside the cluster.
	Kubeconfig string
}

// NewRouter builds every enabled provider and the router in front of them. It panics when an
// enabled provider cannot be configured.
func NewRouter(
	cfg ProvidersConfig,
	registry idempotency.Registry,
	logger *slog.Logger,
	tracer trace.Tracer,
	m *metrics.Metrics,
) (*execution.Router, []Housekeeper) {
	providers := map[string]execution.Executor{
		models.ProviderWorkspace: workspace.New(registry, logger),
	}

	var housekeepers []Housekeeper

	if cfg.EnableContainer {
		api, err := container.NewClient()
		if err != nil {
			panic(fmt.Errorf("failed to create container runtime client: %w", err))
		}

		executor, err := container.New(api, registry, cfg.Container, logger)
		if err != nil {
			panic(fmt.Errorf("invalid container provider config: %w", err))
		}

		providers[models.ProviderContainer] = executor
		housekeepers = append(housekeepers, executor)
	}

	if cfg.EnableCluster {
		client, err := NewKubernetesClient(cfg.Kubeconfig)
		if err != nil {
			panic(err)
		}

		executor, err := cluster.New(client, registry, cfg.Cluster, logger)
		if err != nil {
			panic(fmt.Errorf("invalid cluster provider config: %w", err))
		}

		providers[models.ProviderCluster] = executor
		housekeepers = append(housekeepers, executor)
	}

	router, err := execution.NewRouter(cfg.Router, providers, logger, tracer, m)
	if err != nil {
		panic(fmt.Errorf("failed to create execution router: %w", err))
	}

	return router, housekeepers
}

// NewKubernetesClient loads kubeconfig, falling back to the in-cluster config when it is empty.
func NewKubernetesClient(kubeconfig string) (*kubernetes.Clientset, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load Kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return client, nil
}
