// Package main provides the flowpilot worker, which drives queued flowchart runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowpilot/pkg/cmd"
	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/execution/cluster"
	"github.com/dukex/flowpilot/pkg/execution/container"
	"github.com/dukex/flowpilot/pkg/llm"
	"github.com/dukex/flowpilot/pkg/log"
	"github.com/dukex/flowpilot/pkg/metrics"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
	"github.com/dukex/flowpilot/pkg/nodes/artifact"
	"github.com/dukex/flowpilot/pkg/nodes/decision"
	"github.com/dukex/flowpilot/pkg/nodes/subflow"
	"github.com/dukex/flowpilot/pkg/nodes/task"
	"github.com/dukex/flowpilot/pkg/otelhelper"
	"github.com/dukex/flowpilot/pkg/scheduler"
	"github.com/dukex/flowpilot/pkg/toolinvoker"
)

const idempotencyTTL = 7 * 24 * time.Hour

func main() {
	cmd := &cli.Command{
		Name:                  "flowpilot-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute flowchart runs",
		Flags:                 flags(),
		Action:                run,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func flags() []cli.Flag {
	clusterDefaults := cluster.DefaultConfig()
	schedulerDefaults := scheduler.DefaultConfig("")

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (file://dir or postgres://...)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "queue",
			Usage:   "Run queue type (gochannel, kafka)",
			Value:   "kafka",
			Sources: cli.EnvVars("QUEUE_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "kafka:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "idempotency-store",
			Usage:   "Idempotency registry (memory or a redis:// URL shared by every worker)",
			Value:   "memory",
			Sources: cli.EnvVars("IDEMPOTENCY_STORE"),
		},
		&cli.IntFlag{
			Name:    "max-parallel-nodes",
			Value:   schedulerDefaults.MaxParallelNodes,
			Sources: cli.EnvVars("MAX_PARALLEL_NODES"),
		},
		&cli.IntFlag{
			Name:    "max-node-executions",
			Value:   schedulerDefaults.MaxNodeExecutions,
			Sources: cli.EnvVars("MAX_NODE_EXECUTIONS"),
		},
		&cli.IntFlag{
			Name:    "max-runtime-minutes",
			Value:   int(schedulerDefaults.MaxRuntime / time.Minute),
			Sources: cli.EnvVars("MAX_RUNTIME_MINUTES"),
		},
		&cli.StringFlag{
			Name:    "default-provider",
			Usage:   "Default execution provider (workspace, container, cluster)",
			Value:   models.ProviderWorkspace,
			Sources: cli.EnvVars("DEFAULT_PROVIDER"),
		},
		&cli.BoolFlag{
			Name:    "disable-fallback",
			Usage:   "Fail dispatches instead of falling back to the workspace provider",
			Sources: cli.EnvVars("DISABLE_FALLBACK"),
		},
		&cli.StringFlag{
			Name:    "workspace-identity",
			Value:   "default",
			Sources: cli.EnvVars("WORKSPACE_IDENTITY"),
		},
		&cli.StringFlag{
			Name:    "default-model",
			Usage:   "Model id used when neither the node, template nor agent binds one",
			Sources: cli.EnvVars("DEFAULT_MODEL"),
		},
		&cli.BoolFlag{
			Name:    "enable-container",
			Sources: cli.EnvVars("ENABLE_CONTAINER_PROVIDER"),
		},
		&cli.StringFlag{
			Name:    "container-image",
			Value:   "flowpilot/executor:latest",
			Sources: cli.EnvVars("CONTAINER_IMAGE"),
		},
		&cli.BoolFlag{
			Name:    "enable-cluster",
			Sources: cli.EnvVars("ENABLE_CLUSTER_PROVIDER"),
		},
		&cli.StringFlag{
			Name:    "cluster-namespace",
			Value:   clusterDefaults.Namespace,
			Sources: cli.EnvVars("CLUSTER_NAMESPACE"),
		},
		&cli.StringFlag{
			Name:    "cluster-image",
			Value:   "flowpilot/executor:latest",
			Sources: cli.EnvVars("CLUSTER_IMAGE"),
		},
		&cli.StringFlag{
			Name:    "kubeconfig",
			Usage:   "Path to a kubeconfig (in-cluster config when empty)",
			Sources: cli.EnvVars("KUBECONFIG"),
		},
		&cli.DurationFlag{
			Name:    "dispatch-timeout",
			Value:   clusterDefaults.DispatchTimeout,
			Sources: cli.EnvVars("DISPATCH_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "execution-timeout",
			Value:   clusterDefaults.ExecutionTimeout,
			Sources: cli.EnvVars("EXECUTION_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Value:   clusterDefaults.PollInterval,
			Sources: cli.EnvVars("POLL_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "job-retention",
			Value:   clusterDefaults.Retention,
			Sources: cli.EnvVars("JOB_RETENTION"),
		},
		&cli.StringFlag{
			Name:    "housekeeping-schedule",
			Usage:   "Cron spec for run recovery and provider garbage collection",
			Value:   "@every 1m",
			Sources: cli.EnvVars("HOUSEKEEPING_SCHEDULE"),
		},
		&cli.StringFlag{
			Name:     "llm-command",
			Usage:    "Command that runs a prompt (prompt on stdin, model and tools in the environment)",
			Required: true,
			Sources:  cli.EnvVars("LLM_COMMAND"),
		},
		&cli.StringFlag{
			Name:    "metrics-address",
			Usage:   "Address of the metrics and health endpoints (disabled when empty)",
			Value:   ":9092",
			Sources: cli.EnvVars("METRICS_ADDRESS"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("flowpilot-worker").With("worker_id", workerID)

	logger.InfoContext(ctx, "Initializing flowpilot worker")

	tracer := newTracer(ctx, command.Bool("tracing"), logger)
	m := metrics.New()

	store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		err := store.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	runQueue := cmd.NewQueue(command.String("queue"), command.String("kafka-brokers"), "", logger)
	defer func() {
		err := runQueue.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close run queue", "error", err)
		}
	}()

	registry := cmd.NewIdempotencyRegistry(ctx, command.String("idempotency-store"), idempotencyTTL)
	router, housekeepers := cmd.NewRouter(providersConfig(command), registry, logger, tracer, m)

	invoker, err := llm.NewCommandInvoker(command.String("llm-command"), logger)
	if err != nil {
		return fmt.Errorf("invalid llm command: %w", err)
	}

	schedulerConfig := scheduler.DefaultConfig(workerID)
	schedulerConfig.MaxParallelNodes = command.Int("max-parallel-nodes")
	schedulerConfig.MaxNodeExecutions = command.Int("max-node-executions")
	schedulerConfig.MaxRuntime = time.Duration(command.Int("max-runtime-minutes")) * time.Minute

	sched, err := scheduler.New(schedulerConfig, store, nil, runQueue, logger,
		scheduler.WithTracer(tracer),
		scheduler.WithMetrics(m),
		scheduler.WithRevoker(router),
	)
	if err != nil {
		return err
	}

	sched.SetRunner(&nodes.Dispatcher{
		Task:     task.New(store.CatalogRepository(), router, invoker, command.String("default-model"), logger),
		Decision: decision.New(logger),
		Artifact: artifact.New(store.ArtifactRepository(), toolinvoker.New(registry, logger, m), logger),
		Subflow:  subflow.New(sched, logger),
	})

	worker := NewWorker(
		workerID,
		sched,
		runQueue,
		housekeepers,
		command.String("housekeeping-schedule"),
		command.String("metrics-address"),
		m,
		logger,
	)

	err = worker.Start(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to start worker", "error", err)
	}

	return nil
}

func providersConfig(command *cli.Command) cmd.ProvidersConfig {
	containerConfig := container.DefaultConfig()
	containerConfig.Image = command.String("container-image")
	containerConfig.DispatchTimeout = command.Duration("dispatch-timeout")
	containerConfig.ExecutionTimeout = command.Duration("execution-timeout")
	containerConfig.PollInterval = command.Duration("poll-interval")
	containerConfig.Retention = command.Duration("job-retention")

	clusterConfig := cluster.DefaultConfig()
	clusterConfig.Namespace = command.String("cluster-namespace")
	clusterConfig.Image = command.String("cluster-image")
	clusterConfig.DispatchTimeout = command.Duration("dispatch-timeout")
	clusterConfig.ExecutionTimeout = command.Duration("execution-timeout")
	clusterConfig.PollInterval = command.Duration("poll-interval")
	clusterConfig.Retention = command.Duration("job-retention")

	return cmd.ProvidersConfig{
		Router: execution.RouterConfig{
			DefaultProvider:   command.String("default-provider"),
			WorkspaceIdentity: command.String("workspace-identity"),
			DisableFallback:   command.Bool("disable-fallback"),
		},
		EnableContainer: command.Bool("enable-container"),
		Container:       containerConfig,
		EnableCluster:   command.Bool("enable-cluster"),
		Cluster:         clusterConfig,
		Kubeconfig:      command.String("kubeconfig"),
	}
}

// nolint:ireturn // tracing is optional, the noop tracer keeps call sites unconditional
func newTracer(ctx context.Context, enabled bool, logger *slog.Logger) trace.Tracer {
	if !enabled {
		return otelhelper.NoopTracer()
	}

	tracer, err := otelhelper.NewTracer(ctx, "flowpilot-worker")
	if err != nil {
		logger.WarnContext(ctx, "Tracing disabled", "error", err)

		return otelhelper.NoopTracer()
	}

	return tracer
}
