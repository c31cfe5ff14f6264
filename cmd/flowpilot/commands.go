package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowpilot/pkg/cmd"
	"github.com/dukex/flowpilot/pkg/log"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/persistence"
	"github.com/dukex/flowpilot/pkg/scheduler"
	"github.com/dukex/flowpilot/pkg/services"
)

var (
	errMissingArgument  = errors.New("missing argument")
	errInvalidFlowchart = errors.New("flowchart is invalid")
)

func databaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Database connection URL for persistence",
		Required: true,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}
}

func queueFlags() []cli.Flag {
	return []cli.Flag{
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
	}
}

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "warn",
		Sources: cli.EnvVars("LOG_LEVEL"),
	}
}

func argument(command *cli.Command, name string) (string, error) {
	value := command.Args().First()
	if value == "" {
		return "", fmt.Errorf("%w: %s", errMissingArgument, name)
	}

	return value, nil
}

// withStore opens persistence for the duration of action.
func withStore(
	ctx context.Context,
	command *cli.Command,
	action func(store persistence.Persistence, logger *slog.Logger) error,
) error {
	log.Setup(command.String("log-level"), "text")

	logger := log.WithModule("flowpilot").With("action", command.Name)

	store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	return action(store, logger)
}

// withScheduler opens persistence and the run queue and builds a scheduler that only
// submits and controls runs.
func withScheduler(
	ctx context.Context,
	command *cli.Command,
	action func(store persistence.Persistence, runs *scheduler.Scheduler) error,
) error {
	return withStore(ctx, command, func(store persistence.Persistence, logger *slog.Logger) error {
		runQueue := cmd.NewQueue(command.String("queue"), command.String("kafka-brokers"), "", logger)
		defer func() {
			if err := runQueue.Close(); err != nil {
				logger.ErrorContext(ctx, "Failed to close run queue", "error", err)
			}
		}()

		runs, err := scheduler.New(scheduler.DefaultConfig("flowpilot-cli"), store, nil, runQueue, logger)
		if err != nil {
			return err
		}

		return action(store, runs)
	})
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate a flowchart definition file",
		ArgsUsage: "<file.yaml>",
		Action: func(_ context.Context, command *cli.Command) error {
			path, err := argument(command, "definition file")
			if err != nil {
				return err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			return validateDefinition(data, command.Root().Writer)
		},
	}
}

func validateDefinition(data []byte, out io.Writer) error {
	flowchart, err := services.ParseDefinition(data)
	if err != nil {
		return err
	}

	result, err := services.NewFlowchart(nil).Check(flowchart)
	if err != nil {
		return err
	}

	if result.Valid {
		fmt.Fprintf(out, "flowchart %s is valid\n", flowchart.ID)

		return nil
	}

	for _, problem := range result.Problems {
		fmt.Fprintf(out, "- %s\n", problem)
	}

	return fmt.Errorf("%w: %d problems", errInvalidFlowchart, len(result.Problems))
}

func NewImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Aliases:   []string{"i"},
		Usage:     "Validate and store a flowchart definition file",
		ArgsUsage: "<file.yaml>",
		Flags:     []cli.Flag{databaseFlag(), logLevelFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			path, err := argument(command, "definition file")
			if err != nil {
				return err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			return withStore(ctx, command, func(store persistence.Persistence, _ *slog.Logger) error {
				return importDefinition(ctx, services.NewFlowchart(store), data, command.Root().Writer)
			})
		},
	}
}

func importDefinition(ctx context.Context, flowcharts *services.Flowchart, data []byte, out io.Writer) error {
	flowchart, err := services.ParseDefinition(data)
	if err != nil {
		return err
	}

	imported, err := flowcharts.Import(ctx, flowchart)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "imported flowchart %s (%d nodes, %d edges)\n", imported.ID, len(imported.Nodes), len(imported.Edges))

	return nil
}

func NewSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Aliases:   []string{"s"},
		Usage:     "Queue a run of a stored flowchart",
		ArgsUsage: "<flowchart-id>",
		Flags:     append([]cli.Flag{databaseFlag(), logLevelFlag()}, queueFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			flowchartID, err := argument(command, "flowchart id")
			if err != nil {
				return err
			}

			return withScheduler(ctx, command, func(store persistence.Persistence, runs *scheduler.Scheduler) error {
				run, err := services.NewRun(store, runs).Submit(ctx, flowchartID, models.RunTriggerManual)
				if err != nil {
					return err
				}

				return printJSON(command.Root().Writer, run)
			})
		},
	}
}

func NewStopCommand() *cli.Command {
	return runControlCommand("stop", "Let running nodes finish and dispatch nothing new",
		func(ctx context.Context, service *services.Run, runID string) (*models.FlowchartRun, error) {
			return service.Stop(ctx, runID)
		})
}

func NewCancelCommand() *cli.Command {
	return runControlCommand("cancel", "Cancel a run and its outstanding nodes immediately",
		func(ctx context.Context, service *services.Run, runID string) (*models.FlowchartRun, error) {
			return service.Cancel(ctx, runID)
		})
}

func runControlCommand(
	name, usage string,
	control func(ctx context.Context, service *services.Run, runID string) (*models.FlowchartRun, error),
) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<run-id>",
		Flags:     append([]cli.Flag{databaseFlag(), logLevelFlag()}, queueFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			runID, err := argument(command, "run id")
			if err != nil {
				return err
			}

			return withScheduler(ctx, command, func(store persistence.Persistence, runs *scheduler.Scheduler) error {
				run, err := control(ctx, services.NewRun(store, runs), runID)
				if err != nil {
					return err
				}

				return printJSON(command.Root().Writer, run)
			})
		},
	}
}

func NewShowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print a run and its node runs",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{databaseFlag(), logLevelFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			runID, err := argument(command, "run id")
			if err != nil {
				return err
			}

			return withStore(ctx, command, func(store persistence.Persistence, _ *slog.Logger) error {
				details, err := services.NewRun(store, nil).Details(ctx, runID)
				if err != nil {
					return err
				}

				return printJSON(command.Root().Writer, details)
			})
		},
	}
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
