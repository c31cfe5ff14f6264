// Package main provides flowpilot-executor, the process that runs a task body inside a
// container or cluster job and reports the result on stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowpilot/pkg/execution"
	"github.com/dukex/flowpilot/pkg/llm"
	"github.com/dukex/flowpilot/pkg/log"
	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes/task"
)

var errExecutionFailed = errors.New("execution failed")

func main() {
	cmd := &cli.Command{
		Name:  "flowpilot-executor",
		Usage: "Run one task body and print the result line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "payload",
				Usage:   "Execution payload (JSON)",
				Sources: cli.EnvVars(execution.PayloadEnv),
			},
			&cli.StringFlag{
				Name:     "llm-command",
				Usage:    "Command that runs a prompt",
				Required: true,
				Sources:  cli.EnvVars("LLM_COMMAND"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), "json")

			logger := log.WithModule("flowpilot-executor")

			invoker, err := llm.NewCommandInvoker(command.String("llm-command"), logger)
			if err != nil {
				return err
			}

			return execute(ctx, command.String("payload"), invoker, command.Root().Writer)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// execute announces startup, runs the payload and prints exactly one result line. Failures
// of the body are reported in the result line and as a returned error.
func execute(ctx context.Context, payload string, invoker llm.Invoker, out io.Writer) error {
	for _, line := range execution.StartupLines() {
		fmt.Fprintln(out, line)
	}

	result := run(ctx, payload, invoker)

	line, err := execution.FormatResult(result)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, line)

	if !result.Succeeded() {
		return fmt.Errorf("%w: %s", errExecutionFailed, result.Error.Message)
	}

	return nil
}

func run(ctx context.Context, payload string, invoker llm.Invoker) *models.ExecutionResult {
	req, err := execution.DecodePayload(payload)
	if err != nil {
		return failed(task.CodeModelFailed, err)
	}

	body, err := task.PayloadFrom(req.Payload)
	if err != nil {
		return failed(task.CodeModelFailed, err)
	}

	result, err := task.Run(ctx, invoker, body)
	if result == nil {
		return failed(task.CodeModelFailed, err)
	}

	if err != nil && result.Error == nil {
		result.Status = models.ExecutionStatusFailed
		result.Error = &models.ExecutionError{Code: task.CodeModelFailed, Message: err.Error()}
	}

	return result
}

func failed(code string, err error) *models.ExecutionResult {
	return models.FailedResult(code, err.Error(), false)
}
