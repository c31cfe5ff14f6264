// Package main provides the flowpilot admin CLI.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "flowpilot",
		Usage:                 "Import flowcharts and control their runs",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewImportCommand(),
			NewSubmitCommand(),
			NewStopCommand(),
			NewCancelCommand(),
			NewShowCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
