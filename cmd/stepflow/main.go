// Package main provides the stepflow server and definition tooling.
package main

import (
	"context"
	"fmt"
	"os"

	_ "time/tzdata"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "stepflow",
		Usage:                 "Run step-based workflows from schedules, webhooks and events",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			RunCommand(),
			ValidateCommand(),
			ImportCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "info",
		Sources: cli.EnvVars("LOG_LEVEL"),
	}
}

func databaseURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Persistence URL (postgres://, file://, memory://)",
		Required: true,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}
}
