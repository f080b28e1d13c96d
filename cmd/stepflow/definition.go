package main

import (
	"context"
	"fmt"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/definition"
	"github.com/dukex/stepflow/pkg/log"
	"github.com/urfave/cli/v3"
)

func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a YAML or JSON definition file, or a directory of them",
		ArgsUsage: "<path>",
		Flags:     []cli.Flag{logLevelFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			def, err := loadDefinition(command)
			if err != nil {
				return err
			}

			if err := def.Validate(); err != nil {
				return err
			}

			fmt.Fprintf(command.Root().Writer, "definition is valid: %d workflows, %d triggers\n", len(def.Workflows), len(def.Triggers))

			return nil
		},
	}
}

func ImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Validate a definition and save its workflows and triggers",
		ArgsUsage: "<path>",
		Flags:     []cli.Flag{databaseURLFlag(), logLevelFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("import")

			def, err := loadDefinition(command)
			if err != nil {
				return err
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			summary, err := definition.Import(ctx, def, persistence)
			if err != nil {
				return err
			}

			fmt.Fprintf(command.Root().Writer, "imported %d workflows, %d triggers\n", summary.Workflows, summary.Triggers)

			return nil
		},
	}
}

func loadDefinition(command *cli.Command) (*definition.Definition, error) {
	path := command.Args().First()
	if path == "" {
		return nil, fmt.Errorf("%s: missing definition path", command.Name)
	}

	return definition.Load(path)
}
