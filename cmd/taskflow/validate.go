package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dukex/taskflow/pkg/definitions"
	cli "github.com/urfave/cli/v3"
)

var ErrNoDefinitionPaths = errors.New("at least one definition file or directory is required")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate workflow definition files",
		ArgsUsage: "<file-or-directory>...",
		Action: func(_ context.Context, command *cli.Command) error {
			return validateDefinitions(command, command.Args().Slice())
		},
	}
}

func validateDefinitions(command *cli.Command, paths []string) error {
	if len(paths) == 0 {
		return ErrNoDefinitionPaths
	}

	out := command.Root().Writer

	var failed error

	for _, path := range paths {
		specs, err := loadDefinitions(path)

		for _, spec := range specs {
			_, _ = fmt.Fprintf(out, "ok\t%s\t%s (%d steps)\n", spec.ID, spec.Name, len(spec.Steps))
		}

		if err != nil {
			var validation *definitions.ValidationError
			if errors.As(err, &validation) {
				for _, problem := range validation.Errors {
					_, _ = fmt.Fprintf(out, "invalid\t%s\n", problem)
				}
			} else {
				_, _ = fmt.Fprintf(out, "error\t%s\n", err)
			}

			failed = errors.Join(failed, err)
		}
	}

	return failed
}

func loadDefinitions(path string) ([]*definitions.WorkflowSpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return definitions.LoadDir(path)
	}

	spec, err := definitions.LoadFile(path)
	if err != nil {
		return nil, err
	}

	return []*definitions.WorkflowSpec{spec}, nil
}
