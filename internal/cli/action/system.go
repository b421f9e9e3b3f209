// Package action implements the commands declared in package cmd.
package action

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/sys"
)

func systemFrom(ctx *cli.Context) (*sys.System, error) {
	if ctx.App.Metadata == nil || ctx.App.Metadata["system"] == nil {
		return nil, fmt.Errorf("error setting up initial configuration")
	}
	s, ok := ctx.App.Metadata["system"].(*sys.System)
	if !ok {
		return nil, fmt.Errorf("error setting up initial configuration")
	}
	return s, nil
}

// stageConfig decodes the token a previous stage passed on the command line
// and returns a build context logging at the verbosity it carries.
func stageConfig(ctx *cli.Context) (*config.BuildConfig, *sys.System, error) {
	if ctx.NArg() != 1 {
		return nil, nil, fmt.Errorf("%s expects exactly one config token", ctx.Command.Name)
	}
	cfg, err := config.Decode(ctx.Args().First())
	if err != nil {
		return nil, nil, fmt.Errorf("decode stage config: %w", err)
	}
	logger := sys.NewLogger(cfg.Quiet, cfg.Verbose).With("stage", ctx.Command.Name)
	return cfg, sys.NewSystem(sys.WithLogger(logger)), nil
}
