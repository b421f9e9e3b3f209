package action

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/maxdollinger/gcearch/internal/configure"
	"github.com/maxdollinger/gcearch/internal/staging"
)

// Stage runs the second stage inside the bootstrap chroot.
func Stage(ctx *cli.Context) error {
	cfg, s, err := stageConfig(ctx)
	if err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate builder binary: %w", err)
	}

	return staging.New(s).Run(ctx.Context, *cfg, staging.Options{
		WorkDir:    workDir,
		Executable: executable,
	})
}

// Configure runs the third stage inside the chroot of the image.
func Configure(ctx *cli.Context) error {
	cfg, s, err := stageConfig(ctx)
	if err != nil {
		return err
	}
	return configure.New(s).Run(ctx.Context, *cfg)
}
