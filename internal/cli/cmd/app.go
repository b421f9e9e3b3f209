// Package cmd declares the command line of gcearch. Each command stores its
// parsed flags in a package level Args variable read by its action.
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/maxdollinger/gcearch/internal/sys"
)

const (
	AppName   = "gcearch"
	envPrefix = "GCEARCH_"
)

const Usage = "Arch Linux image builder for Google Compute Engine"

type GlobalFlags struct {
	Quiet   bool
	Verbose bool
}

var GlobalArgs GlobalFlags

// NewApp assembles the application. Setup stores the build context in
// Metadata["system"] before any action runs.
func NewApp(commands ...*cli.Command) *cli.App {
	return &cli.App{
		Name:     AppName,
		Usage:    Usage,
		Flags:    newGlobalFlags(),
		Before:   Setup,
		Commands: commands,
		Metadata: map[string]any{},
	}
}

func newGlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "Suppress all console output",
			EnvVars:     []string{envPrefix + "QUIET"},
			Destination: &GlobalArgs.Quiet,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Usage:       "Verbose console output",
			EnvVars:     []string{envPrefix + "VERBOSE"},
			Destination: &GlobalArgs.Verbose,
		},
	}
}

// Setup creates the build context from the global flags.
func Setup(ctx *cli.Context) error {
	if ctx.App.Metadata == nil {
		ctx.App.Metadata = map[string]any{}
	}
	logger := sys.NewLogger(GlobalArgs.Quiet, GlobalArgs.Verbose)
	ctx.App.Metadata["system"] = sys.NewSystem(sys.WithLogger(logger))
	return nil
}

func usageText(appName, rest string) string {
	return fmt.Sprintf("%s %s", appName, rest)
}
