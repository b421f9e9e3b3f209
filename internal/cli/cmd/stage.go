package cmd

import (
	"github.com/urfave/cli/v2"
)

// NewStageCommand is the second stage, run by the build command inside the
// bootstrap chroot.
func NewStageCommand(appName string, action func(*cli.Context) error) *cli.Command {
	return &cli.Command{
		Name:      "stage",
		Usage:     "Build the disk image inside the bootstrap environment",
		UsageText: usageText(appName, "stage <token>"),
		ArgsUsage: "<token>",
		Hidden:    true,
		Action:    action,
	}
}

// NewConfigureCommand is the third stage, run inside the chroot of the
// mounted image.
func NewConfigureCommand(appName string, action func(*cli.Context) error) *cli.Command {
	return &cli.Command{
		Name:      "configure",
		Usage:     "Configure the installed image for Compute Engine",
		UsageText: usageText(appName, "configure <token>"),
		ArgsUsage: "<token>",
		Hidden:    true,
		Action:    action,
	}
}
