package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/maxdollinger/gcearch/internal/config"
)

// BuildFlags holds the options of the build command.
type BuildFlags struct {
	Packages        cli.StringSlice
	Accounts        cli.StringSlice
	Mirror          string
	SizeGB          int
	FSType          string
	PartitionTable  string
	Debug           bool
	NoPacmanKeys    bool
	Bootstrap       string
	BootstrapDigest string
	BootstrapImage  string
	Outfile         string
	OutputDir       string
	WorkDir         string
	NoCleanup       bool
	StateDir        string
}

var BuildArgs BuildFlags

func NewBuildCommand(appName string, action func(*cli.Context) error) *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "Build a Compute Engine image archive",
		UsageText: usageText(appName, "build [OPTIONS]"),
		Action:    action,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "packages",
				Aliases:     []string{"p"},
				Usage:       "Additional packages to install via pacman",
				EnvVars:     []string{envPrefix + "PACKAGES"},
				Destination: &BuildArgs.Packages,
			},
			&cli.StringSliceFlag{
				Name:        "accounts",
				Usage:       "User accounts to create on the image, as username:password",
				EnvVars:     []string{envPrefix + "ACCOUNTS"},
				Destination: &BuildArgs.Accounts,
			},
			&cli.StringFlag{
				Name:        "mirror",
				Usage:       "Mirror to download packages from",
				Value:       config.DefaultMirror,
				EnvVars:     []string{envPrefix + "MIRROR"},
				Destination: &BuildArgs.Mirror,
			},
			&cli.IntFlag{
				Name:        "size-gb",
				Aliases:     []string{"size_gb"},
				Usage:       "Volume size of the image in GiB",
				Value:       config.DefaultSizeGB,
				EnvVars:     []string{envPrefix + "SIZE_GB"},
				Destination: &BuildArgs.SizeGB,
			},
			&cli.StringFlag{
				Name:        "fs-type",
				Usage:       "Filesystem of the root partition",
				Value:       config.DefaultFSType,
				Destination: &BuildArgs.FSType,
			},
			&cli.StringFlag{
				Name:        "partition-table",
				Usage:       "Partition table type",
				Value:       config.DefaultPartitionTable,
				Destination: &BuildArgs.PartitionTable,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "Configure the image for debugging",
				EnvVars:     []string{envPrefix + "DEBUG"},
				Destination: &BuildArgs.Debug,
			},
			&cli.BoolFlag{
				Name:        "nopacmankeys",
				Usage:       "Disable signature checking for pacman packages",
				Destination: &BuildArgs.NoPacmanKeys,
			},
			&cli.StringFlag{
				Name:        "bootstrap",
				Usage:       "Arch Linux bootstrap tarball, URL or path (default: latest release)",
				EnvVars:     []string{envPrefix + "BOOTSTRAP"},
				Destination: &BuildArgs.Bootstrap,
			},
			&cli.StringFlag{
				Name:        "bootstrap-digest",
				Usage:       "Expected digest of --bootstrap, e.g. sha256:<hex>",
				Destination: &BuildArgs.BootstrapDigest,
			},
			&cli.StringFlag{
				Name:        "bootstrap-image",
				Usage:       "OCI image used as bootstrap instead of the tarball, e.g. archlinux:base",
				EnvVars:     []string{envPrefix + "BOOTSTRAP_IMAGE"},
				Destination: &BuildArgs.BootstrapImage,
			},
			&cli.StringFlag{
				Name:        "outfile",
				Usage:       "Name of the output image file (default: arch-vYYYYMMDD.tar.gz)",
				Destination: &BuildArgs.Outfile,
			},
			&cli.StringFlag{
				Name:        "output-dir",
				Usage:       "Directory receiving the image archive",
				Value:       ".",
				EnvVars:     []string{envPrefix + "OUTPUT_DIR"},
				Destination: &BuildArgs.OutputDir,
			},
			&cli.StringFlag{
				Name:        "workdir",
				Usage:       "Parent directory of the build workspace",
				EnvVars:     []string{envPrefix + "WORKDIR"},
				Destination: &BuildArgs.WorkDir,
			},
			&cli.BoolFlag{
				Name:        "nocleanup",
				Usage:       "Keep the build workspace after the image has been created",
				Destination: &BuildArgs.NoCleanup,
			},
			stateDirFlag(&BuildArgs.StateDir),
		},
	}
}

func stateDirFlag(dest *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "state-dir",
		Usage:       "Directory holding the build history, empty disables it",
		Value:       config.DefaultStateDir,
		EnvVars:     []string{envPrefix + "STATE_DIR"},
		Destination: dest,
	}
}
