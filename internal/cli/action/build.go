package action

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v2"

	"github.com/maxdollinger/gcearch/internal/bootstrap"
	"github.com/maxdollinger/gcearch/internal/builder"
	"github.com/maxdollinger/gcearch/internal/cli/cmd"
	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/db"
	"github.com/maxdollinger/gcearch/internal/sys"
	"github.com/maxdollinger/gcearch/pkg/fs"
	"github.com/maxdollinger/gcearch/pkg/oci"
)

// Build runs the host stage.
func Build(ctx *cli.Context) error {
	s, err := systemFrom(ctx)
	if err != nil {
		return err
	}
	args := &cmd.BuildArgs

	cfg := newBuildConfig(args, &cmd.GlobalArgs)
	if err := cfg.Validate(); err != nil {
		return err
	}

	source, err := newBootstrapSource(s, args)
	if err != nil {
		return err
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate builder binary: %w", err)
	}

	var opts []builder.Option
	if args.StateDir != "" {
		history, err := db.Open(ctx.Context, filepath.Join(args.StateDir, "builds.db"))
		if err != nil {
			s.Logger().WarnContext(ctx.Context, "build history disabled", "error", err)
		} else {
			defer history.Close()
			opts = append(opts, builder.WithHistory(history))
		}
	}

	result, err := builder.NewBuilder(s, opts...).Build(ctx.Context, source, builder.BuildOptions{
		OutputDir:  args.OutputDir,
		Outfile:    args.Outfile,
		WorkDir:    args.WorkDir,
		NoCleanup:  args.NoCleanup,
		Executable: executable,
		Config:     cfg,
	})
	if err != nil {
		return err
	}

	s.Logger().InfoContext(ctx.Context, "image ready",
		"name", result.Image.Name,
		"description", result.Image.Description,
		"archive", result.ArchivePath,
		"digest", result.Digest)
	return nil
}

func newBuildConfig(args *cmd.BuildFlags, global *cmd.GlobalFlags) config.BuildConfig {
	cfg := config.Default()
	cfg.Quiet = global.Quiet
	cfg.Verbose = global.Verbose
	cfg.Packages = args.Packages.Value()
	cfg.Accounts = args.Accounts.Value()
	cfg.DebugMode = args.Debug
	cfg.NoPacmanKeys = args.NoPacmanKeys
	if args.Mirror != "" {
		cfg.Mirror = args.Mirror
	}
	if args.SizeGB != 0 {
		cfg.SizeGB = args.SizeGB
	}
	if args.FSType != "" {
		cfg.FSType = args.FSType
	}
	if args.PartitionTable != "" {
		cfg.PartitionTable = args.PartitionTable
	}
	return cfg
}

func newBootstrapSource(s *sys.System, args *cmd.BuildFlags) (bootstrap.Source, error) {
	if args.BootstrapImage != "" {
		if args.Bootstrap != "" {
			return nil, fmt.Errorf("--bootstrap and --bootstrap-image are mutually exclusive")
		}
		provider, err := oci.NewRegistryProvider(args.BootstrapImage, oci.WithPlatform(config.TargetPlatform))
		if err != nil {
			return nil, err
		}
		return bootstrap.NewImageSource(provider, fs.NewLayerFlattener(), s.Logger()), nil
	}

	opts := []bootstrap.TarballOption{bootstrap.WithLogger(s.Logger())}
	if args.Bootstrap != "" {
		var expected digest.Digest
		if args.BootstrapDigest != "" {
			parsed, err := digest.Parse(args.BootstrapDigest)
			if err != nil {
				return nil, fmt.Errorf("invalid --bootstrap-digest: %w", err)
			}
			expected = parsed
		}
		opts = append(opts, bootstrap.WithTarball(args.Bootstrap, expected))
	} else if args.BootstrapDigest != "" {
		return nil, fmt.Errorf("--bootstrap-digest needs --bootstrap")
	}

	return bootstrap.NewTarballSource(args.OutputDir, opts...), nil
}
