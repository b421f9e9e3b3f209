// Package staging is the second build stage. It runs inside the bootstrap
// chroot, installs the disk tooling the bootstrap lacks and builds the image.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/maxdollinger/gcearch/internal/archutil"
	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/image"
	"github.com/maxdollinger/gcearch/internal/sys"
)

// ImageFile is the raw disk created in the working directory.
const ImageFile = "disk.raw"

var (
	essentialPackages = []string{"grep", "file"}
	setupPackages     = []string{"pacman", "wget", "gcc", "make", "parted", "git", "setconf", "libaio", "sudo"}
	// kpartx ships with multipath-tools, zerofree is not in the official repos
	aurPackages = []string{"multipath-tools-git", "zerofree"}
)

type Options struct {
	WorkDir    string // directory receiving ImageFile
	Executable string // builder binary, copied into the image for the configure stage
}

type Stage struct {
	sys       *sys.System
	tools     *archutil.Tools
	logger    *slog.Logger
	mountBase string
	imageOpts []image.Option
}

type Option func(*Stage)

// WithRoot runs the stage against root instead of "/".
func WithRoot(root string) Option {
	return func(s *Stage) {
		s.tools = archutil.New(s.sys, archutil.WithRoot(root))
		s.mountBase = root
	}
}

func WithImageOptions(opts ...image.Option) Option {
	return func(s *Stage) {
		s.imageOpts = append(s.imageOpts, opts...)
	}
}

func New(s *sys.System, opts ...Option) *Stage {
	st := &Stage{
		sys:       s,
		tools:     archutil.New(s),
		logger:    s.Logger().With("component", "staging"),
		mountBase: "/",
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Run prepares the staging environment and builds the image at
// <WorkDir>/disk.raw.
func (s *Stage) Run(ctx context.Context, cfg config.BuildConfig, opts Options) error {
	s.logger.InfoContext(ctx, "setup bootstrapper environment")

	if err := s.tools.SetupLocale(ctx); err != nil {
		return fmt.Errorf("setup locale: %w", err)
	}
	if err := s.InstallTooling(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(s.tools.Path("/run/shm"), 0o755); err != nil {
		return fmt.Errorf("create /run/shm: %w", err)
	}

	mountRoot, err := os.MkdirTemp(s.mountBase, "gcearch")
	if err != nil {
		return fmt.Errorf("create mount root: %w", err)
	}
	defer func() {
		if err := os.Remove(mountRoot); err != nil {
			s.logger.WarnContext(ctx, "failed to remove mount root", "dir", mountRoot, "error", err)
		}
	}()

	orchestrator := image.NewOrchestrator(s.sys, s.imageOpts...)
	return orchestrator.Build(ctx, image.Options{
		ImagePath:  filepath.Join(opts.WorkDir, ImageFile),
		MountRoot:  mountRoot,
		Executable: opts.Executable,
		Config:     cfg,
	})
}

// InstallTooling installs the packages the image build needs on top of the
// bootstrap.
func (s *Stage) InstallTooling(ctx context.Context) error {
	s.tools.LogStep(ctx, "install staging packages")
	if err := s.tools.InstallPackages(ctx, essentialPackages...); err != nil {
		return err
	}
	if err := s.tools.InstallPackages(ctx, setupPackages...); err != nil {
		return err
	}
	for _, pkg := range aurPackages {
		if err := s.tools.AurInstall(ctx, pkg); err != nil {
			return err
		}
	}
	return nil
}
