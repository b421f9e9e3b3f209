// Package builder runs the host side of an image build: it prepares a
// bootstrap root, hands the build over to the staging stage inside it and
// packages the resulting disk for Compute Engine.
package builder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/maxdollinger/gcearch/internal/archutil"
	"github.com/maxdollinger/gcearch/internal/bootstrap"
	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/db/models"
	"github.com/maxdollinger/gcearch/internal/sys"
	"github.com/maxdollinger/gcearch/pkg/cleanstack"
	"github.com/maxdollinger/gcearch/pkg/runner"
)

// DiskFile is the raw disk inside the bootstrap root and the image archive.
const DiskFile = "disk.raw"

type Builder interface {
	Build(ctx context.Context, source bootstrap.Source, opts BuildOptions) (*BuildResult, error)
}

type BuildOptions struct {
	OutputDir  string // where the image archive is written
	Outfile    string // archive name, defaults to <image name>.tar.gz
	WorkDir    string // parent of the workspace, os.TempDir if empty
	NoCleanup  bool   // keep the workspace for inspection
	Executable string // builder binary copied into the bootstrap root
	Config     config.BuildConfig
}

// BuildResult describes a finished image.
type BuildResult struct {
	ID           string
	Image        config.ImageName
	ArchivePath  string
	Digest       digest.Digest // digest of the image archive
	SourceDigest digest.Digest // digest of the bootstrap
	BuildTime    time.Duration
}

type builder struct {
	sys     *sys.System
	tools   *archutil.Tools
	history *sql.DB
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*builder)

// WithHistory records every build in db.
func WithHistory(db *sql.DB) Option {
	return func(b *builder) {
		b.history = db
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *builder) {
		b.now = now
	}
}

func NewBuilder(s *sys.System, opts ...Option) Builder {
	b := &builder{
		sys:    s,
		tools:  archutil.New(s),
		logger: s.Logger().With("component", "builder"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *builder) Build(ctx context.Context, source bootstrap.Source, opts BuildOptions) (result *BuildResult, err error) {
	startTime := b.now()
	image := config.NewImageName(startTime, opts.Outfile)
	cfg := opts.Config

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build config: %w", err)
	}

	b.logger.InfoContext(ctx, "starting build", "image", image.Name, "source", source.Info())

	record, err := b.recordStart(ctx, image.Name, source.Info())
	if err != nil {
		b.logger.WarnContext(ctx, "build history unavailable", "error", err)
	}
	defer func() {
		b.recordEnd(ctx, record, result, err)
	}()

	cleanup := cleanstack.NewCleanStack()
	defer func() { err = cleanup.Cleanup(err) }()

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	workspace, err := os.MkdirTemp(opts.WorkDir, "gcearch")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	cleanup.Push(func() error {
		return b.removeWorkspace(ctx, workspace, opts.NoCleanup)
	})

	b.tools.LogStep(ctx, "download arch linux bootstrap")
	root, sourceDigest, err := source.Fetch(ctx, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to provide bootstrap: %w", err)
	}

	if err := bootstrap.Prepare(ctx, b.sys, root, cfg); err != nil {
		return nil, fmt.Errorf("failed to prepare bootstrap: %w", err)
	}

	if err := b.runStage(ctx, root, opts.Executable, cfg); err != nil {
		return nil, err
	}

	cleanup.PushErrorOnly(func() error {
		return removePartial(opts.OutputDir, DiskFile, image.Filename)
	})
	archive, archiveDigest, err := b.save(ctx, root, opts.OutputDir, image.Filename)
	if err != nil {
		return nil, err
	}

	result = &BuildResult{
		Image:        image,
		ArchivePath:  archive,
		Digest:       archiveDigest,
		SourceDigest: sourceDigest,
		BuildTime:    b.now().Sub(startTime),
	}
	if record != nil {
		result.ID = record.ID
	}

	b.logger.InfoContext(ctx, "build completed successfully",
		"archive", archive,
		"digest", archiveDigest,
		"duration", result.BuildTime)
	return result, nil
}

// runStage continues the build inside the bootstrap root.
func (b *builder) runStage(ctx context.Context, root, executable string, cfg config.BuildConfig) error {
	rel, err := archutil.CopyBuilder(root, executable)
	if err != nil {
		return err
	}

	token, err := cfg.Encode()
	if err != nil {
		return fmt.Errorf("encode stage config: %w", err)
	}

	b.tools.LogStep(ctx, "build image in bootstrap")
	if err := b.tools.RunChroot(ctx, root, archutil.StageCommand(rel, "stage", token)); err != nil {
		return fmt.Errorf("staging stage: %w", err)
	}
	return nil
}

// save copies the raw disk out of the bootstrap and packs it the way Compute
// Engine imports images: a gzipped tar holding a sparse disk.raw.
func (b *builder) save(ctx context.Context, root, outputDir, filename string) (string, digest.Digest, error) {
	b.tools.LogStep(ctx, "save arch linux image in gce format")

	raw := filepath.Join(outputDir, DiskFile)
	if err := b.tools.Run(ctx, runner.Command("cp", "--sparse=always", filepath.Join(root, DiskFile), raw)); err != nil {
		return "", "", fmt.Errorf("copy disk: %w", err)
	}

	tar := runner.Command("tar", "-Szcf", filename, DiskFile)
	tar.Dir = outputDir
	if err := b.tools.Run(ctx, tar); err != nil {
		return "", "", fmt.Errorf("pack image: %w", err)
	}

	archive := filepath.Join(outputDir, filename)
	file, err := os.Open(archive)
	if err != nil {
		return "", "", fmt.Errorf("open image archive: %w", err)
	}
	defer file.Close()

	dgst, err := digest.FromReader(file)
	if err != nil {
		return "", "", fmt.Errorf("digest image archive: %w", err)
	}
	return archive, dgst, nil
}

// removeWorkspace deletes the workspace with elevated rights, the bootstrap
// root is owned by root. It also runs after the build was interrupted.
func (b *builder) removeWorkspace(ctx context.Context, workspace string, keep bool) error {
	if keep {
		b.logger.InfoContext(ctx, "keeping workspace", "dir", workspace)
		return nil
	}
	cmd := runner.Command("rm", "-rf", workspace)
	if err := b.sys.Runner().Sudo(context.WithoutCancel(ctx), cmd).Err(cmd); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// removePartial deletes the output files of a failed save.
func removePartial(dir string, names ...string) error {
	var errs []error
	for _, name := range names {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *builder) recordStart(ctx context.Context, imageName, source string) (*models.Build, error) {
	if b.history == nil {
		return nil, nil
	}
	record, err := models.InsertBuild(ctx, b.history, imageName, source)
	if err != nil {
		return nil, fmt.Errorf("record build: %w", err)
	}
	if err := models.MarkBuildRunning(ctx, b.history, record.ID); err != nil {
		// the row exists, its outcome can still be recorded
		return record, fmt.Errorf("record build: %w", err)
	}
	return record, nil
}

// recordEnd stores the outcome. The context may already be cancelled, so the
// write uses a fresh one.
func (b *builder) recordEnd(ctx context.Context, record *models.Build, result *BuildResult, buildErr error) {
	if record == nil {
		return
	}
	writeCtx := context.WithoutCancel(ctx)

	var err error
	if buildErr != nil {
		err = models.MarkBuildFailed(writeCtx, b.history, record.ID, buildErr)
	} else {
		err = models.MarkBuildSucceeded(writeCtx, b.history, record.ID, result.ArchivePath, result.Digest.String())
	}
	if err != nil {
		b.logger.WarnContext(ctx, "failed to record build outcome", "build", record.ID, "error", err)
	}
}
