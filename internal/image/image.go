// Package image turns a blank file into a bootable disk image.
//
// Build runs the lifecycle create → map → format → mount → populate → purge →
// unmount → shrink → unmap → mark bootable. Unmount runs whenever mount
// succeeded and unmap runs whenever map succeeded, whatever fails in between.
package image

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/maxdollinger/gcearch/internal/archutil"
	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/sys"
	"github.com/maxdollinger/gcearch/pkg/diskmap"
	"github.com/maxdollinger/gcearch/pkg/fs"
	"github.com/maxdollinger/gcearch/pkg/lock"
	"github.com/maxdollinger/gcearch/pkg/runner"
)

const ComputeImagePackagesURL = "https://github.com/GoogleCloudPlatform/compute-image-packages.git"

// Packages is the base system installed into every image.
var Packages = strings.Fields(`base linux tar wget curl sudo mkinitcpio syslinux
	dhcpcd ethtool irqbalance ntp psmisc openssh udev less bash-completion zip
	unzip python libpwquality`)

// purgePaths are emptied before the image is sealed.
var purgePaths = []string{"/var/cache", "/var/log", "/var/lib/pacman/sync"}

// Options describe the image to build.
type Options struct {
	ImagePath  string             // raw disk file, created or replaced
	MountRoot  string             // where the partitions are mounted
	Executable string             // builder binary copied into the image for the configure stage
	Config     config.BuildConfig // forwarded to the configure stage
}

type Orchestrator struct {
	sys    *sys.System
	tools  *archutil.Tools
	locker lock.Locker
	logger *slog.Logger
	mapper func(rawDisk, mountRoot string) *diskmap.Mapper
}

type Option func(*Orchestrator)

func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		o.locker = l
	}
}

// WithSettleDelay shortens the mapper settle delay, for tests.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.mapper = func(rawDisk, mountRoot string) *diskmap.Mapper {
			return diskmap.New(o.sys.Runner(), rawDisk, mountRoot,
				diskmap.WithLogger(o.logger),
				diskmap.WithSettleDelay(d))
		}
	}
}

func NewOrchestrator(s *sys.System, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sys:    s,
		tools:  archutil.New(s),
		locker: lock.NewFileLocker(),
		logger: s.Logger().With("component", "image"),
	}
	o.mapper = func(rawDisk, mountRoot string) *diskmap.Mapper {
		return diskmap.New(s.Runner(), rawDisk, mountRoot, diskmap.WithLogger(o.logger))
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Build produces a bootable image at opts.ImagePath.
func (o *Orchestrator) Build(ctx context.Context, opts Options) (err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid build config: %w", err)
	}

	imageLock, err := o.locker.AcquireLock(ctx, opts.ImagePath)
	if err != nil {
		return fmt.Errorf("lock image: %w", err)
	}
	defer func() {
		if rerr := imageLock.Release(); rerr != nil {
			o.logger.WarnContext(ctx, "failed to release image lock", "error", rerr)
		}
	}()

	if err := o.CreateBlankImage(ctx, opts.ImagePath, cfg); err != nil {
		return err
	}

	mapper := o.mapper(opts.ImagePath, opts.MountRoot)
	if err := mapper.InstallLoopback(ctx); err != nil {
		o.logger.WarnContext(ctx, "loop driver not loaded", "error", err)
	}

	err = mapper.WithMapped(ctx, func() error {
		mapping, err := mapper.FirstMapping()
		if err != nil {
			return err
		}
		if err := o.Format(ctx, mapping.Path, cfg.FSType); err != nil {
			return err
		}

		err = mapper.WithMounted(ctx, func() error {
			if err := o.Populate(ctx, opts, mapping); err != nil {
				return err
			}
			return o.Purge(ctx, opts.MountRoot)
		})
		if err != nil {
			return err
		}

		o.Shrink(ctx, mapping.Path)
		return nil
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "image build failed", "image", opts.ImagePath, "error", err)
		return err
	}

	return o.MarkBootable(ctx, opts.ImagePath)
}

// CreateBlankImage creates a sparse file with one primary partition spanning
// it.
func (o *Orchestrator) CreateBlankImage(ctx context.Context, path string, cfg config.BuildConfig) error {
	o.tools.LogStep(ctx, "create image")

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old image: %w", err)
	}
	if err := fs.CreateSparseFile(path, int64(cfg.SizeGB)<<30); err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := o.tools.Run(ctx, runner.Command("parted", "-s", path, "mklabel", cfg.PartitionTable)); err != nil {
		return fmt.Errorf("create partition table: %w", err)
	}
	end := strconv.Itoa(cfg.SizeGB * 1024)
	if err := o.tools.Run(ctx, runner.Command("parted", "-s", path, "mkpart", "primary", cfg.FSType, "1", end)); err != nil {
		return fmt.Errorf("create partition: %w", err)
	}
	return nil
}

func (o *Orchestrator) Format(ctx context.Context, device, fsType string) error {
	o.tools.LogStep(ctx, "format image")
	if err := o.tools.Run(ctx, runner.Command("mkfs", "-t", fsType, device)); err != nil {
		return fmt.Errorf("format %s: %w", device, err)
	}
	o.sync(ctx)
	return nil
}

// Populate installs the base system into the mounted root and hands over to
// the configure stage inside it.
func (o *Orchestrator) Populate(ctx context.Context, opts Options, mapping diskmap.Mapping) error {
	root := opts.MountRoot
	guest := archutil.New(o.sys, archutil.WithRoot(root))

	if err := os.MkdirAll(filepath.Join(root, "run", "shm"), 0o755); err != nil {
		return fmt.Errorf("create run/shm: %w", err)
	}

	o.tools.LogStep(ctx, "install arch linux")
	if err := o.tools.Pacstrap(ctx, root, Packages...); err != nil {
		return err
	}

	uuid, err := o.SetupFileSystem(ctx, guest, mapping.Path, opts.Config.FSType)
	if err != nil {
		return err
	}

	cfg := opts.Config
	cfg.Device = mapping.Parent
	cfg.DiskUUID = uuid
	if err := o.configure(ctx, root, opts.Executable, cfg); err != nil {
		return err
	}

	return guest.RemoveAll("/run/shm")
}

// SetupFileSystem writes the mount table of the image and returns the
// filesystem uuid.
func (o *Orchestrator) SetupFileSystem(ctx context.Context, guest *archutil.Tools, device, fsType string) (string, error) {
	o.tools.LogStep(ctx, "file systems")

	cmd := runner.Output("blkid", "-s", "UUID", "-o", "value", device)
	result := o.sys.Runner().Run(ctx, cmd)
	if err := result.Err(cmd); err != nil {
		return "", fmt.Errorf("read filesystem uuid: %w", err)
	}
	uuid := strings.TrimSpace(result.Stdout)
	if uuid == "" {
		return "", fmt.Errorf("no filesystem uuid on %s", device)
	}

	if err := guest.WriteFile("/etc/fstab", FstabEntry(uuid, "/", fsType), 0o644); err != nil {
		return "", err
	}

	if err := o.tools.Run(ctx, runner.Command("tune2fs", "-i", "1", "-U", uuid, device)); err != nil {
		return "", fmt.Errorf("tune filesystem: %w", err)
	}
	return uuid, nil
}

// FstabEntry is the mount table line of the root filesystem.
func FstabEntry(uuid, mountPoint, fsType string) string {
	return fmt.Sprintf("UUID=%s   %s   %s   defaults   0   1\n", uuid, mountPoint, fsType)
}

func (o *Orchestrator) configure(ctx context.Context, root, executable string, cfg config.BuildConfig) error {
	rel, err := archutil.CopyBuilder(root, executable)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(filepath.Join(root, rel)); err != nil {
			o.logger.WarnContext(ctx, "failed to remove builder copy", "error", err)
		}
	}()

	o.tools.LogStep(ctx, "download compute-image-packages")
	packagesDir, err := os.MkdirTemp(root, "gcearch")
	if err != nil {
		return fmt.Errorf("create packages dir: %w", err)
	}
	// the configure stage removes it after installing, this covers failures
	defer func() { _ = os.RemoveAll(packagesDir) }()

	clone := runner.Command("git", "clone", ComputeImagePackagesURL, packagesDir)
	if err := o.tools.Run(ctx, clone); err != nil {
		// the configure stage treats these packages as optional
		o.logger.WarnContext(ctx, "could not fetch compute-image-packages", "error", err)
	}
	relPackages, err := filepath.Rel(root, packagesDir)
	if err != nil {
		return err
	}
	cfg.PackagesDir = "/" + relPackages

	token, err := cfg.Encode()
	if err != nil {
		return fmt.Errorf("encode configure config: %w", err)
	}

	o.tools.LogStep(ctx, "configure image")
	return o.tools.RunChroot(ctx, root, archutil.StageCommand(rel, "configure", token))
}

// Purge removes caches, logs and the package sync database.
func (o *Orchestrator) Purge(ctx context.Context, root string) error {
	o.tools.LogStep(ctx, "purge caches")
	for _, p := range purgePaths {
		if err := os.RemoveAll(filepath.Join(root, p)); err != nil {
			return fmt.Errorf("purge %s: %w", p, err)
		}
	}
	return nil
}

// Shrink zeroes unused blocks so the image compresses well. A failure only
// costs compression.
func (o *Orchestrator) Shrink(ctx context.Context, device string) {
	o.tools.LogStep(ctx, "shrink disk")
	o.tools.BestEffort(ctx, runner.Command("zerofree", device))
}

func (o *Orchestrator) MarkBootable(ctx context.Context, path string) error {
	if err := o.tools.Run(ctx, runner.Command("parted", "-s", path, "set", "1", "boot", "on")); err != nil {
		return fmt.Errorf("mark partition bootable: %w", err)
	}
	o.sync(ctx)
	return nil
}

func (o *Orchestrator) sync(ctx context.Context) {
	o.tools.BestEffort(ctx, runner.Command("sync"))
}
