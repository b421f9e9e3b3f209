// Package diskmap maps the partitions of a raw disk image to host block
// devices and mounts them.
//
// A Mapper moves through Unmapped → Mapped → Mounted → Mapped → Unmapped.
// Every operation runs privileged and changes real kernel state (loop devices
// and the mount table), so callers must pair Map with Unmap and Mount with
// Unmount. WithMapped and WithMounted do that pairing on every exit path,
// including a cancelled context: the release half ignores cancellation.
package diskmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/maxdollinger/gcearch/pkg/runner"
)

// DefaultSettleDelay is the pause after unmounting and before unmapping that
// lets the kernel drop its references to the block devices.
const DefaultSettleDelay = 2 * time.Second

type State int

const (
	Unmapped State = iota
	Mapped
	Mounted
)

func (s State) String() string {
	switch s {
	case Unmapped:
		return "unmapped"
	case Mapped:
		return "mapped"
	case Mounted:
		return "mounted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mapper owns the attachment of a single disk image. It is not safe for
// concurrent use.
type Mapper struct {
	runner    runner.Runner
	logger    *slog.Logger
	rawDisk   string
	mountRoot string
	settle    time.Duration
	sleep     func(time.Duration)

	state       State
	mappings    []Mapping
	mountPoints []string
}

type Option func(*Mapper)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Mapper) {
		m.logger = logger
	}
}

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Mapper) {
		m.settle = d
	}
}

// WithSleep replaces time.Sleep for the settle delay.
func WithSleep(sleep func(time.Duration)) Option {
	return func(m *Mapper) {
		m.sleep = sleep
	}
}

// New returns an unmapped Mapper for rawDisk whose partitions will be mounted
// below mountRoot.
func New(r runner.Runner, rawDisk, mountRoot string, opts ...Option) *Mapper {
	m := &Mapper{
		runner:    r,
		logger:    slog.Default(),
		rawDisk:   rawDisk,
		mountRoot: mountRoot,
		settle:    DefaultSettleDelay,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "diskmap", "disk", rawDisk)
	return m
}

func (m *Mapper) State() State {
	return m.state
}

// Mappings returns the current device mappings in discovery order.
func (m *Mapper) Mappings() []Mapping {
	return append([]Mapping(nil), m.mappings...)
}

// MountPoints returns the mount point of every mapping, index aligned with
// Mappings.
func (m *Mapper) MountPoints() []string {
	return append([]string(nil), m.mountPoints...)
}

// InstallLoopback loads the loop device driver. Loading it twice is harmless.
func (m *Mapper) InstallLoopback(ctx context.Context) error {
	cmd := runner.Command("modprobe", "loop")
	if err := m.runner.Sudo(ctx, cmd).Err(cmd); err != nil {
		return fmt.Errorf("load loop driver: %w", err)
	}
	return nil
}

// Map attaches the partitions of the image and loads the resulting mappings.
func (m *Mapper) Map(ctx context.Context) error {
	if m.state != Unmapped {
		return fmt.Errorf("%w: map while %s", ErrInvalidState, m.state)
	}

	m.logger.InfoContext(ctx, "mapping image partitions")
	cmd := runner.Output("kpartx", "-a", "-v", "-s", m.rawDisk)
	if err := m.runner.Sudo(ctx, cmd).Err(cmd); err != nil {
		return fmt.Errorf("map %s: %w", m.rawDisk, err)
	}

	if err := m.LoadPartitions(ctx); err != nil {
		// the kernel side is attached, do not leave it behind
		detach := runner.Command("kpartx", "-d", "-v", "-s", m.rawDisk)
		if derr := m.runner.Sudo(context.WithoutCancel(ctx), detach).Err(detach); derr != nil {
			m.logger.ErrorContext(ctx, "failed to detach after load failure", "error", derr)
		}
		m.reset()
		return fmt.Errorf("map %s: %w", m.rawDisk, err)
	}

	m.state = Mapped
	return nil
}

// LoadPartitions (re)reads the mappings from the attachment tool without
// attaching anything and derives the mount layout.
func (m *Mapper) LoadPartitions(ctx context.Context) error {
	cmd := runner.Output("kpartx", "-l", m.rawDisk)
	result := m.runner.Sudo(ctx, cmd)
	if err := result.Err(cmd); err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	mappings := ParseReport(result.Stdout)
	if len(mappings) == 0 {
		return fmt.Errorf("list partitions of %s: %w", m.rawDisk, ErrNoMappings)
	}
	for _, mapping := range mappings {
		m.logger.InfoContext(ctx, "mapping",
			"name", mapping.Name,
			"path", mapping.Path,
			"parent", mapping.Parent,
			"size_blocks", mapping.SizeBlocks,
			"start_block", mapping.StartBlock)
	}

	m.mappings = mappings
	m.mountPoints = MountLayout(m.mountRoot, mappings)
	return nil
}

// FirstMapping returns the first mapping in discovery order.
func (m *Mapper) FirstMapping() (Mapping, error) {
	if len(m.mappings) == 0 {
		return Mapping{}, ErrNoMappings
	}
	m.logger.Debug("first mapping", "name", m.mappings[0].Name, "total", len(m.mappings))
	return m.mappings[0], nil
}

// Mount mounts every mapping at its mount point. If one mount fails, the
// mappings mounted before it are unmounted again.
func (m *Mapper) Mount(ctx context.Context) error {
	if m.state == Mounted {
		return fmt.Errorf("%w: mount while %s", ErrInvalidState, m.state)
	}
	if err := m.loadPartitionsIfNeeded(ctx); err != nil {
		return err
	}
	if err := m.checkMountMap(); err != nil {
		return err
	}

	for i, mapping := range m.mappings {
		point := m.mountPoints[i]
		if err := os.MkdirAll(point, 0o755); err != nil {
			m.rollbackMounts(ctx, i)
			return fmt.Errorf("create mount point %s: %w", point, err)
		}

		cmd := runner.Output("mount", mapping.Path, point)
		if err := m.runner.Sudo(ctx, cmd).Err(cmd); err != nil {
			m.rollbackMounts(ctx, i)
			return fmt.Errorf("mount %s: %w", mapping.Name, err)
		}
		m.logger.InfoContext(ctx, "mounted", "device", mapping.Path, "mountpoint", point)
	}

	m.state = Mounted
	return nil
}

// Unmount unmounts every mount point, flushes buffers and waits for the
// settle delay. Every mount point is attempted even if one fails.
func (m *Mapper) Unmount(ctx context.Context) error {
	if err := m.loadPartitionsIfNeeded(ctx); err != nil {
		return err
	}
	if err := m.checkMountMap(); err != nil {
		return err
	}

	var errs []error
	for _, point := range m.mountPoints {
		cmd := runner.Output("umount", point)
		if err := m.runner.Sudo(ctx, cmd).Err(cmd); err != nil {
			m.logger.ErrorContext(ctx, "unmount failed", "mountpoint", point, "error", err)
			errs = append(errs, fmt.Errorf("unmount %s: %w", point, err))
			continue
		}
		m.logger.InfoContext(ctx, "unmounted", "mountpoint", point)
	}

	m.syncAndSettle(ctx)
	m.state = Mapped
	return errors.Join(errs...)
}

// Unmap detaches all partitions of the image and forgets the mappings. When
// detaching fails the mapper stays Mapped, the kernel still holds the devices.
func (m *Mapper) Unmap(ctx context.Context) error {
	if m.state == Mounted {
		return fmt.Errorf("%w: unmap while %s", ErrInvalidState, m.state)
	}

	// detaching right after unmount fails on some kernels
	m.syncAndSettle(ctx)

	m.logger.InfoContext(ctx, "unmapping image partitions")
	cmd := runner.Output("kpartx", "-d", "-v", "-s", m.rawDisk)
	if err := m.runner.Sudo(ctx, cmd).Err(cmd); err != nil {
		return fmt.Errorf("unmap %s: %w", m.rawDisk, err)
	}
	m.reset()
	return nil
}

// Sync flushes filesystem buffers.
func (m *Mapper) Sync(ctx context.Context) {
	cmd := runner.Command("sync")
	if err := m.runner.Run(ctx, cmd).Err(cmd); err != nil {
		m.logger.WarnContext(ctx, "sync failed", "error", err)
	}
}

// WithMapped maps the image, runs fn and unmaps the image whatever fn
// returns. Unmap is skipped only when Map itself failed. Unmap still runs
// when ctx is cancelled.
func (m *Mapper) WithMapped(ctx context.Context, fn func() error) (err error) {
	if err := m.Map(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, m.Unmap(context.WithoutCancel(ctx)))
	}()
	return fn()
}

// WithMounted mounts the mappings, runs fn and unmounts whatever fn returns.
// Unmount is skipped only when Mount itself failed. Unmount still runs when
// ctx is cancelled.
func (m *Mapper) WithMounted(ctx context.Context, fn func() error) (err error) {
	if err := m.Mount(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, m.Unmount(context.WithoutCancel(ctx)))
	}()
	return fn()
}

func (m *Mapper) loadPartitionsIfNeeded(ctx context.Context) error {
	if len(m.mappings) > 0 {
		return nil
	}
	return m.LoadPartitions(ctx)
}

func (m *Mapper) checkMountMap() error {
	if len(m.mountPoints) == 0 {
		return fmt.Errorf("%w: %s has no mount points", ErrMountConsistency, m.rawDisk)
	}
	if len(m.mountPoints) != len(m.mappings) {
		return fmt.Errorf("%w: %d device maps, %d mount points",
			ErrMountConsistency, len(m.mappings), len(m.mountPoints))
	}
	return nil
}

func (m *Mapper) rollbackMounts(ctx context.Context, mounted int) {
	ctx = context.WithoutCancel(ctx)
	for i := mounted - 1; i >= 0; i-- {
		cmd := runner.Output("umount", m.mountPoints[i])
		if err := m.runner.Sudo(ctx, cmd).Err(cmd); err != nil {
			m.logger.ErrorContext(ctx, "rollback unmount failed", "mountpoint", m.mountPoints[i], "error", err)
		}
	}
}

func (m *Mapper) syncAndSettle(ctx context.Context) {
	m.Sync(ctx)
	m.sleep(m.settle)
}

func (m *Mapper) reset() {
	m.mappings = nil
	m.mountPoints = nil
	m.state = Unmapped
}
