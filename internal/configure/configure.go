// Package configure is the third build stage. It runs inside the chroot of
// the freshly installed image and turns a plain Arch Linux install into a
// Compute Engine guest.
package configure

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/gcearch/internal/archutil"
	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/sys"
	"github.com/maxdollinger/gcearch/pkg/runner"
)

//go:embed files
var files embed.FS

const (
	syslinuxDir = "/boot/syslinux"
	syslinuxCfg = "/boot/syslinux/syslinux.cfg"
	biosDir     = "/usr/lib/syslinux/bios"

	cloudSDKURL = "https://dl.google.com/dl/cloudsdk/release/google-cloud-sdk.zip"
	googleDir   = "/usr/share/google"
)

const kernelModules = "virtio virtio_blk virtio_pci virtio_scsi virtio_net"

// BootParams are appended to the kernel command line of every image.
var BootParams = []string{
	"console=ttyS0,38400",
	"CONFIG_KVM_GUEST=y",
	"CONFIG_KVM_CLOCK=y",
	"CONFIG_VIRTIO_PCI=y",
	"CONFIG_SCSI_VIRTIO=y",
	"CONFIG_VIRTIO_NET=y",
	"CONFIG_STRICT_DEVMEM=y",
	"CONFIG_DEVKMEM=n",
	"CONFIG_DEFAULT_MMAP_MIN_ADDR=65536",
	"CONFIG_DEBUG_RODATA=y",
	"CONFIG_DEBUG_SET_MODULE_RONX=y",
	"CONFIG_CC_STACKPROTECTOR=y",
	"CONFIG_COMPAT_VDSO=n",
	"CONFIG_COMPAT_BRK=n",
	"CONFIG_X86_PAE=y",
	"CONFIG_SYN_COOKIES=y",
	"CONFIG_SECURITY_YAMA=y",
	"CONFIG_SECURITY_YAMA_STACKED=y",
}

// DebugBootParams send systemd and journald output to the console.
var DebugBootParams = []string{
	"systemd.log_level=debug",
	"systemd.log_target=console",
	"systemd.journald.forward_to_syslog=yes",
	"systemd.journald.forward_to_kmsg=yes",
	"systemd.journald.forward_to_console=yes",
}

var googleServices = []string{
	"google-accounts-manager.service",
	"google-address-manager.service",
	"google.service",
	"google-startup-scripts.service",
}

type Configurator struct {
	sys    *sys.System
	tools  *archutil.Tools
	logger *slog.Logger
}

type Option func(*Configurator)

// WithRoot configures the tree at root instead of "/".
func WithRoot(root string) Option {
	return func(c *Configurator) {
		c.tools = archutil.New(c.sys, archutil.WithRoot(root))
	}
}

func New(s *sys.System, opts ...Option) *Configurator {
	c := &Configurator{
		sys:    s,
		tools:  archutil.New(s),
		logger: s.Logger().With("component", "configure"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type step struct {
	name string
	run  func(ctx context.Context, cfg config.BuildConfig) error
}

// Run applies every configuration step in order and stops at the first
// failure. Accounts are validated before anything is changed.
func (c *Configurator) Run(ctx context.Context, cfg config.BuildConfig) error {
	if _, err := cfg.ParseAccounts(); err != nil {
		return err
	}
	if cfg.Device == "" || cfg.DiskUUID == "" {
		return fmt.Errorf("configure needs the boot device and disk uuid")
	}

	steps := []step{
		{"locale", func(ctx context.Context, _ config.BuildConfig) error { return c.tools.SetupLocale(ctx) }},
		{"timezone", c.ConfigureTimeZone},
		{"kernel", c.ConfigureKernel},
		{"bootloader", c.InstallBootloader},
		{"journald", c.ForwardJournalToConsole},
		{"ntp", c.SetupNtp},
		{"network", c.SetupNetwork},
		{"ssh", c.SetupSsh},
		{"accounts", c.SetupAccounts},
		{"packages", c.InstallPackages},
		{"gce packages", c.InstallGcePackages},
		{"motd", c.ConfigureMotd},
		{"security", c.ConfigureSecurity},
		{"serial console", c.ConfigureSerialConsole},
		{"services", c.DisableUnusedServices},
		{"package cache", c.OptimizePackages},
	}

	for _, s := range steps {
		if err := s.run(ctx, cfg); err != nil {
			c.logger.ErrorContext(ctx, "configuration step failed", "step", s.name, "error", err)
			return fmt.Errorf("configure %s: %w", s.name, err)
		}
	}
	return nil
}

func (c *Configurator) ConfigureTimeZone(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "set timezone to UTC")
	return c.tools.Symlink("/usr/share/zoneinfo/UTC", "/etc/localtime")
}

// ConfigureKernel builds an initramfs carrying the virtio drivers for any
// host, not only the build machine.
func (c *Configurator) ConfigureKernel(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "configure kernel")
	if err := c.tools.Sed(ctx, "/etc/mkinitcpio.conf", "s/^MODULES=.*/MODULES=("+kernelModules+")/"); err != nil {
		return err
	}
	if err := c.tools.Replace(ctx, "/etc/mkinitcpio.conf", "autodetect ", ""); err != nil {
		return err
	}
	return c.tools.Run(ctx, runner.Command("mkinitcpio",
		"-g", "/boot/initramfs-linux.img",
		"-k", "/boot/vmlinuz-linux",
		"-c", "/etc/mkinitcpio.conf"))
}

// InstallBootloader installs syslinux on the root filesystem and its MBR on
// the parent device.
func (c *Configurator) InstallBootloader(ctx context.Context, cfg config.BuildConfig) error {
	c.tools.LogStep(ctx, "install syslinux bootloader")

	c.logPartitionTable(ctx, cfg.Device)
	if err := os.MkdirAll(c.tools.Path(syslinuxDir), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", syslinuxDir, err)
	}
	if err := c.tools.CopyFiles(ctx, biosDir+"/*.c32", syslinuxDir+"/"); err != nil {
		return err
	}
	if err := c.tools.Run(ctx, runner.Command("extlinux", "--install", syslinuxDir)); err != nil {
		return fmt.Errorf("extlinux: %w", err)
	}
	if err := c.tools.Replace(ctx, syslinuxCfg, "sda3", "sda1"); err != nil {
		return err
	}

	c.tools.BestEffort(ctx, runner.Command("fdisk", "-l", cfg.Device))
	dd := runner.Command("dd", "bs=440", "count=1", "conv=notrunc", "if="+biosDir+"/mbr.bin", "of="+cfg.Device)
	if err := c.tools.Run(ctx, dd); err != nil {
		return fmt.Errorf("write mbr: %w", err)
	}

	return c.tools.ReplaceLine(ctx, syslinuxCfg, "APPEND root=", AppendLine(cfg.DiskUUID, cfg.DebugMode))
}

// logPartitionTable reports the partition table type syslinux is installed
// for. The lookup is informational only.
func (c *Configurator) logPartitionTable(ctx context.Context, device string) {
	cmd := runner.Output("blkid", "-s", "PTTYPE", "-o", "value", device)
	result := c.sys.Runner().Run(ctx, cmd)
	if err := result.Err(cmd); err != nil {
		c.logger.WarnContext(ctx, "could not read partition table type", "device", device, "error", err)
		return
	}
	c.logger.DebugContext(ctx, "partition table", "device", device, "type", strings.TrimSpace(result.Stdout))
}

// AppendLine is the syslinux kernel command line of the root filesystem.
func AppendLine(uuid string, debug bool) string {
	params := BootParams
	if debug {
		params = append(append([]string(nil), BootParams...), DebugBootParams...)
	}
	return fmt.Sprintf("    APPEND root=UUID=%s rw append %s", uuid, strings.Join(params, " "))
}

func (c *Configurator) ForwardJournalToConsole(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "forward journal to console")
	return c.tools.AppendFile("/etc/systemd/journald.conf", "\nForwardToConsole=yes\n")
}

func (c *Configurator) SetupNtp(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "configure ntp")
	return c.tools.WriteFile("/etc/ntp.conf", "server metadata.google.internal iburst\n", 0o644)
}

func (c *Configurator) SetupNetwork(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "setup networking")
	if err := c.tools.SecureDelete(ctx, "/etc/hostname"); err != nil {
		return err
	}
	if err := c.writeEmbedded("hosts", "/etc/hosts", 0o644); err != nil {
		return err
	}
	if err := c.writeEmbedded("70-disable-ipv6.conf", "/etc/sysctl.d/70-disable-ipv6.conf", 0o644); err != nil {
		return err
	}
	// traditional interface names, eth0 instead of ens4
	if err := c.tools.Symlink("/dev/null", "/etc/udev/rules.d/80-net-setup-link.rules"); err != nil {
		return err
	}
	for _, service := range []string{"dhcpcd.service", "systemd-networkd.service", "systemd-networkd-wait-online.service"} {
		if err := c.tools.EnableService(ctx, service); err != nil {
			return err
		}
	}
	return nil
}

// SetupSsh installs the hardened ssh configuration and removes host keys so
// every instance generates its own.
func (c *Configurator) SetupSsh(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "configure ssh")
	if err := c.tools.WriteFile("/etc/ssh/sshd_not_to_be_run", "GOOGLE\n", 0o644); err != nil {
		return err
	}
	for _, pattern := range []string{"/etc/ssh/ssh_host_key", "/etc/ssh/ssh_host_*_key*"} {
		if err := c.tools.SecureDelete(ctx, pattern); err != nil {
			return err
		}
	}
	if err := c.writeEmbedded("ssh_config", "/etc/ssh/ssh_config", 0o644); err != nil {
		return err
	}
	if err := c.writeEmbedded("sshd_config", "/etc/ssh/sshd_config", 0o644); err != nil {
		return err
	}
	return c.tools.EnableService(ctx, "sshd.service")
}

func (c *Configurator) SetupAccounts(ctx context.Context, cfg config.BuildConfig) error {
	accounts, err := cfg.ParseAccounts()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	c.tools.LogStep(ctx, "add accounts")
	for _, account := range accounts {
		c.logger.InfoContext(ctx, "adding account", "user", account.Username)
		useradd := runner.Command("useradd", account.Username, "-m", "-s", "/bin/bash", "-G", "adm,video")
		if err := c.tools.Run(ctx, useradd); err != nil {
			return fmt.Errorf("add user %s: %w", account.Username, err)
		}

		// the password goes through stdin, never the argument list
		chpasswd := runner.Command("chpasswd")
		chpasswd.Stdin = strings.NewReader(account.Username + ":" + account.Password + "\n")
		if err := c.tools.Run(ctx, chpasswd); err != nil {
			return fmt.Errorf("set password of %s: %w", account.Username, err)
		}
	}
	return nil
}

func (c *Configurator) InstallPackages(ctx context.Context, cfg config.BuildConfig) error {
	if len(cfg.Packages) == 0 {
		return nil
	}
	c.tools.LogStep(ctx, "install additional packages")
	return c.tools.InstallPackages(ctx, cfg.Packages...)
}

// InstallGcePackages installs the Cloud SDK and the Compute Engine guest
// daemons. Both are optional, failures are logged and the build goes on.
func (c *Configurator) InstallGcePackages(ctx context.Context, cfg config.BuildConfig) error {
	if err := c.installCloudSDK(ctx); err != nil {
		c.logger.WarnContext(ctx, "google cloud sdk not installed", "error", err)
	}
	if cfg.PackagesDir == "" {
		c.logger.WarnContext(ctx, "no compute-image-packages checkout")
		return nil
	}
	if err := c.installComputeImagePackages(ctx, cfg.PackagesDir); err != nil {
		c.logger.WarnContext(ctx, "compute-image-packages not installed", "error", err)
	}
	return nil
}

func (c *Configurator) installCloudSDK(ctx context.Context) error {
	c.tools.LogStep(ctx, "install google cloud sdk")

	archive := googleDir + "/google-cloud-sdk.zip"
	sdkDir := googleDir + "/google-cloud-sdk"
	if err := os.MkdirAll(c.tools.Path(googleDir), 0o755); err != nil {
		return err
	}
	if err := c.tools.Download(ctx, cloudSDKURL, c.tools.Path(archive)); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := c.tools.Run(ctx, runner.Command("unzip", c.tools.Path(archive), "-d", c.tools.Path(googleDir))); err != nil {
		return fmt.Errorf("unzip: %w", err)
	}
	if err := c.tools.AppendFile("/etc/bash.bashrc", "\nexport CLOUDSDK_PYTHON=/usr/bin/python\n"); err != nil {
		return err
	}

	install := runner.Command(filepath.Join(c.tools.Path(sdkDir), "install.sh"),
		"--usage-reporting", "false",
		"--bash-completion", "true",
		"--disable-installation-options",
		"--rc-path", "/etc/bash.bashrc",
		"--path-update", "true")
	install.Dir = c.tools.Path(sdkDir)
	install.Env = map[string]string{"CLOUDSDK_PYTHON": "/usr/bin/python"}
	if err := c.tools.Run(ctx, install); err != nil {
		return fmt.Errorf("install: %w", err)
	}

	for _, bin := range []string{"gcloud", "gsutil"} {
		if err := c.tools.Symlink(filepath.Join(sdkDir, "bin", bin), "/usr/bin/"+bin); err != nil {
			return err
		}
	}
	return c.tools.SecureDelete(ctx, archive)
}

func (c *Configurator) installComputeImagePackages(ctx context.Context, packagesDir string) error {
	c.tools.LogStep(ctx, "install compute-image-packages")

	dir := c.tools.Path(packagesDir)
	shebang := runner.Command(fmt.Sprintf(
		`grep -lRZ python %s | xargs -0 -r sed -i -e '/#!.*python/c\#!/usr/bin/env python'`, dir))
	shebang.Shell = true
	if err := c.tools.Run(ctx, shebang); err != nil {
		return fmt.Errorf("rewrite interpreters: %w", err)
	}

	for _, component := range []string{"google-daemon", "google-startup-scripts"} {
		if err := c.tools.CopyFiles(ctx, filepath.Join(packagesDir, component, "*"), "/"); err != nil {
			return err
		}
	}
	if err := c.tools.SecureDelete(ctx, "/README.md"); err != nil {
		return err
	}

	for _, service := range googleServices {
		unit := "/usr/lib/systemd/system/" + service
		// start once the network is actually up
		if err := c.tools.ReplaceLine(ctx, unit, "After=network.target", "After=network-online.target"); err != nil {
			return err
		}
		if err := c.tools.ReplaceLine(ctx, unit, "Requires=network.target", "Requires=network-online.target"); err != nil {
			return err
		}
	}
	for _, service := range googleServices {
		if err := c.tools.EnableService(ctx, service); err != nil {
			return err
		}
	}
	return c.tools.RemoveAll(packagesDir)
}

func (c *Configurator) ConfigureMotd(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "configure message of the day")
	return c.writeEmbedded("motd", "/etc/motd", 0o644)
}

// ConfigureSecurity applies the Compute Engine hardening recommendations.
func (c *Configurator) ConfigureSecurity(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "compute engine security recommendations")
	for _, name := range []string{"70-gce-security-strongly-recommended.conf", "70-gce-security-recommended.conf"} {
		if err := c.writeEmbedded(name, "/etc/sysctl.d/"+name, 0o644); err != nil {
			return err
		}
	}

	c.tools.LogStep(ctx, "lock root user account")
	if err := c.tools.Run(ctx, runner.Command("usermod", "-L", "root")); err != nil {
		return fmt.Errorf("lock root: %w", err)
	}

	c.tools.LogStep(ctx, "pam security settings")
	if err := c.writeEmbedded("pam-passwd", "/etc/pam.d/passwd", 0o644); err != nil {
		return err
	}

	c.tools.LogStep(ctx, "remove the kernel symbol table")
	if err := c.tools.SecureDelete(ctx, "/boot/System.map*"); err != nil {
		return err
	}

	c.tools.LogStep(ctx, "sudo access")
	sudoers := "/etc/sudoers.d/add-group-adm"
	if err := c.writeEmbedded("sudoers-add-group-adm", sudoers, 0o440); err != nil {
		return err
	}
	if err := c.tools.Run(ctx, runner.Command("chown", "root:root", c.tools.Path(sudoers))); err != nil {
		return fmt.Errorf("chown sudoers: %w", err)
	}
	return nil
}

func (c *Configurator) ConfigureSerialConsole(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "configure serial port output")
	if err := c.tools.Sed(ctx, syslinuxCfg, "/DEFAULT/aserial 0 38400"); err != nil {
		return err
	}
	return c.tools.ReplaceLine(ctx, syslinuxCfg, "TIMEOUT", "TIMEOUT 1")
}

func (c *Configurator) DisableUnusedServices(ctx context.Context, _ config.BuildConfig) error {
	for _, service := range []string{"getty@tty1.service", "graphical.target"} {
		if err := c.tools.DisableService(ctx, service); err != nil {
			return err
		}
	}
	return nil
}

func (c *Configurator) OptimizePackages(ctx context.Context, _ config.BuildConfig) error {
	c.tools.LogStep(ctx, "cleanup cached package data")
	if err := c.tools.Pacman(ctx, "", "-Syu"); err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	if err := c.tools.Pacman(ctx, "", "-Sc"); err != nil {
		return fmt.Errorf("clean cache: %w", err)
	}
	return nil
}

func (c *Configurator) writeEmbedded(name, dest string, perm os.FileMode) error {
	content, err := files.ReadFile("files/" + name)
	if err != nil {
		return fmt.Errorf("read embedded %s: %w", name, err)
	}
	return c.tools.WriteFile(dest, string(content), perm)
}
