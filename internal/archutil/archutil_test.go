package archutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/maxdollinger/gcearch/internal/sys"
	"github.com/maxdollinger/gcearch/pkg/runner"
	"github.com/maxdollinger/gcearch/pkg/runner/mock"
)

func newTestTools(t *testing.T) (*Tools, *mock.Runner, string) {
	t.Helper()
	r := mock.NewRunner()
	root := t.TempDir()
	s := sys.NewSystem(
		sys.WithRunner(r),
		sys.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return New(s, WithRoot(root)), r, root
}

func TestSedHelpers(t *testing.T) {
	tools, r, root := newTestTools(t)
	ctx := context.Background()

	if err := tools.Replace(ctx, "/etc/mkinitcpio.conf", "autodetect ", ""); err != nil {
		t.Fatal(err)
	}
	if err := tools.ReplaceLine(ctx, "/etc/pacman.conf", "SigLevel", "SigLevel = Never"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"sed -i s/autodetect //g " + filepath.Join(root, "etc/mkinitcpio.conf"),
		`sed -i /SigLevel/c\SigLevel = Never ` + filepath.Join(root, "etc/pacman.conf"),
	}
	if got := r.Commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestInstallPackages(t *testing.T) {
	tools, r, _ := newTestTools(t)
	ctx := context.Background()

	if err := tools.InstallPackages(ctx); err != nil || len(r.Calls()) != 0 {
		t.Errorf("empty install ran %v, %v", r.Commands(), err)
	}

	r.Return(runner.Result{ExitCode: 1, Stderr: "target not found: nope"}, "pacman")
	err := tools.InstallPackages(ctx, "grep", "nope")
	if !errors.Is(err, runner.ErrToolFailed) {
		t.Errorf("InstallPackages() = %v, want tool failure", err)
	}
	if got := r.Commands()[0]; got != "pacman --noconfirm -S --needed grep nope" {
		t.Errorf("command = %q", got)
	}
}

func TestAurInstall(t *testing.T) {
	tools, r, _ := newTestTools(t)
	ctx := context.Background()

	// makepkg leaves the package in its working directory
	r.On(func(cmd runner.Cmd) runner.Result {
		pkg := filepath.Join(cmd.Dir, "zerofree-1.1.1-1-x86_64.pkg.tar.zst")
		if err := os.WriteFile(pkg, nil, 0o644); err != nil {
			return runner.Result{ExitCode: 1}
		}
		return runner.Result{}
	}, "runuser")

	if err := tools.AurInstall(ctx, "zerofree"); err != nil {
		t.Fatalf("AurInstall() = %v", err)
	}

	cmds := r.Commands()
	if len(cmds) != 4 {
		t.Fatalf("commands = %q", cmds)
	}
	if !strings.Contains(cmds[0], "PKGBUILD?h=zerofree") {
		t.Errorf("download = %q", cmds[0])
	}
	if calls := r.CallsTo("chown"); len(calls) != 1 || !calls[0].Privileged {
		t.Errorf("chown calls = %v", calls)
	}
	if !strings.HasPrefix(cmds[3], "pacman --noconfirm -U ") || !strings.HasSuffix(cmds[3], ".pkg.tar.zst") {
		t.Errorf("install = %q", cmds[3])
	}
}

func TestAurInstallNoPackage(t *testing.T) {
	tools, _, _ := newTestTools(t)
	if err := tools.AurInstall(context.Background(), "zerofree"); err == nil {
		t.Error("AurInstall() succeeded without a built package")
	}
}

func TestSetupLocale(t *testing.T) {
	tools, r, root := newTestTools(t)
	if err := tools.SetupLocale(context.Background()); err != nil {
		t.Fatalf("SetupLocale() = %v", err)
	}

	gen, _ := os.ReadFile(filepath.Join(root, "etc", "locale.gen"))
	if !strings.Contains(string(gen), "en_US.UTF-8 UTF-8") {
		t.Errorf("locale.gen = %q", gen)
	}
	conf, _ := os.ReadFile(filepath.Join(root, "etc", "locale.conf"))
	if !strings.Contains(string(conf), "LANG=en_US.UTF-8") {
		t.Errorf("locale.conf = %q", conf)
	}
	if len(r.CallsTo("locale-gen")) != 1 {
		t.Errorf("commands = %q", r.Commands())
	}
}

func TestSecureDelete(t *testing.T) {
	tools, r, root := newTestTools(t)
	sshDir := filepath.Join(root, "etc", "ssh")
	if err := os.MkdirAll(sshDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ssh_host_rsa_key", "ssh_host_rsa_key.pub", "ssh_config"} {
		if err := os.WriteFile(filepath.Join(sshDir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if err := tools.SecureDelete(context.Background(), "/etc/ssh/ssh_host_rsa_key*"); err != nil {
		t.Fatal(err)
	}
	if n := len(r.CallsTo("shred", "--remove", "--zero")); n != 2 {
		t.Errorf("shred calls = %d, want 2", n)
	}
}

func TestFileHelpers(t *testing.T) {
	tools, _, root := newTestTools(t)

	if err := tools.WriteFile("/etc/motd", "hello\n", 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tools.AppendFile("/etc/motd", "world\n"); err != nil {
		t.Fatal(err)
	}
	content, _ := os.ReadFile(filepath.Join(root, "etc", "motd"))
	if string(content) != "hello\nworld\n" {
		t.Errorf("motd = %q", content)
	}

	if err := tools.Symlink("/dev/null", "/etc/udev/rules.d/80-net-setup-link.rules"); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(root, "etc/udev/rules.d/80-net-setup-link.rules"))
	if err != nil || target != "/dev/null" {
		t.Errorf("link = %q, %v", target, err)
	}

	if err := tools.RemoveAll("/etc"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "etc")); !os.IsNotExist(err) {
		t.Error("etc not removed")
	}
}

func TestChroot(t *testing.T) {
	tools, r, root := newTestTools(t)
	ctx := context.Background()

	if got := ChrootTool(root); got != "arch-chroot" {
		t.Errorf("ChrootTool() without bundled tool = %q", got)
	}

	bundled := filepath.Join(root, "bin", "arch-chroot")
	if err := os.MkdirAll(filepath.Dir(bundled), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bundled, []byte("#!/bin/bash"), 0o755); err != nil {
		t.Fatal(err)
	}

	command := StageCommand("gcearch123", "stage", "H4sIAAAA+/=")
	if command != `/gcearch123/gcearch stage "H4sIAAAA+/="` {
		t.Errorf("StageCommand() = %q", command)
	}
	if err := tools.RunChroot(ctx, root, command); err != nil {
		t.Fatal(err)
	}

	calls := r.Calls()
	want := []string{bundled, root, "/bin/bash", "-c", command}
	if len(calls) != 1 || !calls[0].Privileged || !reflect.DeepEqual(calls[0].Cmd.Args, want) {
		t.Errorf("calls = %v", calls)
	}
}

func TestCopyBuilder(t *testing.T) {
	root := t.TempDir()
	exe := filepath.Join(t.TempDir(), "gcearch")
	if err := os.WriteFile(exe, []byte("ELF"), 0o700); err != nil {
		t.Fatal(err)
	}

	rel, err := CopyBuilder(root, exe)
	if err != nil {
		t.Fatalf("CopyBuilder() = %v", err)
	}
	if filepath.IsAbs(rel) || !strings.HasPrefix(rel, "gcearch") {
		t.Errorf("rel = %q", rel)
	}
	info, err := os.Stat(filepath.Join(root, rel, BinaryName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v", info.Mode())
	}
}
