// Package archutil wraps the Arch Linux tooling used while provisioning:
// pacman, pacstrap, makepkg, systemctl and friends.
//
// Tools resolves every file path against its root, which is "/" inside a
// chroot. Commands run through the build context's runner so tests can
// replace them.
package archutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/gcearch/internal/sys"
	"github.com/maxdollinger/gcearch/pkg/fs"
	"github.com/maxdollinger/gcearch/pkg/runner"
)

// BuilderUser builds AUR packages, makepkg refuses to run as root.
const BuilderUser = "nobody"

const localeGen = `
en_US.UTF-8 UTF-8
en_US ISO-8859-1
`

type Tools struct {
	runner runner.Runner
	logger *slog.Logger
	root   string
}

type Option func(*Tools)

// WithRoot resolves file paths below root instead of "/".
func WithRoot(root string) Option {
	return func(t *Tools) {
		t.root = root
	}
}

func New(s *sys.System, opts ...Option) *Tools {
	t := &Tools{
		runner: s.Runner(),
		logger: s.Logger(),
		root:   "/",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Path resolves an absolute guest path.
func (t *Tools) Path(p string) string {
	return filepath.Join(t.root, p)
}

// LogStep announces a build step.
func (t *Tools) LogStep(ctx context.Context, step string) {
	t.logger.InfoContext(ctx, "step", "step", step)
}

// Run executes cmd and converts a failure into an error.
func (t *Tools) Run(ctx context.Context, cmd runner.Cmd) error {
	return t.runner.Run(ctx, cmd).Err(cmd)
}

// BestEffort executes cmd and only logs a failure.
func (t *Tools) BestEffort(ctx context.Context, cmd runner.Cmd) {
	if err := t.Run(ctx, cmd); err != nil {
		t.logger.WarnContext(ctx, "ignoring failed command", "error", err)
	}
}

func (t *Tools) Pacman(ctx context.Context, dir string, args ...string) error {
	cmd := runner.Command(append([]string{"pacman", "--noconfirm"}, args...)...)
	cmd.Dir = dir
	return t.Run(ctx, cmd)
}

func (t *Tools) InstallPackages(ctx context.Context, packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	if err := t.Pacman(ctx, "", append([]string{"-S", "--needed"}, packages...)...); err != nil {
		return fmt.Errorf("install %s: %w", strings.Join(packages, " "), err)
	}
	return nil
}

// Pacstrap installs packages into a new root.
func (t *Tools) Pacstrap(ctx context.Context, root string, packages ...string) error {
	cmd := runner.Command(append([]string{"pacstrap", root}, packages...)...)
	if err := t.Run(ctx, cmd); err != nil {
		return fmt.Errorf("pacstrap: %w", err)
	}
	return nil
}

// Download fetches url into dest.
func (t *Tools) Download(ctx context.Context, url, dest string) error {
	return t.Run(ctx, runner.Command("wget", "-O", dest, url, "-nv"))
}

// AurInstall builds an AUR package as BuilderUser and installs it.
func (t *Tools) AurInstall(ctx context.Context, name string) (err error) {
	t.LogStep(ctx, "install "+name+" from AUR")

	workspace, err := os.MkdirTemp(t.root, "gcearch")
	if err != nil {
		return fmt.Errorf("create aur workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			t.logger.WarnContext(ctx, "failed to remove aur workspace", "dir", workspace, "error", rmErr)
		}
	}()

	url := "https://aur.archlinux.org/cgit/aur.git/plain/PKGBUILD?h=" + strings.ToLower(name)
	if err := t.Download(ctx, url, filepath.Join(workspace, "PKGBUILD")); err != nil {
		return fmt.Errorf("download PKGBUILD of %s: %w", name, err)
	}

	chown := runner.Command("chown", "-R", BuilderUser, workspace)
	if err := t.runner.Sudo(ctx, chown).Err(chown); err != nil {
		return fmt.Errorf("chown aur workspace: %w", err)
	}

	makepkg := runner.Command("runuser", "-m", BuilderUser, "-c", "makepkg")
	makepkg.Dir = workspace
	if err := t.Run(ctx, makepkg); err != nil {
		return fmt.Errorf("makepkg %s: %w", name, err)
	}

	packages, err := filepath.Glob(filepath.Join(workspace, "*.pkg.tar*"))
	if err != nil || len(packages) == 0 {
		return fmt.Errorf("makepkg %s produced no package", name)
	}
	if err := t.Pacman(ctx, workspace, "-U", packages[0]); err != nil {
		return fmt.Errorf("install %s: %w", name, err)
	}
	return nil
}

// SetupLocale enables the en_US locales and makes en_US.UTF-8 the default.
func (t *Tools) SetupLocale(ctx context.Context) error {
	if err := t.AppendFile("/etc/locale.gen", localeGen); err != nil {
		return err
	}
	if err := t.Run(ctx, runner.Command("locale-gen")); err != nil {
		return fmt.Errorf("locale-gen: %w", err)
	}
	// localectl needs a running systemd, locale.conf does not
	if err := t.WriteFile("/etc/locale.conf", "LANG=en_US.UTF-8\nLC_COLLATE=C\n", 0o644); err != nil {
		return err
	}
	return nil
}

// Sed edits a guest file in place.
func (t *Tools) Sed(ctx context.Context, file, expression string) error {
	if err := t.Run(ctx, runner.Command("sed", "-i", expression, t.Path(file))); err != nil {
		return fmt.Errorf("edit %s: %w", file, err)
	}
	return nil
}

// Replace substitutes every match of pattern.
func (t *Tools) Replace(ctx context.Context, file, pattern, replacement string) error {
	return t.Sed(ctx, file, fmt.Sprintf("s/%s/%s/g", pattern, replacement))
}

// ReplaceLine replaces every line matching pattern with line.
func (t *Tools) ReplaceLine(ctx context.Context, file, pattern, line string) error {
	return t.Sed(ctx, file, fmt.Sprintf("/%s/c\\%s", pattern, line))
}

func (t *Tools) EnableService(ctx context.Context, service string) error {
	if err := t.Run(ctx, runner.Command("systemctl", "enable", service)); err != nil {
		return fmt.Errorf("enable %s: %w", service, err)
	}
	return nil
}

func (t *Tools) DisableService(ctx context.Context, service string) error {
	if err := t.Run(ctx, runner.Command("systemctl", "disable", service)); err != nil {
		return fmt.Errorf("disable %s: %w", service, err)
	}
	return nil
}

// Symlink creates link pointing at target, replacing an existing link.
func (t *Tools) Symlink(target, link string) error {
	path := t.Path(link)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_ = os.Remove(path)
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("symlink %s: %w", link, err)
	}
	return nil
}

// SecureDelete shreds every guest file matching pattern.
func (t *Tools) SecureDelete(ctx context.Context, pattern string) error {
	matches, err := filepath.Glob(t.Path(pattern))
	if err != nil {
		return fmt.Errorf("glob %s: %w", pattern, err)
	}
	for _, match := range matches {
		t.logger.WarnContext(ctx, "deleting", "file", match)
		if err := t.Run(ctx, runner.Command("shred", "--remove", "--zero", match)); err != nil {
			return fmt.Errorf("shred %s: %w", match, err)
		}
	}
	return nil
}

// CopyFiles copies every guest file matching pattern into dest.
func (t *Tools) CopyFiles(ctx context.Context, pattern, dest string) error {
	matches, err := filepath.Glob(t.Path(pattern))
	if err != nil {
		return fmt.Errorf("glob %s: %w", pattern, err)
	}
	for _, match := range matches {
		if err := t.Run(ctx, runner.Command("cp", "-Rf", match, t.Path(dest))); err != nil {
			return fmt.Errorf("copy %s: %w", match, err)
		}
	}
	return nil
}

// WriteFile atomically replaces a guest file.
func (t *Tools) WriteFile(file, content string, perm os.FileMode) error {
	path := t.Path(file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", file, err)
	}
	if err := fs.WriteFileAtomic(path, []byte(content), perm); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

func (t *Tools) AppendFile(file, content string) error {
	path := t.Path(file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", file, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to %s: %w", file, err)
	}
	return f.Close()
}

// RemoveAll deletes a guest directory tree.
func (t *Tools) RemoveAll(dir string) error {
	if err := os.RemoveAll(t.Path(dir)); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}
