package archutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxdollinger/gcearch/pkg/fs"
	"github.com/maxdollinger/gcearch/pkg/runner"
)

// BinaryName is the name of the builder binary inside a chroot.
const BinaryName = "gcearch"

// ChrootTool returns the arch-chroot shipped in root, or the one on the PATH
// when root has none.
func ChrootTool(root string) string {
	bundled := filepath.Join(root, "bin", "arch-chroot")
	if info, err := os.Stat(bundled); err == nil && !info.IsDir() {
		return bundled
	}
	return "arch-chroot"
}

// ChrootCommand builds the elevated invocation of command inside root.
func ChrootCommand(root, command string) runner.Cmd {
	return runner.Command(ChrootTool(root), root, "/bin/bash", "-c", command)
}

// StageCommand is the shell command running a builder stage inside a chroot.
// token must be a codec token, its alphabet needs no escaping.
func StageCommand(relDir, stage, token string) string {
	return fmt.Sprintf("%s %s \"%s\"", filepath.Join("/", relDir, BinaryName), stage, token)
}

// RunChroot executes command inside root with elevated rights.
func (t *Tools) RunChroot(ctx context.Context, root, command string) error {
	cmd := ChrootCommand(root, command)
	t.logger.DebugContext(ctx, "chroot", "root", root, "tool", cmd.Args[0])
	if err := t.runner.Sudo(ctx, cmd).Err(cmd); err != nil {
		return fmt.Errorf("chroot %s: %w", root, err)
	}
	return nil
}

// CopyBuilder copies the executable into a fresh directory below root and
// returns that directory relative to root.
func CopyBuilder(root, executable string) (string, error) {
	dir, err := os.MkdirTemp(root, "gcearch")
	if err != nil {
		return "", fmt.Errorf("create builder directory: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return "", fmt.Errorf("chmod builder directory: %w", err)
	}
	if err := fs.CopyFile(executable, filepath.Join(dir, BinaryName), 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("copy builder: %w", err)
	}
	return filepath.Rel(root, dir)
}
