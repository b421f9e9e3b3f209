package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxdollinger/gcearch/internal/archutil"
	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/sys"
)

// Prepare points pacman in root at the configured mirror and sets up package
// signature checking, or disables it when cfg.NoPacmanKeys is set.
func Prepare(ctx context.Context, s *sys.System, root string, cfg config.BuildConfig) error {
	tools := archutil.New(s, archutil.WithRoot(root))
	tools.LogStep(ctx, "setting up bootstrap environment")

	if err := tools.AppendFile("/etc/pacman.d/mirrorlist", "\nServer = "+cfg.Mirror+"\n"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(root, "run", "shm"), 0o755); err != nil {
		return fmt.Errorf("create run/shm: %w", err)
	}

	if cfg.NoPacmanKeys {
		if err := tools.ReplaceLine(ctx, "/etc/pacman.conf", "SigLevel", "SigLevel = Never"); err != nil {
			return err
		}
	} else {
		for _, command := range []string{"pacman-key --init", "pacman-key --populate archlinux"} {
			if err := tools.RunChroot(ctx, root, command); err != nil {
				return fmt.Errorf("pacman keys: %w", err)
			}
		}
	}

	if err := tools.RunChroot(ctx, root, "pacman --noconfirm -Sy"); err != nil {
		return fmt.Errorf("sync package databases: %w", err)
	}
	return nil
}
