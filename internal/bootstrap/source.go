// Package bootstrap provides the Arch Linux root filesystem the host stage
// chroots into: the official bootstrap tarball or the layers of an OCI image.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Source materialises a bootstrap root filesystem below a workspace.
type Source interface {
	// Fetch unpacks the bootstrap into workspace and returns the root
	// directory and the digest of what was unpacked.
	Fetch(ctx context.Context, workspace string) (string, digest.Digest, error)
	Info() string
}

// FindRoot returns the first directory in workspace. Bootstrap archives carry
// a single top level directory such as root.x86_64.
func FindRoot(workspace string) (string, error) {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return "", fmt.Errorf("read workspace: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(workspace, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no root directory in %s", workspace)
}
