// Package fs provides filesystem operations for preparing a bootstrap root.
//
// The main component is the tar extractor shared by two sources: a bootstrap
// archive on disk (ExtractArchive) and the layers of an OCI image
// (LayerFlattener). It handles:
//   - gzip, zstd and uncompressed archives
//   - file modes including setuid, setgid and sticky bits
//   - OCI whiteout markers (.wh.* files) for deletions, layers only
//   - Opaque whiteouts (.wh..wh..opaque) for directory clearing
//   - Directory traversal protection
//   - Context cancellation
//
// Ownership is restored when the process may do so, that is when it runs as
// root.
package fs

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/maxdollinger/gcearch/pkg/oci"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type LayerFlattener struct{}

func NewLayerFlattener() *LayerFlattener {
	return &LayerFlattener{}
}

func (f *LayerFlattener) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	for i, layer := range layers {
		if err := f.extractLayer(ctx, layer, targetDir); err != nil {
			return fmt.Errorf("extract layer %d: %w", i, err)
		}
	}

	return nil
}

func (f *LayerFlattener) extractLayer(ctx context.Context, layer oci.Layer, targetDir string) error {
	reader, err := layer.Compressed(ctx)
	if err != nil {
		return fmt.Errorf("get compressed layer: %w", err)
	}
	defer reader.Close()

	return extract(ctx, reader, targetDir, true)
}

// ExtractArchive unpacks the tar archive at path into targetDir. The
// compression is detected from the content, not the file name.
func ExtractArchive(ctx context.Context, path, targetDir string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	if err := extract(ctx, file, targetDir, false); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return nil
}

func extract(ctx context.Context, r io.Reader, targetDir string, whiteouts bool) error {
	stream, closeStream, err := decompress(r)
	if err != nil {
		return err
	}
	defer closeStream()

	tarReader := tar.NewReader(stream)
	var dirs []*tar.Header

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if whiteouts && isWhiteout(header.Name) {
			if err := handleWhiteout(targetDir, header.Name); err != nil {
				return fmt.Errorf("handle whiteout: %w", err)
			}
			continue
		}

		if err := extractTarEntry(targetDir, header, tarReader); err != nil {
			return fmt.Errorf("extract tar entry %q: %w", header.Name, err)
		}
		if header.Typeflag == tar.TypeDir {
			dirs = append(dirs, header)
		}
	}

	// directory modes last, a read only directory would block its children
	for i := len(dirs) - 1; i >= 0; i-- {
		path := filepath.Join(targetDir, filepath.Clean(dirs[i].Name))
		if err := os.Chmod(path, dirs[i].FileInfo().Mode().Perm()|specialBits(dirs[i])); err != nil {
			return fmt.Errorf("chmod %s: %w", dirs[i].Name, err)
		}
	}

	return nil
}

func decompress(r io.Reader) (io.Reader, func(), error) {
	buffered := bufio.NewReader(r)
	head, err := buffered.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("read archive header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress gzip: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(buffered)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress zstd: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return buffered, func() {}, nil
	}
}

func isWhiteout(name string) bool {
	// OCI whiteout: .wh.FILENAME deletes FILENAME
	// Opaque whiteout: .wh..wh..opaque deletes the directory
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, ".wh.")
}

// handleWhiteout removes a file or directory indicated by a whiteout marker
func handleWhiteout(targetDir, whiteoutPath string) error {
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))
	actualName := strings.TrimPrefix(file, ".wh.")

	if actualName == ".wh..opaque" {
		opaqueDir, err := securePath(targetDir, dir)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(opaqueDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove opaque directory: %w", err)
		}
		if err := os.MkdirAll(opaqueDir, 0o755); err != nil {
			return fmt.Errorf("recreate opaque directory: %w", err)
		}
		return nil
	}

	deletePath, err := securePath(targetDir, filepath.Join(dir, actualName))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(deletePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout file: %w", err)
	}

	return nil
}

// securePath joins name to targetDir and rejects results outside of it.
func securePath(targetDir, name string) (string, error) {
	targetPath := filepath.Join(targetDir, filepath.Clean(name))
	if targetPath != filepath.Clean(targetDir) &&
		!strings.HasPrefix(targetPath, filepath.Clean(targetDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", name)
	}
	return targetPath, nil
}

// extractTarEntry extracts a single tar entry to the target directory
func extractTarEntry(targetDir string, header *tar.Header, reader io.Reader) error {
	targetPath, err := securePath(targetDir, header.Name)
	if err != nil {
		return err
	}
	mode := header.FileInfo().Mode().Perm() | specialBits(header)

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		// never write through an existing symlink
		_ = os.Remove(targetPath)

		if err := writeFile(targetPath, reader, header.Size); err != nil {
			return err
		}
		// chown clears setuid, so the mode is applied after it
		_ = os.Lchown(targetPath, header.Uid, header.Gid)
		if err := os.Chmod(targetPath, mode); err != nil {
			return fmt.Errorf("chmod: %w", err)
		}

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		_ = os.Remove(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeLink:
		linkTarget, err := securePath(targetDir, header.Linkname)
		if err != nil {
			return fmt.Errorf("hardlink: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		_ = os.Remove(targetPath)
		if err := os.Link(linkTarget, targetPath); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// device nodes are provided by arch-chroot at runtime
		return nil

	default:
		return nil
	}

	return nil
}

func writeFile(path string, reader io.Reader, size int64) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	if _, err := io.CopyN(file, reader, size); err != nil && err != io.EOF {
		_ = file.Close()
		return fmt.Errorf("copy file content: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func specialBits(header *tar.Header) os.FileMode {
	var mode os.FileMode
	fm := header.FileInfo().Mode()
	if fm&os.ModeSetuid != 0 {
		mode |= os.ModeSetuid
	}
	if fm&os.ModeSetgid != 0 {
		mode |= os.ModeSetgid
	}
	if fm&os.ModeSticky != 0 {
		mode |= os.ModeSticky
	}
	return mode
}
