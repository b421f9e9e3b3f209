package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CreateSparseFile creates or truncates path to sizeBytes without allocating
// the blocks.
func CreateSparseFile(path string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return fmt.Errorf("invalid size %d", sizeBytes)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating file: %w", err)
	}
	defer f.Close()

	_, err = f.Seek(sizeBytes-1, io.SeekStart)
	if err != nil {
		return fmt.Errorf("error seeking last byte: %w", err)
	}

	// Write one byte (marks end of file, keeps rest sparse)
	_, err = f.Write([]byte{0})
	if err != nil {
		return fmt.Errorf("error writing last byte: %w", err)
	}
	return f.Sync()
}

// CopyFile copies src to dst with the given mode, creating parent
// directories.
func CopyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
