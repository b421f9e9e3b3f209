package fs

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func writeTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, entry := range entries {
		header := &tar.Header{
			Name:     entry.name,
			Typeflag: entry.typeflag,
			Size:     int64(len(entry.content)),
			Mode:     entry.mode,
			Linkname: entry.linkname,
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(entry.content); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func bootstrapEntries() []tarEntry {
	return []tarEntry{
		{name: "root.x86_64/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "root.x86_64/etc/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "root.x86_64/etc/pacman.conf", typeflag: tar.TypeReg, content: []byte("SigLevel = Required\n"), mode: 0o644},
		{name: "root.x86_64/usr/bin/sudo", typeflag: tar.TypeReg, content: []byte("#!"), mode: 0o4755},
		{name: "root.x86_64/bin", typeflag: tar.TypeSymlink, linkname: "usr/bin"},
		{name: "root.x86_64/usr/bin/sudoedit", typeflag: tar.TypeLink, linkname: "root.x86_64/usr/bin/sudo"},
		{name: "root.x86_64/etc/.wh.pacman.conf", typeflag: tar.TypeReg, mode: 0o644},
	}
}

func TestExtractArchive(t *testing.T) {
	raw := writeTar(t, bootstrapEntries()...)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "plain", data: raw},
		{name: "gzip", data: gzipBytes(t, raw)},
		{name: "zstd", data: zstdBytes(t, raw)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := filepath.Join(t.TempDir(), "bootstrap.tar")
			if err := os.WriteFile(archive, tt.data, 0o644); err != nil {
				t.Fatal(err)
			}
			target := t.TempDir()

			if err := ExtractArchive(context.Background(), archive, target); err != nil {
				t.Fatalf("ExtractArchive() = %v", err)
			}

			root := filepath.Join(target, "root.x86_64")
			content, err := os.ReadFile(filepath.Join(root, "etc", "pacman.conf"))
			if err != nil || string(content) != "SigLevel = Required\n" {
				t.Errorf("pacman.conf = %q, %v", content, err)
			}

			info, err := os.Stat(filepath.Join(root, "usr", "bin", "sudo"))
			if err != nil {
				t.Fatalf("stat sudo: %v", err)
			}
			if info.Mode()&os.ModeSetuid == 0 {
				t.Errorf("sudo mode = %v, want setuid", info.Mode())
			}

			link, err := os.Readlink(filepath.Join(root, "bin"))
			if err != nil || link != "usr/bin" {
				t.Errorf("bin -> %q, %v", link, err)
			}

			if _, err := os.Stat(filepath.Join(root, "usr", "bin", "sudoedit")); err != nil {
				t.Errorf("hardlink missing: %v", err)
			}
			// whiteouts only apply to image layers
			if _, err := os.Stat(filepath.Join(root, "etc", ".wh.pacman.conf")); err != nil {
				t.Errorf("whiteout marker not extracted as file: %v", err)
			}
		})
	}
}

func TestExtractArchiveTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar")
	data := writeTar(t, tarEntry{name: "../escape.txt", typeflag: tar.TypeReg, content: []byte("x"), mode: 0o644})
	if err := os.WriteFile(archive, data, 0o644); err != nil {
		t.Fatal(err)
	}
	target := t.TempDir()

	if err := ExtractArchive(context.Background(), archive, target); err == nil {
		t.Fatal("ExtractArchive() accepted a path outside the target")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(target), "escape.txt")); !os.IsNotExist(err) {
		t.Error("file written outside the target")
	}
}

func TestExtractArchiveMissing(t *testing.T) {
	if err := ExtractArchive(context.Background(), filepath.Join(t.TempDir(), "none.tar.gz"), t.TempDir()); err == nil {
		t.Error("ExtractArchive() of a missing file succeeded")
	}
}

func TestCreateSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.raw")
	const size = 64 << 20

	if err := CreateSparseFile(path, size); err != nil {
		t.Fatalf("CreateSparseFile() = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != size {
		t.Errorf("size = %d, want %d", info.Size(), size)
	}

	if err := CreateSparseFile(path, 0); err == nil {
		t.Error("CreateSparseFile() accepted size 0")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "gcearch")
	if err := os.WriteFile(src, []byte("binary"), 0o600); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "root", "gcearch1234", "gcearch")

	if err := CopyFile(src, dst, 0o755); err != nil {
		t.Fatalf("CopyFile() = %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
	content, _ := os.ReadFile(dst)
	if string(content) != "binary" {
		t.Errorf("content = %q", content)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fstab")
	if err := WriteFileAtomic(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("new"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() = %v", err)
	}

	content, _ := os.ReadFile(path)
	if string(content) != "new" {
		t.Errorf("content = %q", content)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}
