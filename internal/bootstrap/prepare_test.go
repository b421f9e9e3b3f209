package bootstrap

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/sys"
	"github.com/maxdollinger/gcearch/pkg/fs"
	"github.com/maxdollinger/gcearch/pkg/oci"
	"github.com/maxdollinger/gcearch/pkg/runner/mock"
)

func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "etc", "pacman.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "etc", "pacman.d", "mirrorlist"), []byte("#Server = x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestPrepare(t *testing.T) {
	tests := []struct {
		name         string
		noPacmanKeys bool
		want         []string
	}{
		{
			name: "with keys",
			want: []string{"pacman-key --init", "pacman-key --populate archlinux", "pacman --noconfirm -Sy"},
		},
		{
			name:         "without keys",
			noPacmanKeys: true,
			want:         []string{"sed -i /SigLevel/c\\SigLevel = Never", "pacman --noconfirm -Sy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mock.NewRunner()
			s := sys.NewSystem(sys.WithRunner(r), sys.WithLogger(quietLogger()))
			root := newRoot(t)
			cfg := config.Default()
			cfg.NoPacmanKeys = tt.noPacmanKeys

			if err := Prepare(context.Background(), s, root, cfg); err != nil {
				t.Fatalf("Prepare() = %v", err)
			}

			mirrorlist, err := os.ReadFile(filepath.Join(root, "etc", "pacman.d", "mirrorlist"))
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasSuffix(string(mirrorlist), "Server = "+config.DefaultMirror+"\n") {
				t.Errorf("mirrorlist = %q", mirrorlist)
			}
			if _, err := os.Stat(filepath.Join(root, "run", "shm")); err != nil {
				t.Errorf("run/shm: %v", err)
			}

			commands := r.Commands()
			if len(commands) != len(tt.want) {
				t.Fatalf("commands = %v", commands)
			}
			for i, want := range tt.want {
				if !strings.Contains(commands[i], want) {
					t.Errorf("command %d = %q, want it to contain %q", i, commands[i], want)
				}
			}
		})
	}
}

func TestImageSource(t *testing.T) {
	src := NewImageSource(oci.NewNoOpImageProvider(), fs.NewNoOpLayerFlattener(), quietLogger())
	workspace := t.TempDir()

	root, dgst, err := src.Fetch(context.Background(), workspace)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if root != filepath.Join(workspace, "root.x86_64") {
		t.Errorf("root = %s", root)
	}
	if dgst == "" {
		t.Error("empty digest")
	}
	if src.Info() == "" {
		t.Error("empty info")
	}
}

type blobLayer []byte

func (l blobLayer) Digest() digest.Digest { return digest.FromBytes(l) }
func (l blobLayer) Size() int64 { return int64(len(l)) }
func (l blobLayer) MediaType() string { return "application/vnd.oci.image.layer.v1.tar+gzip" }

func (l blobLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l)), nil
}

// layeredImage is an archlinux:base style image held in memory.
type layeredImage struct {
	layers []oci.Layer
}

func (p layeredImage) Info() string {
	return "docker.io/library/archlinux:base"
}

func (p layeredImage) GetImage(ctx context.Context) (*oci.Image, error) {
	return &oci.Image{Digest: digest.FromString("archlinux:base"), Platform: config.TargetPlatform, Layers: p.layers}, nil
}

func TestImageSourceFlattensLayers(t *testing.T) {
	provider := layeredImage{layers: []oci.Layer{
		blobLayer(gzipTar(t,
			tarFile{"etc/", ""},
			tarFile{"etc/pacman.conf", "[options]\nSigLevel = Required DatabaseOptional\n"},
			tarFile{"etc/pacman.d/", ""},
			tarFile{"etc/pacman.d/mirrorlist", "#Server = http://example.org\n"},
			tarFile{"var/lib/pacman/sync/", ""},
			tarFile{"var/lib/pacman/sync/core.db", "core"},
		)),
		blobLayer(gzipTar(t,
			tarFile{"var/lib/pacman/.wh.sync", ""},
		)),
	}}
	workspace := t.TempDir()

	root, dgst, err := NewImageSource(provider, fs.NewLayerFlattener(), quietLogger()).Fetch(context.Background(), workspace)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if root != filepath.Join(workspace, "root.x86_64") || dgst != digest.FromString("archlinux:base") {
		t.Errorf("Fetch() = %s, %s", root, dgst)
	}
	if _, err := os.Stat(filepath.Join(root, "var", "lib", "pacman", "sync")); !os.IsNotExist(err) {
		t.Error("sync database survived the whiteout")
	}

	// the flattened root is ready for Prepare
	s := sys.NewSystem(sys.WithRunner(mock.NewRunner()), sys.WithLogger(quietLogger()))
	cfg := config.Default()
	cfg.NoPacmanKeys = true
	if err := Prepare(context.Background(), s, root, cfg); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	mirrorlist, err := os.ReadFile(filepath.Join(root, "etc", "pacman.d", "mirrorlist"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(mirrorlist), "Server = "+cfg.Mirror) {
		t.Errorf("mirrorlist = %q", mirrorlist)
	}
}
