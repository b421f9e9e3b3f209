package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/pkg/fs"
	"github.com/maxdollinger/gcearch/pkg/oci"
)

// ImageSource flattens an OCI image such as archlinux:base into a bootstrap
// root.
type ImageSource struct {
	provider  oci.OciImageSource
	flattener fs.FsBuilder
	logger    *slog.Logger
}

func NewImageSource(provider oci.OciImageSource, flattener fs.FsBuilder, logger *slog.Logger) *ImageSource {
	return &ImageSource{
		provider:  provider,
		flattener: flattener,
		logger:    logger,
	}
}

func (s *ImageSource) Info() string {
	return s.provider.Info()
}

func (s *ImageSource) Fetch(ctx context.Context, workspace string) (string, digest.Digest, error) {
	image, err := s.provider.GetImage(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to provide image: %w", err)
	}
	s.logger.InfoContext(ctx, "image fetched", "image", s.provider.Info(), "digest", image.Digest, "layers", len(image.Layers))

	root := filepath.Join(workspace, "root."+config.TargetArch)
	if err := s.flattener.BuildFs(ctx, image.Layers, root); err != nil {
		return "", "", fmt.Errorf("flatten image: %w", err)
	}
	return root, image.Digest, nil
}
