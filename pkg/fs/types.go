package fs

import (
	"context"

	"github.com/maxdollinger/gcearch/pkg/oci"
)

// FsBuilder materialises a root filesystem from image layers.
type FsBuilder interface {
	// BuildFs extracts all layers to targetDir, handling whiteouts
	BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error
}

// NoOpLayerFlattener is a no-op implementation for testing
type NoOpLayerFlattener struct{}

func NewNoOpLayerFlattener() *NoOpLayerFlattener {
	return &NoOpLayerFlattener{}
}

func (f *NoOpLayerFlattener) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	return nil
}
