package oci

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// DefaultPlatform is the platform of the x86_64 images this tool builds.
const DefaultPlatform = "linux/amd64"

// RegistryProvider fetches OCI images from a container registry using
// go-containerregistry. Only manifests and layer metadata are fetched by
// GetImage; layer content is streamed when a layer is read.
type RegistryProvider struct {
	imageRef name.Reference
	platform string
}

type RegistryOption func(*RegistryProvider)

// WithPlatform selects the image variant of a multi platform index.
func WithPlatform(platform string) RegistryOption {
	return func(p *RegistryProvider) {
		p.platform = platform
	}
}

// NewRegistryProvider creates a new provider for the given image reference
// ref can be:
//   - "archlinux:base" (defaults to docker.io/library)
//   - "docker.io/library/archlinux:latest"
//   - "ghcr.io/owner/repo:tag"
//   - "localhost:5000/image:tag"
func NewRegistryProvider(imageRef string, opts ...RegistryOption) (OciImageSource, error) {
	// Add docker.io default if no registry specified
	normalizedRef := imageRef
	if !strings.Contains(imageRef, "/") {
		normalizedRef = "docker.io/library/" + imageRef
	} else if !strings.Contains(strings.Split(imageRef, "/")[0], ".") && !strings.Contains(strings.Split(imageRef, "/")[0], ":") {
		// If first component has no dots or colons, prepend docker.io
		normalizedRef = "docker.io/" + imageRef
	}

	ref, err := name.ParseReference(normalizedRef)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference: %w", err)
	}

	p := &RegistryProvider{
		imageRef: ref,
		platform: DefaultPlatform,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *RegistryProvider) Info() string {
	return p.imageRef.String()
}

// GetImage resolves the image for the configured platform
func (p *RegistryProvider) GetImage(ctx context.Context) (*Image, error) {
	platform, err := v1.ParsePlatform(p.platform)
	if err != nil {
		return nil, fmt.Errorf("could not parse platform: %w", err)
	}

	img, err := remote.Image(p.imageRef, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get image digest: %w", err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	wrappedLayers := make([]Layer, len(layers))
	for i, layer := range layers {
		wrappedLayers[i] = &registryLayer{layer: layer}
	}

	manifestSize := manifest.Config.Size
	for _, layer := range manifest.Layers {
		manifestSize += layer.Size
	}

	return &Image{
		Digest:   digest.Digest(dgst.String()),
		Platform: p.platform,
		Layers:   wrappedLayers,
		Manifest: &Manifest{
			MediaType: string(manifest.MediaType),
			Size:      manifestSize,
		},
	}, nil
}

// registryLayer wraps a go-containerregistry layer to implement the Layer interface.
// It provides lazy access to layer content - data is only downloaded when Extract() is called.
type registryLayer struct {
	layer v1.Layer
}

func (l *registryLayer) Digest() digest.Digest {
	dgst, err := l.layer.Digest()
	if err != nil {
		return digest.Digest("")
	}
	// Convert go-containerregistry digest to opencontainers digest
	return digest.Digest(dgst.String())
}

func (l *registryLayer) Size() int64 {
	size, err := l.layer.Size()
	if err != nil {
		return 0
	}
	return size
}

func (l *registryLayer) MediaType() string {
	mediaType, err := l.layer.MediaType()
	if err != nil {
		return ""
	}
	return string(mediaType)
}

// Compressed returns a reader for the compressed layer data (tar.gz or tar.zst)
func (l *registryLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	reader, err := l.layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("get compressed layer: %w", err)
	}
	return reader, nil
}

// NoOpImageProvider for testing
type NoOpImageProvider struct{}

func NewNoOpImageProvider() *NoOpImageProvider {
	return &NoOpImageProvider{}
}

func (p *NoOpImageProvider) Info() string {
	return "registry.com/noop-image:latest"
}

func (p *NoOpImageProvider) GetImage(ctx context.Context) (*Image, error) {
	return &Image{
		Digest:   digest.FromString("noop-image"),
		Platform: DefaultPlatform,
		Layers:   []Layer{},
		Manifest: &Manifest{MediaType: "application/vnd.oci.image.manifest.v1+json"},
	}, nil
}
