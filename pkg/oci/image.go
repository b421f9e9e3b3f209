package oci

import (
	"github.com/opencontainers/go-digest"
)

// Image is a resolved OCI image: its digest and the layers that make up its
// root filesystem.
type Image struct {
	Digest   digest.Digest
	Platform string
	Layers   []Layer
	Manifest *Manifest
}

// Manifest represents the OCI manifest
type Manifest struct {
	MediaType string
	Size      int64
}
