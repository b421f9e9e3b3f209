package builder_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/maxdollinger/gcearch/internal/bootstrap"
	"github.com/maxdollinger/gcearch/internal/builder"
	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/internal/sys"
)

// ExampleNewBuilder builds an image from the latest bootstrap tarball.
func ExampleNewBuilder() {
	s := sys.NewSystem()
	bldr := builder.NewBuilder(s)

	executable, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}

	source := bootstrap.NewTarballSource("/var/cache/gcearch", bootstrap.WithLogger(s.Logger()))

	ctx := context.Background()
	result, err := bldr.Build(ctx, source, builder.BuildOptions{
		OutputDir:  "/tmp/gcearch-images",
		Executable: executable,
		Config:     config.Default(),
	})
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}

	fmt.Printf("Image: %s\n", result.Image.Name)
	fmt.Printf("Archive: %s (%s)\n", result.ArchivePath, result.Digest)
	fmt.Printf("Build time: %v\n", result.BuildTime)
}
