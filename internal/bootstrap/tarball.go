package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/maxdollinger/gcearch/internal/config"
	"github.com/maxdollinger/gcearch/pkg/fs"
)

// DefaultBaseURL lists the latest bootstrap archives and their checksums.
const DefaultBaseURL = "http://mirrors.kernel.org/archlinux/iso/latest/"

const checksumFile = "sha256sums.txt"

// TarballSource downloads, verifies and extracts a bootstrap tarball.
type TarballSource struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	url      string
	expected digest.Digest
	cacheDir string
}

type TarballOption func(*TarballSource)

func WithHTTPClient(c *http.Client) TarballOption {
	return func(s *TarballSource) {
		s.client = c
	}
}

func WithBaseURL(u string) TarballOption {
	return func(s *TarballSource) {
		s.baseURL = u
	}
}

func WithLogger(logger *slog.Logger) TarballOption {
	return func(s *TarballSource) {
		s.logger = logger
	}
}

// WithTarball uses the archive at location, a URL or a local path, instead
// of discovering the latest one. expected may be empty, the archive is then
// used unverified.
func WithTarball(location string, expected digest.Digest) TarballOption {
	return func(s *TarballSource) {
		s.url = location
		s.expected = expected
	}
}

// NewTarballSource returns a source that keeps downloaded archives in
// cacheDir and reuses them while their digest still matches.
func NewTarballSource(cacheDir string, opts ...TarballOption) *TarballSource {
	s := &TarballSource{
		client:   http.DefaultClient,
		logger:   slog.Default(),
		baseURL:  DefaultBaseURL,
		cacheDir: cacheDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TarballSource) Info() string {
	if s.url != "" {
		return s.url
	}
	return s.baseURL
}

func (s *TarballSource) Fetch(ctx context.Context, workspace string) (string, digest.Digest, error) {
	archive, dgst, err := s.Download(ctx)
	if err != nil {
		return "", "", err
	}

	s.logger.InfoContext(ctx, "extracting bootstrap", "archive", archive, "workspace", workspace)
	if err := fs.ExtractArchive(ctx, archive, workspace); err != nil {
		return "", "", fmt.Errorf("extract bootstrap: %w", err)
	}

	root, err := FindRoot(workspace)
	if err != nil {
		return "", "", err
	}
	return root, dgst, nil
}

// Download returns a local, verified copy of the bootstrap archive and its
// digest.
func (s *TarballSource) Download(ctx context.Context) (string, digest.Digest, error) {
	location, expected := s.url, s.expected
	if location == "" {
		var err error
		location, expected, err = s.Latest(ctx)
		if err != nil {
			return "", "", err
		}
	}

	if !isRemote(location) {
		return s.verifyLocal(ctx, location, expected)
	}

	local := filepath.Join(s.cacheDir, path.Base(location))
	if expected != "" {
		if got, err := fileDigest(local, expected.Algorithm()); err == nil && got == expected {
			s.logger.InfoContext(ctx, "using cached bootstrap", "file", local)
			return local, got, nil
		}
	}

	s.logger.InfoContext(ctx, "downloading bootstrap", "url", location)
	got, err := s.download(ctx, location, local, expected)
	if err != nil {
		return "", "", err
	}
	return local, got, nil
}

// Latest discovers the newest bootstrap archive from the checksum list.
func (s *TarballSource) Latest(ctx context.Context) (string, digest.Digest, error) {
	body, err := s.get(ctx, s.baseURL+checksumFile)
	if err != nil {
		return "", "", fmt.Errorf("fetch checksums: %w", err)
	}
	defer body.Close()

	name, dgst, err := ParseChecksums(body, config.TargetArch)
	if err != nil {
		return "", "", err
	}
	return s.baseURL + name, dgst, nil
}

// ParseChecksums finds the bootstrap archive for arch in a sha256sums list.
func ParseChecksums(r io.Reader, arch string) (string, digest.Digest, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimPrefix(fields[1], "*")
		if !strings.Contains(name, "bootstrap") || !strings.Contains(name, arch) || strings.HasSuffix(name, ".sig") {
			continue
		}
		dgst := digest.NewDigestFromEncoded(digest.SHA256, fields[0])
		if err := dgst.Validate(); err != nil {
			return "", "", fmt.Errorf("checksum of %s: %w", name, err)
		}
		return name, dgst, nil
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("read checksums: %w", err)
	}
	return "", "", fmt.Errorf("%w: no %s entry", ErrBootstrapNotFound, arch)
}

func (s *TarballSource) download(ctx context.Context, url, dest string, expected digest.Digest) (digest.Digest, error) {
	body, err := s.get(ctx, url)
	if err != nil {
		return "", fmt.Errorf("download bootstrap: %w", err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	tmp := dest + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	algorithm := digest.Canonical
	if expected != "" {
		algorithm = expected.Algorithm()
	}
	digester := algorithm.Digester()
	if _, err := io.Copy(io.MultiWriter(file, digester.Hash()), body); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}

	got := digester.Digest()
	if expected != "" && got != expected {
		return "", fmt.Errorf("%w: %s is %s, want %s", ErrChecksumMismatch, path.Base(url), got, expected)
	}
	if expected == "" {
		s.logger.WarnContext(ctx, "bootstrap not verified, no digest given", "digest", got)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("publish %s: %w", dest, err)
	}
	return got, nil
}

func (s *TarballSource) verifyLocal(ctx context.Context, file string, expected digest.Digest) (string, digest.Digest, error) {
	algorithm := digest.Canonical
	if expected != "" {
		algorithm = expected.Algorithm()
	}
	got, err := fileDigest(file, algorithm)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("%w: %s", ErrBootstrapNotFound, file)
		}
		return "", "", err
	}
	if expected != "" && got != expected {
		return "", "", fmt.Errorf("%w: %s is %s, want %s", ErrChecksumMismatch, filepath.Base(file), got, expected)
	}
	if expected == "" {
		s.logger.WarnContext(ctx, "bootstrap not verified, no digest given", "file", file, "digest", got)
	}
	return file, got, nil
}

func (s *TarballSource) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrBootstrapNotFound, url)
		}
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return resp.Body, nil
}

func fileDigest(file string, algorithm digest.Algorithm) (digest.Digest, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return algorithm.FromReader(f)
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
