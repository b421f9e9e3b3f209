// Package config defines the build configuration shared by every stage.
//
// A BuildConfig is created by the host stage from command line flags and
// handed to the next stage as a single codec token on the chroot command line.
// Each stage adds what it learned (device, disk uuid, packages dir) before
// passing it on.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/maxdollinger/gcearch/pkg/codec"
)

const (
	DefaultMirror         = "http://mirrors.kernel.org/archlinux/$repo/os/$arch"
	DefaultSizeGB         = 10
	DefaultFSType         = "ext4"
	DefaultPartitionTable = "msdos"
	DefaultStateDir       = "/var/lib/gcearch"
	TargetArch            = "x86_64"
	TargetPlatform        = "linux/amd64" // OCI platform matching TargetArch
)

type BuildConfig struct {
	Quiet          bool     `json:"quiet"`
	Verbose        bool     `json:"verbose"`
	Packages       []string `json:"packages"`
	Mirror         string   `json:"mirror"`
	Accounts       []string `json:"accounts"`
	DebugMode      bool     `json:"debugmode"`
	SizeGB         int      `json:"size_gb"`
	FSType         string   `json:"fs_type"`
	PartitionTable string   `json:"partition_table"`
	NoPacmanKeys   bool     `json:"nopacmankeys"`

	// set by the staging stage for the configure stage
	PackagesDir string `json:"packages_dir,omitempty"`
	Device      string `json:"device,omitempty"`
	DiskUUID    string `json:"disk_uuid,omitempty"`
}

func Default() BuildConfig {
	return BuildConfig{
		Mirror:         DefaultMirror,
		SizeGB:         DefaultSizeGB,
		FSType:         DefaultFSType,
		PartitionTable: DefaultPartitionTable,
	}
}

// Validate checks the fields every stage relies on.
func (c *BuildConfig) Validate() error {
	if c.SizeGB <= 0 {
		return fmt.Errorf("invalid image size %d GiB", c.SizeGB)
	}
	if c.Mirror == "" {
		return fmt.Errorf("no mirror configured")
	}
	if c.FSType == "" {
		return fmt.Errorf("no filesystem type configured")
	}
	if _, err := c.ParseAccounts(); err != nil {
		return err
	}
	return nil
}

// Encode returns the token handed to the next stage.
func (c *BuildConfig) Encode() (string, error) {
	return codec.EncodeValue(c)
}

// Decode parses a token produced by Encode. Fields missing from the token
// keep their defaults.
func Decode(token string) (*BuildConfig, error) {
	cfg := Default()
	if err := codec.DecodeValue(token, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Account struct {
	Username string
	Password string
}

var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// ParseAccounts splits the "user:password" entries. The password may contain
// colons, the username may not.
func (c *BuildConfig) ParseAccounts() ([]Account, error) {
	accounts := make([]Account, 0, len(c.Accounts))
	for _, entry := range c.Accounts {
		user, password, ok := strings.Cut(entry, ":")
		if !ok || password == "" {
			return nil, fmt.Errorf("%w: %q is not user:password", ErrInvalidAccount, user)
		}
		if !usernamePattern.MatchString(user) {
			return nil, fmt.Errorf("%w: invalid username %q", ErrInvalidAccount, user)
		}
		accounts = append(accounts, Account{Username: user, Password: password})
	}
	return accounts, nil
}

// ImageName is the name and file of an image built on a given day.
type ImageName struct {
	Name        string
	Filename    string
	Description string
}

// NewImageName names the image after the build date. outfile overrides the
// file name.
func NewImageName(now time.Time, outfile string) ImageName {
	name := "arch-v" + now.Format("20060102")
	filename := outfile
	if filename == "" {
		filename = name + ".tar.gz"
	}
	return ImageName{
		Name:        name,
		Filename:    filename,
		Description: "Arch Linux x86-64 built on " + now.Format(time.DateOnly),
	}
}
