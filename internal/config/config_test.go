package config

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/maxdollinger/gcearch/pkg/codec"
)

func TestEncodeDecode(t *testing.T) {
	cfg := Default()
	cfg.Verbose = true
	cfg.Packages = []string{"docker", "vim"}
	cfg.Accounts = []string{"alice:s3cret"}
	cfg.DebugMode = true
	cfg.SizeGB = 20
	cfg.Device = "/dev/loop2"
	cfg.DiskUUID = "0d4c6a3e-7f1b-4d36-9e59-1a3a5c1d2b7e"

	token, err := cfg.Encode()
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}

	got, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if !reflect.DeepEqual(*got, cfg) {
		t.Errorf("Decode(Encode()) = %+v, want %+v", *got, cfg)
	}
}

func TestDecodeKeepsDefaults(t *testing.T) {
	token, err := codec.Encode(codec.Mapping{"quiet": true, "packages": []any{"git"}})
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}

	got, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if !got.Quiet || got.SizeGB != DefaultSizeGB || got.Mirror != DefaultMirror {
		t.Errorf("Decode() = %+v", got)
	}
	if !reflect.DeepEqual(got.Packages, []string{"git"}) {
		t.Errorf("Packages = %v", got.Packages)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode("not a token"); err == nil {
		t.Error("Decode() of garbage succeeded")
	}
}

func TestParseAccounts(t *testing.T) {
	tests := []struct {
		name     string
		accounts []string
		want     []Account
		wantErr  bool
	}{
		{name: "none", want: []Account{}},
		{
			name:     "two accounts",
			accounts: []string{"alice:pw1", "bob:pw2"},
			want:     []Account{{"alice", "pw1"}, {"bob", "pw2"}},
		},
		{
			name:     "colon in password",
			accounts: []string{"alice:a:b"},
			want:     []Account{{"alice", "a:b"}},
		},
		{name: "no password", accounts: []string{"alice"}, wantErr: true},
		{name: "empty password", accounts: []string{"alice:"}, wantErr: true},
		{name: "bad username", accounts: []string{"Al ice:pw"}, wantErr: true},
		{name: "shell in username", accounts: []string{"a;rm -rf:pw"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Accounts = tt.accounts

			got, err := cfg.ParseAccounts()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAccount) {
					t.Errorf("ParseAccounts() = %v, want ErrInvalidAccount", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAccounts() = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseAccounts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BuildConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*BuildConfig) {}},
		{name: "zero size", mutate: func(c *BuildConfig) { c.SizeGB = 0 }, wantErr: true},
		{name: "no mirror", mutate: func(c *BuildConfig) { c.Mirror = "" }, wantErr: true},
		{name: "no fs type", mutate: func(c *BuildConfig) { c.FSType = "" }, wantErr: true},
		{name: "bad account", mutate: func(c *BuildConfig) { c.Accounts = []string{"x"} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewImageName(t *testing.T) {
	day := time.Date(2024, time.March, 7, 15, 4, 5, 0, time.UTC)

	got := NewImageName(day, "")
	want := ImageName{
		Name:        "arch-v20240307",
		Filename:    "arch-v20240307.tar.gz",
		Description: "Arch Linux x86-64 built on 2024-03-07",
	}
	if got != want {
		t.Errorf("NewImageName() = %+v, want %+v", got, want)
	}

	if got := NewImageName(day, "custom.tar.gz"); got.Filename != "custom.tar.gz" || got.Name != want.Name {
		t.Errorf("NewImageName() with outfile = %+v", got)
	}
}
