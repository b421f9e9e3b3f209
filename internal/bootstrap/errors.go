package bootstrap

import "errors"

var (
	ErrChecksumMismatch  = errors.New("bootstrap checksum mismatch")
	ErrBootstrapNotFound = errors.New("bootstrap archive not found")
)
