package diskmap

import "errors"

var (
	// ErrMountConsistency reports a mismatch between device mappings and
	// mount points. It indicates a parsing or lifecycle bug and is never
	// retried.
	ErrMountConsistency = errors.New("device mappings do not match mount points")

	// ErrNoMappings is returned when an image exposes no partitions.
	ErrNoMappings = errors.New("no device mappings")

	// ErrInvalidState is returned for a transition the state machine forbids.
	ErrInvalidState = errors.New("invalid mapper state")
)
