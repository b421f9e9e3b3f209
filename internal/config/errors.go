package config

import "errors"

// ErrInvalidAccount is returned for account entries not in user:password form.
var ErrInvalidAccount = errors.New("invalid account")
