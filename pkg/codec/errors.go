package codec

import "errors"

// ErrDecode reports a token that is not a valid encoded configuration.
var ErrDecode = errors.New("malformed config token")
