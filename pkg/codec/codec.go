// Package codec turns a configuration mapping into a single token that can be
// passed as one shell argument into a chroot, and back.
//
// The token is the standard base64 encoding of the gzip compressed JSON form
// of the mapping. Its alphabet is [A-Za-z0-9+/=], none of which needs
// escaping inside a double quoted shell word.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Mapping is a flat configuration object. Values are JSON representable:
// strings, booleans, float64 numbers, []any, nested Mapping values and nil.
// Integers come back as float64; typed records keep their field types through
// EncodeValue and DecodeValue. A nil Mapping decodes as an empty one.
type Mapping = map[string]any

// Encode serializes m into a token.
func Encode(m Mapping) (string, error) {
	return EncodeValue(m)
}

// Decode reverses Encode. Malformed tokens fail with ErrDecode.
func Decode(token string) (Mapping, error) {
	var m Mapping
	if err := DecodeValue(token, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = Mapping{}
	}
	return m, nil
}

// EncodeValue serializes any JSON marshalable value into a token.
func EncodeValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("compress config: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress config: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeValue decodes token into v, which must be a pointer.
func DecodeValue(token string, v any) error {
	compressed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: text encoding: %v", ErrDecode, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrDecode, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrDecode, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: structure: %v", ErrDecode, err)
	}

	return nil
}
