package dnsutils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedEncoding = errors.New("malformed base64url encoding")

// EncodeQuery encodes a wire-format message into its unpadded base64url form
// (RFC 8484 section 4.1).
func EncodeQuery(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeQuery restores the wire-format message from s. Both padded and
// unpadded inputs are accepted. Padded input must be a multiple of 4 long
// with at most two trailing '='.
func DecodeQuery(s string) ([]byte, error) {
	// RawURLEncoding skips '\r' and '\n'.
	if strings.ContainsAny(s, "\r\n") {
		return nil, fmt.Errorf("%w: line break in input", ErrMalformedEncoding)
	}
	if i := strings.IndexByte(s, '='); i >= 0 {
		pad := s[i:]
		if len(pad) > 2 || len(s)%4 != 0 || strings.Trim(pad, "=") != "" {
			return nil, fmt.Errorf("%w: invalid padding", ErrMalformedEncoding)
		}
		s = s[:i]
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return b, nil
}

// DecodedQueryLen returns the maximum length in bytes of the decoded s.
func DecodedQueryLen(s string) int {
	return base64.RawURLEncoding.DecodedLen(len(strings.TrimRight(s, "=")))
}
