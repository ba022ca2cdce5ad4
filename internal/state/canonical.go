package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// DomainSnapshot separates snapshot digests from any other use of the
// same hash function.
const DomainSnapshot = "homesync/snapshot/v1"

// Canonical encodes v as canonical JSON: object keys ordered by UTF-16
// code units, strings NFC normalized, no HTML escaping, and only quote,
// backslash and control characters escaped.
func Canonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v, true); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return buf.Bytes(), nil
}

// Digest returns the hex SHA-256 of v's canonical encoding, prefixed by
// DomainSnapshot and a NUL separator. Equal values always share a digest,
// whatever their map iteration order.
func Digest(v Value) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(DomainSnapshot))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustDigest is Digest for values known to be encodable. It panics on error.
func MustDigest(v Value) string {
	d, err := Digest(v)
	if err != nil {
		panic(err)
	}
	return d
}

const hexDigits = "0123456789abcdef"

func canonicalString(s string) []byte {
	s = norm.NFC.String(s)
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			out = append(out, '\\', '"')
		case c == '\\':
			out = append(out, '\\', '\\')
		case c == '\b':
			out = append(out, '\\', 'b')
		case c == '\f':
			out = append(out, '\\', 'f')
		case c == '\n':
			out = append(out, '\\', 'n')
		case c == '\r':
			out = append(out, '\\', 'r')
		case c == '\t':
			out = append(out, '\\', 't')
		case c < 0x20:
			out = append(out, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		default:
			out = append(out, c)
		}
	}
	return append(out, '"')
}
