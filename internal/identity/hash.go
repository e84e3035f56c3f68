// Package identity synthesizes stable review identities for platforms that
// expose no durable review id.
//
// An identity is built from five components: a content hash of the
// normalized review, a drift-tolerant rolling hash of the raw fragment, a
// hash of the adjacent reviews, a page salt scoping positional hints to one
// page view, and the zero-based index the review was captured at. The
// persisted stable id combines the content and rolling hashes.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HashSize is the number of bytes kept from each digest.
const HashSize = 16

// Hash is a fixed-length truncated SHA-256 digest.
type Hash [HashSize]byte

// sum hashes parts with length prefixes so distinct part lists never collide
// by concatenation.
func sum(parts ...string) Hash {
	h := sha256.New()
	var prefix [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(p)))
		h.Write(prefix[:])
		h.Write([]byte(p))
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Equal reports whether two hashes are identical.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex hash. The empty string decodes to the zero hash.
func ParseHash(s string) (Hash, error) {
	var out Hash
	if s == "" {
		return out, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != HashSize {
		return out, fmt.Errorf("decode hash: want %d bytes, got %d", HashSize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
