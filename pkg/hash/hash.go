// Package hash defines the 32-byte SHA-256 value used throughout the ledger
// proof format, together with the ordering and combination rules the ledger
// applies when it folds sibling hashes into a digest.
//
// Ordering is deliberately unusual: bytes are read as signed int8 and scanned
// from the last byte to the first. Combine relies on it to decide which
// operand is concatenated first, so any other convention yields digests that
// look valid but never match the ledger's.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
)

// Size is the length in bytes of every non-empty Hash.
const Size = sha256.Size

var (
	// ErrInvalidHashLength is returned when an operand is neither Size bytes
	// long nor the empty identity value.
	ErrInvalidHashLength = errors.New("invalid hash length")

	// ErrEmptyInput is returned when a bit flip is requested on an empty value.
	ErrEmptyInput = errors.New("empty input")
)

// Hash is a SHA-256 digest. The zero-length Hash is the identity for Combine.
// Values are treated as immutable; functions in this package never modify
// their arguments.
type Hash []byte

// Empty is the identity element for Combine.
var Empty = Hash{}

// Sum returns the SHA-256 hash of data.
func Sum(data []byte) Hash {
	s := sha256.Sum256(data)
	return Hash(s[:])
}

// FromArray copies a fixed-size digest into a Hash.
func FromArray(a [Size]byte) Hash {
	h := make(Hash, Size)
	copy(h, a[:])
	return h
}

// IsEmpty reports whether h is the zero-length identity value.
func (h Hash) IsEmpty() bool { return len(h) == 0 }

// Validate returns ErrInvalidHashLength unless h is exactly Size bytes.
func (h Hash) Validate() error {
	if len(h) != Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidHashLength, len(h), Size)
	}
	return nil
}

// Clone returns an independent copy of h.
func (h Hash) Clone() Hash {
	if h == nil {
		return nil
	}
	out := make(Hash, len(h))
	copy(out, h)
	return out
}

// Equal reports whether a and b hold identical bytes.
func Equal(a, b Hash) bool { return bytes.Equal(a, b) }

// Compare orders two 32-byte hashes. Bytes are interpreted as signed int8 and
// compared from the last byte towards the first; the result is the signed
// difference of the first pair that differs, or 0 when a and b are equal.
// Only the sign of a non-zero result is meaningful.
func Compare(a, b Hash) (int, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	for i := Size - 1; i >= 0; i-- {
		if d := int(int8(a[i])) - int(int8(b[i])); d != 0 {
			return d, nil
		}
	}
	return 0, nil
}

// Combine joins two hashes into their parent. An empty operand is the
// identity and the other operand is returned unchanged. Otherwise the smaller
// operand under Compare is written first and the 64-byte concatenation is
// hashed, so Combine(a, b) == Combine(b, a).
func Combine(h1, h2 Hash) (Hash, error) {
	if h1.IsEmpty() {
		if h2.IsEmpty() {
			return Empty, nil
		}
		if err := h2.Validate(); err != nil {
			return nil, err
		}
		return h2.Clone(), nil
	}
	if h2.IsEmpty() {
		if err := h1.Validate(); err != nil {
			return nil, err
		}
		return h1.Clone(), nil
	}

	c, err := Compare(h1, h2)
	if err != nil {
		return nil, err
	}
	first, second := h1, h2
	if c >= 0 {
		first, second = h2, h1
	}

	d := sha256.New()
	d.Write(first)
	d.Write(second)
	return Hash(d.Sum(nil)), nil
}

// FlipBit returns a copy of h with a single bit inverted.
func FlipBit(h Hash, byteIndex, bit int) (Hash, error) {
	if len(h) == 0 {
		return nil, ErrEmptyInput
	}
	if byteIndex < 0 || byteIndex >= len(h) || bit < 0 || bit > 7 {
		return nil, fmt.Errorf("bit position %d.%d out of range for %d-byte value", byteIndex, bit, len(h))
	}
	out := h.Clone()
	out[byteIndex] ^= 1 << bit
	return out, nil
}

// FlipRandomBit returns a copy of h with one uniformly chosen bit inverted.
// It exists to check that verification rejects single-bit tampering.
func FlipRandomBit(h Hash) (Hash, error) {
	if len(h) == 0 {
		return nil, ErrEmptyInput
	}
	return FlipBit(h, rand.IntN(len(h)), rand.IntN(8))
}

// String returns the standard base64 encoding of h.
func (h Hash) String() string {
	return base64.StdEncoding.EncodeToString(h)
}

// ParseBase64 decodes a standard base64 string and checks the result is a
// full-length hash.
func ParseBase64(s string) (Hash, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 hash: %w", err)
	}
	h := Hash(b)
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// MustParseBase64 is like ParseBase64 but panics on error. Useful in tests.
func MustParseBase64(s string) Hash {
	h, err := ParseBase64(s)
	if err != nil {
		panic(err)
	}
	return h
}

// MarshalJSON encodes h as a base64 string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a base64 string. An empty string yields Empty.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hash must be a base64 string: %w", err)
	}
	if s == "" {
		*h = Empty
		return nil
	}
	parsed, err := ParseBase64(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
