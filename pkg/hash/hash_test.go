package hash_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jmerrifield20/ledgerproof/pkg/hash"
)

func filled(b byte) hash.Hash {
	return hash.Hash(bytes.Repeat([]byte{b}, hash.Size))
}

func sample() []hash.Hash {
	return []hash.Hash{
		hash.Sum([]byte("leaf")),
		hash.Sum([]byte("a")),
		hash.Sum([]byte("b")),
		filled(0x00),
		filled(0x01),
		filled(0x02),
		filled(0x7f),
		filled(0x80),
		filled(0xff),
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestCompare_reflexive(t *testing.T) {
	for _, h := range sample() {
		c, err := hash.Compare(h, h)
		if err != nil {
			t.Fatal(err)
		}
		if c != 0 {
			t.Errorf("Compare(%s, %s) = %d, want 0", h, h, c)
		}
	}
}

func TestCompare_antisymmetricAndTransitive(t *testing.T) {
	hs := sample()
	for _, a := range hs {
		for _, b := range hs {
			ab, _ := hash.Compare(a, b)
			ba, _ := hash.Compare(b, a)
			if sign(ab) != -sign(ba) {
				t.Errorf("antisymmetry violated for %s / %s: %d vs %d", a, b, ab, ba)
			}
			for _, c := range hs {
				bc, _ := hash.Compare(b, c)
				ac, _ := hash.Compare(a, c)
				if ab < 0 && bc < 0 && ac >= 0 {
					t.Errorf("transitivity violated: %s < %s < %s but Compare(a,c)=%d", a, b, c, ac)
				}
			}
		}
	}
}

func TestCompare_signedBytes(t *testing.T) {
	// 0x80 is -128 as int8, so it sorts below 0x01 despite being larger unsigned.
	c, err := hash.Compare(filled(0x80), filled(0x01))
	if err != nil {
		t.Fatal(err)
	}
	if c >= 0 {
		t.Errorf("expected 0x80.. < 0x01.., got %d", c)
	}
	if c != -129 {
		t.Errorf("expected signed difference -129, got %d", c)
	}
}

func TestCompare_lastByteFirst(t *testing.T) {
	a := make(hash.Hash, hash.Size)
	b := make(hash.Hash, hash.Size)
	a[0], a[hash.Size-1] = 0x02, 0x01
	b[0], b[hash.Size-1] = 0x01, 0x02

	c, err := hash.Compare(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if c != -1 {
		t.Errorf("Compare should be decided by the last byte: got %d, want -1", c)
	}
}

func TestCompare_invalidLength(t *testing.T) {
	cases := []hash.Hash{nil, hash.Empty, make(hash.Hash, 31), make(hash.Hash, 33)}
	for _, bad := range cases {
		if _, err := hash.Compare(bad, filled(1)); !errors.Is(err, hash.ErrInvalidHashLength) {
			t.Errorf("Compare(len %d, valid): expected ErrInvalidHashLength, got %v", len(bad), err)
		}
		if _, err := hash.Compare(filled(1), bad); !errors.Is(err, hash.ErrInvalidHashLength) {
			t.Errorf("Compare(valid, len %d): expected ErrInvalidHashLength, got %v", len(bad), err)
		}
	}
}

func TestCombine_commutative(t *testing.T) {
	hs := sample()
	for _, a := range hs {
		for _, b := range hs {
			ab, err := hash.Combine(a, b)
			if err != nil {
				t.Fatal(err)
			}
			ba, err := hash.Combine(b, a)
			if err != nil {
				t.Fatal(err)
			}
			if !hash.Equal(ab, ba) {
				t.Errorf("Combine not commutative for %s / %s", a, b)
			}
			if len(ab) != hash.Size {
				t.Errorf("Combine produced %d bytes", len(ab))
			}
		}
	}
}

func TestCombine_identity(t *testing.T) {
	for _, h := range sample() {
		left, err := hash.Combine(hash.Empty, h)
		if err != nil {
			t.Fatal(err)
		}
		right, err := hash.Combine(h, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !hash.Equal(left, h) || !hash.Equal(right, h) {
			t.Errorf("empty operand should be the identity for %s", h)
		}
	}

	both, err := hash.Combine(hash.Empty, hash.Empty)
	if err != nil {
		t.Fatal(err)
	}
	if !both.IsEmpty() {
		t.Errorf("Combine(empty, empty) should stay empty, got %s", both)
	}
}

func TestCombine_knownFixture(t *testing.T) {
	h1, h2 := filled(0x01), filled(0x02)

	var concat []byte
	concat = append(concat, h1...)
	concat = append(concat, h2...)
	want := sha256.Sum256(concat)

	got, err := hash.Combine(h2, h1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want[:]) {
		t.Errorf("Combine(0x02.., 0x01..) = %x, want %x", []byte(got), want)
	}
}

func TestCombine_doesNotAlias(t *testing.T) {
	h := filled(0x05)
	out, _ := hash.Combine(hash.Empty, h)
	out[0] = 0xAA
	if h[0] != 0x05 {
		t.Error("Combine returned a slice aliasing its input")
	}
}

func TestCombine_invalidLength(t *testing.T) {
	if _, err := hash.Combine(make(hash.Hash, 10), filled(1)); !errors.Is(err, hash.ErrInvalidHashLength) {
		t.Errorf("expected ErrInvalidHashLength, got %v", err)
	}
	if _, err := hash.Combine(hash.Empty, make(hash.Hash, 10)); !errors.Is(err, hash.ErrInvalidHashLength) {
		t.Errorf("empty with short operand: expected ErrInvalidHashLength, got %v", err)
	}
}

func TestFlipRandomBit(t *testing.T) {
	orig := hash.Sum([]byte("leaf"))
	keep := orig.Clone()

	for i := 0; i < 100; i++ {
		flipped, err := hash.FlipRandomBit(orig)
		if err != nil {
			t.Fatal(err)
		}
		if hash.Equal(flipped, orig) {
			t.Fatal("FlipRandomBit returned an unchanged hash")
		}
		diff := 0
		for j := range flipped {
			x := flipped[j] ^ orig[j]
			for ; x != 0; x &= x - 1 {
				diff++
			}
		}
		if diff != 1 {
			t.Fatalf("expected exactly one differing bit, got %d", diff)
		}
	}
	if !hash.Equal(orig, keep) {
		t.Error("FlipRandomBit mutated its input")
	}
}

func TestFlipRandomBit_empty(t *testing.T) {
	if _, err := hash.FlipRandomBit(nil); !errors.Is(err, hash.ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := hash.FlipRandomBit(hash.Empty); !errors.Is(err, hash.ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
}

func TestFlipBit_outOfRange(t *testing.T) {
	if _, err := hash.FlipBit(filled(1), hash.Size, 0); err == nil {
		t.Error("expected error for byte index out of range")
	}
	if _, err := hash.FlipBit(filled(1), 0, 8); err == nil {
		t.Error("expected error for bit out of range")
	}
}

func TestJSON_base64(t *testing.T) {
	h := hash.Sum([]byte("leaf"))
	b, err := json.Marshal(struct {
		H hash.Hash `json:"h"`
	}{h})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"h":"` + h.String() + `"}`; string(b) != want {
		t.Errorf("marshal: got %s, want %s", b, want)
	}

	var out struct {
		H hash.Hash `json:"h"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if !hash.Equal(out.H, h) {
		t.Errorf("unmarshal: got %s, want %s", out.H, h)
	}
}

func TestParseBase64_rejectsShort(t *testing.T) {
	if _, err := hash.ParseBase64("AAAA"); !errors.Is(err, hash.ErrInvalidHashLength) {
		t.Errorf("expected ErrInvalidHashLength, got %v", err)
	}
	if _, err := hash.ParseBase64("%%%"); err == nil {
		t.Error("expected decode error for invalid base64")
	}
}
