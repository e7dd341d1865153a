package proof_test

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/proof"
)

func filled(b byte) hash.Hash {
	return hash.Hash(bytes.Repeat([]byte{b}, hash.Size))
}

func sha(parts ...[]byte) []byte {
	d := sha256.New()
	for _, p := range parts {
		d.Write(p)
	}
	return d.Sum(nil)
}

// 0x80 is the smallest signed byte and 0x7f the largest, so an all-0x80 hash
// sorts before any other hash and an all-0x7f hash after any other. That makes
// the expected concatenation order independent of the leaf's bytes.
func TestRecompute_handComputed(t *testing.T) {
	h0 := hash.Sum([]byte("leaf"))
	h1 := filled(0x80)
	h2 := filled(0x7f)

	step1 := sha(h1, h0)
	want := sha(step1, h2)

	got, err := proof.Recompute(h0, proof.Chain{h1, h2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Recompute = %x, want %x", []byte(got), want)
	}
}

func TestRecompute_orderedFixtures(t *testing.T) {
	h1, h2 := filled(0x01), filled(0x02)
	leaf := filled(0x80)

	// leaf < h1 < h2 under the signed comparator.
	step1 := sha(leaf, h1)
	want := sha(step1, h2)
	if c, _ := hash.Compare(hash.Hash(step1), h2); c >= 0 {
		// step1 sorts after h2; the expected order flips.
		want = sha(h2, step1)
	}

	got, err := proof.Recompute(leaf, proof.Chain{h1, h2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Recompute = %x, want %x", []byte(got), want)
	}
}

func TestRecompute_emptyProofIsLeaf(t *testing.T) {
	leaf := hash.Sum([]byte("solo"))
	got, err := proof.Recompute(leaf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !hash.Equal(got, leaf) {
		t.Errorf("empty proof should return the leaf, got %s", got)
	}
}

func TestRecompute_tamperedLeaf(t *testing.T) {
	leaf := hash.Sum([]byte("leaf"))
	chain := proof.Chain{hash.Sum([]byte("s1")), hash.Sum([]byte("s2")), hash.Sum([]byte("s3"))}

	digest, err := proof.Recompute(leaf, chain)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		bad, err := hash.FlipRandomBit(leaf)
		if err != nil {
			t.Fatal(err)
		}
		got, err := proof.Recompute(bad, chain)
		if err != nil {
			t.Fatal(err)
		}
		if hash.Equal(got, digest) {
			t.Fatalf("tampered leaf %s reproduced the digest", bad)
		}
	}

	flipped, _ := hash.FlipRandomBit(digest)
	if hash.Equal(digest, flipped) {
		t.Error("a flipped digest must not compare equal")
	}
}

func TestRecompute_invalidLeaf(t *testing.T) {
	if _, err := proof.Recompute(hash.Empty, proof.Chain{filled(1)}); !errors.Is(err, hash.ErrInvalidHashLength) {
		t.Errorf("expected ErrInvalidHashLength for empty leaf, got %v", err)
	}
}

func TestSteps_matchesRecompute(t *testing.T) {
	leaf := hash.Sum([]byte("leaf"))
	chain := proof.Chain{hash.Sum([]byte("x")), hash.Sum([]byte("y"))}

	steps, err := proof.Steps(leaf, chain)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if !hash.Equal(steps[0], leaf) {
		t.Error("first step should be the leaf")
	}
	want, _ := proof.Recompute(leaf, chain)
	if !hash.Equal(steps[2], want) {
		t.Errorf("last step %s != Recompute %s", steps[2], want)
	}
}

func TestDecode(t *testing.T) {
	blobs := [][]byte{filled(1), filled(2)}
	c, err := proof.Decode(blobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(c) != 2 || !hash.Equal(c[0], filled(1)) || !hash.Equal(c[1], filled(2)) {
		t.Errorf("Decode did not preserve order: %v", c)
	}

	blobs[0][0] = 0xEE
	if c[0][0] != 0x01 {
		t.Error("Decode should copy its input")
	}

	if _, err := proof.Decode([][]byte{make([]byte, 12)}); !errors.Is(err, hash.ErrInvalidHashLength) {
		t.Errorf("expected ErrInvalidHashLength, got %v", err)
	}
}

func TestIonText_roundTrip(t *testing.T) {
	c := proof.Chain{filled(1), hash.Sum([]byte("z"))}
	text := proof.EncodeIonText(c)

	got, err := proof.DecodeIonText(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !hash.Equal(got[0], c[0]) || !hash.Equal(got[1], c[1]) {
		t.Errorf("round trip mismatch: %v", got)
	}
}

func TestDecodeIonText_whitespaceAndEmpty(t *testing.T) {
	h := filled(3)
	text := "[ {{ " + h.String()[:20] + "\n " + h.String()[20:] + " }} ]"
	got, err := proof.DecodeIonText(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !hash.Equal(got[0], h) {
		t.Errorf("unexpected decode: %v", got)
	}

	empty, err := proof.DecodeIonText("[]")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty chain, got %d elements", len(empty))
	}
}

func TestDecodeIonText_commentsAndAnnotations(t *testing.T) {
	a, b := filled(4), filled(5)
	text := "// audit path\nproof::[ /* leaf sibling */ {{" + a.String() + "}},\n  {{" + b.String() + "}} // root side\n]"
	got, err := proof.DecodeIonText(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !hash.Equal(got[0], a) || !hash.Equal(got[1], b) {
		t.Errorf("unexpected decode: %v", got)
	}
}

func TestDecodeIonText_malformed(t *testing.T) {
	for _, in := range []string{"", "{{AAAA}}", "[AAAA]", "[{{!!}}]", "[] []", "null.list"} {
		if _, err := proof.DecodeIonText(in); !errors.Is(err, proof.ErrMalformedIonText) {
			t.Errorf("DecodeIonText(%q): expected ErrMalformedIonText, got %v", in, err)
		}
	}
}
