package verifier_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/ledgerproof/internal/ledger"
	"github.com/jmerrifield20/ledgerproof/pkg/canonical"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
	"go.uber.org/zap"
)

var ctx = context.Background()

const ledgerName = "vehicle-registration"

// setup returns a verifier over a memory ledger holding a few documents and
// a freshly captured bundle for the last one appended.
func setup(t *testing.T, opts ...verifier.Option) (*verifier.Verifier, *ledger.MemoryStore, *verifier.RevisionMetadata) {
	t.Helper()
	store := ledger.NewMemoryStore()
	var last *ledger.Revision
	for i := 0; i < 5; i++ {
		r, err := store.Append(ctx, "VehicleRegistration", "", map[string]any{
			"VIN":   "1N4AL11D75C10915" + string(rune('0'+i)),
			"Owner": map[string]any{"Name": "Owner", "Index": i},
		})
		if err != nil {
			t.Fatal(err)
		}
		last = r
	}

	reg := verifier.NewRegistry(nil)
	reg.Register(ledgerName, ledger.NewAuthority(store))
	v := verifier.New(reg, zap.NewNop(), opts...)

	md, err := v.Capture(ctx, ledgerName, last.DocumentID)
	if err != nil {
		t.Fatal(err)
	}
	return v, store, md
}

func TestVerify_roundTrip(t *testing.T) {
	v, _, md := setup(t)

	ok, err := v.Verify(ctx, *md)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected captured bundle to verify")
	}
}

func TestVerify_withContentCheck(t *testing.T) {
	v, _, md := setup(t, verifier.WithContentCheck())
	ok, err := v.Verify(ctx, *md)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected bundle to verify with content check")
	}
}

func TestVerify_olderDigestStillVerifies(t *testing.T) {
	v, store, md := setup(t)
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "VehicleRegistration", "", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := v.Verify(ctx, *md)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("a bundle captured against an older digest should still verify")
	}
}

func TestVerify_tamperedDigestIsFalse(t *testing.T) {
	v, _, md := setup(t)

	bad := *md
	flipped, err := hash.FlipRandomBit(md.LedgerDigest.Digest)
	if err != nil {
		t.Fatal(err)
	}
	bad.LedgerDigest.Digest = flipped

	ok, err := v.Verify(ctx, bad)
	if err != nil {
		t.Fatalf("digest mismatch must not be an error: %v", err)
	}
	if ok {
		t.Error("expected false for a flipped digest")
	}
}

func TestVerify_tamperedRevisionHash(t *testing.T) {
	v, _, md := setup(t)

	bad := *md
	flipped, _ := hash.FlipRandomBit(md.RevisionHash)
	bad.RevisionHash = flipped

	_, err := v.Verify(ctx, bad)
	if !errors.Is(err, verifier.ErrMetadataMismatch) {
		t.Fatalf("expected ErrMetadataMismatch, got %v", err)
	}
	if f := verifier.MismatchField(err); f != verifier.FieldRevisionHash {
		t.Errorf("field: got %q, want %q", f, verifier.FieldRevisionHash)
	}
}

func TestVerify_documentIDMismatchStopsEarly(t *testing.T) {
	var stages []verifier.Stage
	v, _, md := setup(t, verifier.WithStageHook(func(s verifier.Stage) {
		stages = append(stages, s)
	}))
	stages = nil

	bad := *md
	bad.DocumentID = "someone-else"

	ok, err := v.Verify(ctx, bad)
	if ok {
		t.Error("mismatch must not report verified")
	}
	var me *verifier.MismatchError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MismatchError, got %v", err)
	}
	if me.Field != verifier.FieldDocumentID {
		t.Errorf("field: got %q, want %q", me.Field, verifier.FieldDocumentID)
	}

	want := []verifier.Stage{verifier.StageFetched, verifier.StageHashMatched}
	if len(stages) != len(want) {
		t.Fatalf("stages: got %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d: got %q, want %q", i, stages[i], want[i])
		}
	}
}

func TestVerify_invalidLengths(t *testing.T) {
	v, _, md := setup(t)

	bad := *md
	bad.RevisionHash = hash.Hash{1, 2, 3}
	if _, err := v.Verify(ctx, bad); !errors.Is(err, hash.ErrInvalidHashLength) {
		t.Errorf("expected ErrInvalidHashLength, got %v", err)
	}

	bad = *md
	bad.LedgerDigest.Digest = nil
	if _, err := v.Verify(ctx, bad); !errors.Is(err, hash.ErrInvalidHashLength) {
		t.Errorf("expected ErrInvalidHashLength, got %v", err)
	}
}

func TestVerify_unknownLedger(t *testing.T) {
	v, _, md := setup(t)
	bad := *md
	bad.LedgerName = "nope"
	if _, err := v.Verify(ctx, bad); !errors.Is(err, verifier.ErrUnknownLedger) {
		t.Errorf("expected ErrUnknownLedger, got %v", err)
	}
}

// stubLedger returns canned responses.
type stubLedger struct {
	rev     *verifier.FetchedRevision
	digests []*verifier.LedgerDigest
	calls   atomic.Int32
	closed  bool
}

func (s *stubLedger) FetchRevision(context.Context, string, verifier.BlockAddress, verifier.BlockAddress) (*verifier.FetchedRevision, error) {
	return s.rev, nil
}

func (s *stubLedger) FetchDigest(context.Context) (*verifier.LedgerDigest, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.digests) {
		n = len(s.digests) - 1
	}
	return s.digests[n], nil
}

func (s *stubLedger) Locate(context.Context, string) (*verifier.Location, error) {
	return &verifier.Location{TableName: "t", BlockAddress: s.rev.BlockAddress}, nil
}

func (s *stubLedger) Close() error {
	s.closed = true
	return nil
}

func stubVerifier(led verifier.Ledger, opts ...verifier.Option) *verifier.Verifier {
	reg := verifier.NewRegistry(nil)
	reg.Register("stub", led)
	return verifier.New(reg, zap.NewNop(), opts...)
}

func TestVerify_blockAddressMismatch(t *testing.T) {
	leaf := hash.Sum([]byte("leaf"))
	stub := &stubLedger{rev: &verifier.FetchedRevision{
		DocumentID:   "doc",
		BlockAddress: verifier.BlockAddress{StrandID: "s", SequenceNo: 7},
		Hash:         leaf,
	}}
	md := verifier.RevisionMetadata{
		LedgerName:   "stub",
		DocumentID:   "doc",
		BlockAddress: verifier.BlockAddress{StrandID: "s", SequenceNo: 8},
		RevisionHash: leaf,
		LedgerDigest: verifier.LedgerDigest{Digest: leaf},
	}

	_, err := stubVerifier(stub).Verify(ctx, md)
	if f := verifier.MismatchField(err); f != verifier.FieldBlockAddress {
		t.Errorf("expected blockAddress mismatch, got %v", err)
	}
}

func TestVerify_contentCheckDetectsForgedHash(t *testing.T) {
	fields := canonical.RevisionFields{ID: "doc", Version: 0, TxTime: time.Unix(1700000000, 0).UTC()}
	forged := hash.Sum([]byte("not the content"))
	stub := &stubLedger{rev: &verifier.FetchedRevision{
		DocumentID:   "doc",
		BlockAddress: verifier.BlockAddress{StrandID: "s"},
		Hash:         forged,
		Data:         map[string]any{"k": "v"},
		Fields:       &fields,
	}}
	md := verifier.RevisionMetadata{
		LedgerName:   "stub",
		DocumentID:   "doc",
		BlockAddress: verifier.BlockAddress{StrandID: "s"},
		RevisionHash: forged,
		LedgerDigest: verifier.LedgerDigest{Digest: forged},
	}

	ok, err := stubVerifier(stub).Verify(ctx, md)
	if err != nil || !ok {
		t.Fatalf("without content check the forged hash is trusted: ok=%v err=%v", ok, err)
	}

	_, err = stubVerifier(stub, verifier.WithContentCheck()).Verify(ctx, md)
	var me *verifier.MismatchError
	if !errors.As(err, &me) || me.Field != verifier.FieldRevisionHash {
		t.Fatalf("expected revisionHash mismatch with content check, got %v", err)
	}
	derived, _ := canonical.HashOf(map[string]any{"k": "v"}, fields)
	if me.Asserted != derived.String() || me.Fetched != forged.String() {
		t.Errorf("asserted %q fetched %q, want derived %q and ledger %q", me.Asserted, me.Fetched, derived, forged)
	}
}

func TestWaitForCoveringDigest(t *testing.T) {
	addr := verifier.BlockAddress{StrandID: "s", SequenceNo: 5}
	behind := &verifier.LedgerDigest{Digest: hash.Sum([]byte("1")), TipAddress: verifier.BlockAddress{StrandID: "s", SequenceNo: 4}}
	ahead := &verifier.LedgerDigest{Digest: hash.Sum([]byte("2")), TipAddress: verifier.BlockAddress{StrandID: "s", SequenceNo: 6}}

	t.Run("covered immediately", func(t *testing.T) {
		stub := &stubLedger{digests: []*verifier.LedgerDigest{ahead}}
		d, err := verifier.WaitForCoveringDigest(ctx, stub, addr, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if d != ahead || stub.calls.Load() != 1 {
			t.Errorf("expected one fetch returning the covering digest, got %d fetches", stub.calls.Load())
		}
	})

	t.Run("covered after one retry", func(t *testing.T) {
		stub := &stubLedger{digests: []*verifier.LedgerDigest{behind, ahead}}
		d, err := verifier.WaitForCoveringDigest(ctx, stub, addr, time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if d != ahead || stub.calls.Load() != 2 {
			t.Errorf("expected two fetches, got %d", stub.calls.Load())
		}
	})

	t.Run("still behind", func(t *testing.T) {
		stub := &stubLedger{digests: []*verifier.LedgerDigest{behind, behind, ahead}}
		_, err := verifier.WaitForCoveringDigest(ctx, stub, addr, time.Millisecond)
		if !errors.Is(err, verifier.ErrDigestBehind) {
			t.Fatalf("expected ErrDigestBehind, got %v", err)
		}
		if stub.calls.Load() != 2 {
			t.Errorf("expected exactly one retry, got %d fetches", stub.calls.Load())
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		stub := &stubLedger{digests: []*verifier.LedgerDigest{behind}}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := verifier.WaitForCoveringDigest(cctx, stub, addr, time.Hour); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestCapture_requiresLocator(t *testing.T) {
	reg := verifier.NewRegistry(nil)
	reg.Register("bare", bareLedger{})
	v := verifier.New(reg, zap.NewNop())
	if _, err := v.Capture(ctx, "bare", "doc"); !errors.Is(err, verifier.ErrLocateUnsupported) {
		t.Errorf("expected ErrLocateUnsupported, got %v", err)
	}
}

type bareLedger struct{}

func (bareLedger) FetchRevision(context.Context, string, verifier.BlockAddress, verifier.BlockAddress) (*verifier.FetchedRevision, error) {
	return nil, errors.New("unused")
}

func (bareLedger) FetchDigest(context.Context) (*verifier.LedgerDigest, error) {
	return nil, errors.New("unused")
}

func TestVerifyBatch(t *testing.T) {
	v, _, md := setup(t)

	flipped, _ := hash.FlipRandomBit(md.LedgerDigest.Digest)
	tampered := *md
	tampered.LedgerDigest.Digest = flipped
	wrongDoc := *md
	wrongDoc.DocumentID = "x"

	bundles := []verifier.RevisionMetadata{*md, tampered, wrongDoc, *md}
	results := v.VerifyBatch(ctx, bundles, 2)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if !results[0].Verified || results[0].Err != nil {
		t.Errorf("result 0: %+v", results[0])
	}
	if results[1].Verified || results[1].Err != nil {
		t.Errorf("result 1 should be unverified without error: %+v", results[1])
	}
	if !errors.Is(results[2].Err, verifier.ErrMetadataMismatch) {
		t.Errorf("result 2 should be a mismatch: %+v", results[2])
	}
	if !results[3].Verified || results[3].Index != 3 {
		t.Errorf("result 3: %+v", results[3])
	}
}
