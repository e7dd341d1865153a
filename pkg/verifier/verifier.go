// Package verifier checks document revisions against a ledger's published
// digest.
//
// Verify walks a fixed sequence of stages:
//
//	Fetched → HashMatched → IDMatched → AddressMatched → DigestMatched(bool)
//
// Disagreement at any of the middle stages is a *MismatchError. Only the last
// stage yields false, because a digest that has not yet caught up with the
// revision's block is an expected, transient condition rather than evidence
// of tampering.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/jmerrifield20/ledgerproof/pkg/canonical"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/proof"
	"go.uber.org/zap"
)

// Stage is a step of the verification state machine.
type Stage string

const (
	StageFetched        Stage = "fetched"
	StageHashMatched    Stage = "hash_matched"
	StageIDMatched      Stage = "id_matched"
	StageAddressMatched Stage = "address_matched"
	StageDigestMatched  Stage = "digest_matched"
)

// DefaultRetryDelay is how long Capture waits before re-reading a digest
// that does not yet cover the document's block.
const DefaultRetryDelay = 2 * time.Second

// LedgerSource resolves a ledger name to a Ledger. Registry implements it.
type LedgerSource interface {
	Ledger(ctx context.Context, name string) (Ledger, error)
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithContentCheck re-derives the leaf hash from the fetched revision's
// content and metadata, when the ledger returns them, instead of trusting
// the hash field alone.
func WithContentCheck() Option {
	return func(v *Verifier) { v.contentCheck = true }
}

// WithStageHook registers fn to be called as each stage is reached.
func WithStageHook(fn func(Stage)) Option {
	return func(v *Verifier) { v.onStage = fn }
}

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(v *Verifier) { v.retryDelay = d }
}

// Verifier runs end-to-end verification of RevisionMetadata bundles. It holds
// no mutable state and may be shared by concurrent callers.
type Verifier struct {
	ledgers      LedgerSource
	logger       *zap.Logger
	contentCheck bool
	retryDelay   time.Duration
	onStage      func(Stage)
}

// New creates a Verifier that fetches ledger state through ledgers.
func New(ledgers LedgerSource, logger *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		ledgers:    ledgers,
		logger:     logger,
		retryDelay: DefaultRetryDelay,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Verifier) reach(s Stage) {
	if v.onStage != nil {
		v.onStage(s)
	}
}

// Verify checks md against the ledger it names. It returns a *MismatchError
// when the ledger disagrees with the revision hash, document id or block
// address in md, and otherwise reports whether the proof recomputes to the
// digest recorded in md.
func (v *Verifier) Verify(ctx context.Context, md RevisionMetadata) (bool, error) {
	if err := md.RevisionHash.Validate(); err != nil {
		return false, fmt.Errorf("revision hash: %w", err)
	}
	if err := md.LedgerDigest.Digest.Validate(); err != nil {
		return false, fmt.Errorf("ledger digest: %w", err)
	}

	led, err := v.ledgers.Ledger(ctx, md.LedgerName)
	if err != nil {
		return false, fmt.Errorf("open ledger %q: %w", md.LedgerName, err)
	}

	rev, err := led.FetchRevision(ctx, md.DocumentID, md.BlockAddress, md.LedgerDigest.TipAddress)
	if err != nil {
		return false, fmt.Errorf("fetch revision: %w", err)
	}
	v.reach(StageFetched)

	if v.contentCheck && rev.Fields != nil {
		derived, err := canonical.HashOf(rev.Data, *rev.Fields)
		if err != nil {
			return false, fmt.Errorf("derive revision hash: %w", err)
		}
		if !hash.Equal(derived, rev.Hash) {
			return false, &MismatchError{Field: FieldRevisionHash, Asserted: derived.String(), Fetched: rev.Hash.String()}
		}
	}
	if !hash.Equal(rev.Hash, md.RevisionHash) {
		return false, &MismatchError{Field: FieldRevisionHash, Asserted: md.RevisionHash.String(), Fetched: rev.Hash.String()}
	}
	v.reach(StageHashMatched)

	if rev.DocumentID != md.DocumentID {
		return false, &MismatchError{Field: FieldDocumentID, Asserted: md.DocumentID, Fetched: rev.DocumentID}
	}
	v.reach(StageIDMatched)

	if !rev.BlockAddress.Equal(md.BlockAddress) {
		return false, &MismatchError{Field: FieldBlockAddress, Asserted: md.BlockAddress.String(), Fetched: rev.BlockAddress.String()}
	}
	v.reach(StageAddressMatched)

	chain, err := proof.Decode(rev.Proof)
	if err != nil {
		return false, fmt.Errorf("decode proof: %w", err)
	}
	candidate, err := v.RecomputeDigest(md.RevisionHash, chain)
	if err != nil {
		return false, err
	}
	ok := hash.Equal(candidate, md.LedgerDigest.Digest)
	v.reach(StageDigestMatched)

	v.logger.Debug("revision verified",
		zap.String("ledger", md.LedgerName),
		zap.String("document_id", md.DocumentID),
		zap.Stringer("block_address", md.BlockAddress),
		zap.Bool("verified", ok),
	)
	return ok, nil
}

// RecomputeDigest folds chain into leaf and returns the candidate digest.
func (v *Verifier) RecomputeDigest(leaf hash.Hash, chain proof.Chain) (hash.Hash, error) {
	d, err := proof.Recompute(leaf, chain)
	if err != nil {
		return nil, fmt.Errorf("recompute digest: %w", err)
	}
	return d, nil
}

// Capture reads the latest revision of documentID together with a digest
// that covers it and returns the resulting verification bundle. The ledger
// must implement Locator.
func (v *Verifier) Capture(ctx context.Context, ledgerName, documentID string) (*RevisionMetadata, error) {
	led, err := v.ledgers.Ledger(ctx, ledgerName)
	if err != nil {
		return nil, fmt.Errorf("open ledger %q: %w", ledgerName, err)
	}
	loc, ok := led.(Locator)
	if !ok {
		return nil, ErrLocateUnsupported
	}

	where, err := loc.Locate(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("locate %q: %w", documentID, err)
	}

	digest, err := WaitForCoveringDigest(ctx, led, where.BlockAddress, v.retryDelay)
	if err != nil {
		return nil, err
	}

	rev, err := led.FetchRevision(ctx, documentID, where.BlockAddress, digest.TipAddress)
	if err != nil {
		return nil, fmt.Errorf("fetch revision: %w", err)
	}
	chain, err := proof.Decode(rev.Proof)
	if err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}

	return &RevisionMetadata{
		LedgerName:   ledgerName,
		TableName:    where.TableName,
		BlockAddress: rev.BlockAddress,
		DocumentID:   rev.DocumentID,
		RevisionHash: rev.Hash.Clone(),
		Proof:        chain,
		LedgerDigest: *digest,
	}, nil
}

// WaitForCoveringDigest fetches led's digest and, if its tip has not reached
// addr, waits delay and fetches once more. It never polls beyond that single
// retry; a digest still behind yields ErrDigestBehind. The retry goes through
// RefreshDigest when led implements DigestRefresher.
func WaitForCoveringDigest(ctx context.Context, led Ledger, addr BlockAddress, delay time.Duration) (*LedgerDigest, error) {
	d, err := led.FetchDigest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch digest: %w", err)
	}
	if d.TipAddress.Covers(addr) {
		return d, nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}

	if r, ok := led.(DigestRefresher); ok {
		d, err = r.RefreshDigest(ctx)
	} else {
		d, err = led.FetchDigest(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch digest: %w", err)
	}
	if !d.TipAddress.Covers(addr) {
		return nil, fmt.Errorf("%w: tip %s, block %s", ErrDigestBehind, d.TipAddress, addr)
	}
	return d, nil
}
