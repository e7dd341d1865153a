package verifier

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/ledgerproof/pkg/canonical"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/proof"
)

// BlockAddress identifies a position in a ledger's hash chain.
type BlockAddress struct {
	StrandID   string `json:"strand_id"`
	SequenceNo uint64 `json:"sequence_no"`
}

// Equal reports whether both fields match exactly.
func (a BlockAddress) Equal(b BlockAddress) bool {
	return a.StrandID == b.StrandID && a.SequenceNo == b.SequenceNo
}

// Covers reports whether a chain tip at a includes the block at b.
func (a BlockAddress) Covers(b BlockAddress) bool {
	return a.StrandID == b.StrandID && a.SequenceNo >= b.SequenceNo
}

func (a BlockAddress) String() string {
	return fmt.Sprintf("%s:%d", a.StrandID, a.SequenceNo)
}

// LedgerDigest is the published root of trust as of TipAddress.
type LedgerDigest struct {
	Digest     hash.Hash    `json:"digest"`
	TipAddress BlockAddress `json:"digest_tip_address"`
}

// RevisionMetadata is the portable verification bundle for one document
// revision. It is captured from the ledger once and never modified; a caller
// may store it anywhere and present it to Verify later.
type RevisionMetadata struct {
	LedgerName   string       `json:"ledger_name"`
	TableName    string       `json:"table_name"`
	BlockAddress BlockAddress `json:"block_address"`
	DocumentID   string       `json:"document_id"`
	RevisionHash hash.Hash    `json:"revision_hash"`
	Proof        proof.Chain  `json:"proof"`
	LedgerDigest LedgerDigest `json:"ledger_digest"`
}

// FetchedRevision is a revision as returned by the ledger, with its proof
// relative to a requested digest tip. Data and Fields are optional; when both
// are present the leaf hash can be re-derived from content.
type FetchedRevision struct {
	DocumentID   string                    `json:"document_id"`
	TableName    string                    `json:"table_name,omitempty"`
	BlockAddress BlockAddress              `json:"block_address"`
	Hash         hash.Hash                 `json:"hash"`
	Proof        [][]byte                  `json:"proof"`
	Data         any                       `json:"data,omitempty"`
	Fields       *canonical.RevisionFields `json:"metadata,omitempty"`
}

// Ledger is the remote authority the verifier reads from.
type Ledger interface {
	// FetchRevision returns the revision of documentID stored at addr together
	// with its proof against the digest whose tip is tip.
	FetchRevision(ctx context.Context, documentID string, addr, tip BlockAddress) (*FetchedRevision, error)

	// FetchDigest returns the ledger's current published digest.
	FetchDigest(ctx context.Context) (*LedgerDigest, error)
}

// DigestRefresher is implemented by ledgers that serve FetchDigest from a
// cache. RefreshDigest always asks the authority.
type DigestRefresher interface {
	RefreshDigest(ctx context.Context) (*LedgerDigest, error)
}

// Location is where the latest revision of a document lives.
type Location struct {
	TableName    string
	BlockAddress BlockAddress
}

// Locator is implemented by ledgers that can look up a document's latest
// revision by id. Capture requires it.
type Locator interface {
	Locate(ctx context.Context, documentID string) (*Location, error)
}
