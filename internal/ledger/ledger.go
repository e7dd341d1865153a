// Package ledger implements the authoritative, append-only document ledger
// the verifier checks against.
//
// Every revision is a leaf on a single strand; its sequence number is its
// zero-based append position. The published digest is the Merkle root over
// all leaves built with hash.Combine, and proofs are leaf-to-root sibling
// lists, so proof.Recompute(leaf, proof) reproduces the digest.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgerproof/pkg/canonical"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
)

var (
	// ErrEmptyLedger is returned when a digest is requested before any append.
	ErrEmptyLedger = errors.New("ledger has no revisions")

	// ErrNotFound is returned for unknown documents or addresses.
	ErrNotFound = errors.New("revision not found")

	// ErrNotCovered is returned when a block lies beyond the requested digest tip.
	ErrNotCovered = errors.New("block address is not covered by digest tip")

	// ErrTableMismatch is returned when a document is revised under a
	// different table than the one it was created in.
	ErrTableMismatch = errors.New("document belongs to another table")
)

// Revision is one stored document revision.
type Revision struct {
	TableName  string                   `json:"table_name"`
	DocumentID string                   `json:"document_id"`
	Address    verifier.BlockAddress    `json:"block_address"`
	Fields     canonical.RevisionFields `json:"metadata"`
	Data       any                      `json:"data"`
	Hash       hash.Hash                `json:"hash"`
}

// Store is the interface for a revision ledger. Both MemoryStore and
// PostgresStore implement it.
type Store interface {
	// Append records data as a new revision of documentID in table. An empty
	// documentID creates a new document with a generated id.
	Append(ctx context.Context, table, documentID string, data any) (*Revision, error)

	// Latest returns the most recent revision of documentID.
	Latest(ctx context.Context, documentID string) (*Revision, error)

	// Digest returns the digest over every revision appended so far.
	Digest(ctx context.Context) (*verifier.LedgerDigest, error)

	// Revision returns the revision stored at addr with its proof against
	// the digest whose tip is tip. documentID is echoed to the caller only
	// through the revision itself; it is not used to select the block.
	Revision(ctx context.Context, documentID string, addr, tip verifier.BlockAddress) (*verifier.FetchedRevision, error)

	// Tables returns the table names in use, sorted.
	Tables(ctx context.Context) ([]string, error)

	// Len returns the number of revisions.
	Len(ctx context.Context) (int, error)

	// Verify re-derives every stored revision hash from its content and
	// checks the strand is contiguous. Returns nil if the ledger is intact.
	Verify(ctx context.Context) error
}

// newStrandID returns a fresh strand identifier.
func newStrandID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// txTime is truncated to microseconds so the value survives a round trip
// through PostgreSQL timestamptz unchanged.
func txTime() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// normalize reduces data to its JSON document form (objects, arrays,
// strings, json.Number, bools, nulls). Both stores hash the normalised value
// so a revision hashes identically before and after persistence.
func normalize(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &canonical.CanonicalizationError{Path: "$", Reason: err.Error()}
	}
	return decodeDocument(raw)
}

func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return v, nil
}

// copyDocument deep-copies a normalised document. Scalars in that form are
// immutable and shared.
func copyDocument(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = copyDocument(e)
		}
		return m
	case []any:
		l := make([]any, len(x))
		for i, e := range x {
			l[i] = copyDocument(e)
		}
		return l
	default:
		return v
	}
}

// clone returns a copy of rev that shares no mutable state with it.
func (rev *Revision) clone() *Revision {
	c := *rev
	c.Data = copyDocument(rev.Data)
	c.Hash = rev.Hash.Clone()
	return &c
}

// buildRevision normalises data and computes the revision hash.
func buildRevision(table, documentID string, version int64, addr verifier.BlockAddress, data any) (*Revision, error) {
	doc, err := normalize(data)
	if err != nil {
		return nil, err
	}
	fields := canonical.RevisionFields{
		ID:      documentID,
		Version: version,
		TxTime:  txTime(),
		TxID:    uuid.NewString(),
	}
	h, err := canonical.HashOf(doc, fields)
	if err != nil {
		return nil, err
	}
	return &Revision{
		TableName:  table,
		DocumentID: documentID,
		Address:    addr,
		Fields:     fields,
		Data:       doc,
		Hash:       h,
	}, nil
}

// fetched assembles the revision and proof for tip from the leaf hashes of
// the first tip.SequenceNo+1 revisions.
func fetched(rev *Revision, leaves []hash.Hash) (*verifier.FetchedRevision, error) {
	path, err := auditPath(leaves, int(rev.Address.SequenceNo))
	if err != nil {
		return nil, err
	}
	blobs := make([][]byte, len(path))
	for i, p := range path {
		blobs[i] = p
	}
	fields := rev.Fields
	return &verifier.FetchedRevision{
		DocumentID:   rev.DocumentID,
		TableName:    rev.TableName,
		BlockAddress: rev.Address,
		Hash:         rev.Hash.Clone(),
		Proof:        blobs,
		Data:         copyDocument(rev.Data),
		Fields:       &fields,
	}, nil
}

// checkAddresses validates addr and tip against a strand holding n revisions.
func checkAddresses(strandID string, n int, addr, tip verifier.BlockAddress) error {
	if tip.StrandID != strandID || tip.SequenceNo >= uint64(n) {
		return fmt.Errorf("%w: digest tip %s", ErrNotFound, tip)
	}
	if addr.StrandID != strandID {
		return fmt.Errorf("%w: block %s", ErrNotFound, addr)
	}
	if !tip.Covers(addr) {
		return fmt.Errorf("%w: block %s, tip %s", ErrNotCovered, addr, tip)
	}
	return nil
}

// verifyRevision re-derives rev's hash and checks its position.
func verifyRevision(rev *Revision, strandID string, seq uint64) error {
	if rev.Address.StrandID != strandID || rev.Address.SequenceNo != seq {
		return fmt.Errorf("strand broken at sequence %d: found %s", seq, rev.Address)
	}
	h, err := canonical.HashOf(rev.Data, rev.Fields)
	if err != nil {
		return fmt.Errorf("revision %d: %w", seq, err)
	}
	if !hash.Equal(h, rev.Hash) {
		return fmt.Errorf("revision %d has invalid hash", seq)
	}
	return nil
}
