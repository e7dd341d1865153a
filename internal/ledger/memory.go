package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	strandID  string
	revisions []*Revision
	latest    map[string]int
}

// NewMemoryStore creates an empty MemoryStore on a fresh strand.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strandID: newStrandID(),
		latest:   make(map[string]int),
	}
}

// StrandID returns the identifier of the store's strand.
func (s *MemoryStore) StrandID() string { return s.strandID }

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, table, documentID string, data any) (*Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := int64(0)
	if documentID == "" {
		documentID = uuid.NewString()
	} else if idx, ok := s.latest[documentID]; ok {
		prev := s.revisions[idx]
		if prev.TableName != table {
			return nil, fmt.Errorf("%w: %q is in %q", ErrTableMismatch, documentID, prev.TableName)
		}
		version = prev.Fields.Version + 1
	}

	addr := verifier.BlockAddress{StrandID: s.strandID, SequenceNo: uint64(len(s.revisions))}
	rev, err := buildRevision(table, documentID, version, addr, data)
	if err != nil {
		return nil, err
	}

	s.latest[documentID] = len(s.revisions)
	s.revisions = append(s.revisions, rev)
	return rev.clone(), nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context, documentID string) (*Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.latest[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: document %q", ErrNotFound, documentID)
	}
	return s.revisions[idx].clone(), nil
}

// Digest implements Store.
func (s *MemoryStore) Digest(_ context.Context) (*verifier.LedgerDigest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, err := merkleRoot(s.leaves(len(s.revisions)))
	if err != nil {
		return nil, err
	}
	return &verifier.LedgerDigest{
		Digest:     root,
		TipAddress: s.revisions[len(s.revisions)-1].Address,
	}, nil
}

// Revision implements Store.
func (s *MemoryStore) Revision(_ context.Context, _ string, addr, tip verifier.BlockAddress) (*verifier.FetchedRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := checkAddresses(s.strandID, len(s.revisions), addr, tip); err != nil {
		return nil, err
	}
	return fetched(s.revisions[addr.SequenceNo], s.leaves(int(tip.SequenceNo)+1))
}

// Tables implements Store.
func (s *MemoryStore) Tables(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, r := range s.revisions {
		seen[r.TableName] = struct{}{}
	}
	tables := make([]string, 0, len(seen))
	for t := range seen {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revisions), nil
}

// Verify implements Store.
func (s *MemoryStore) Verify(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, rev := range s.revisions {
		if err := verifyRevision(rev, s.strandID, uint64(i)); err != nil {
			return err
		}
	}
	return nil
}

// tamper replaces the stored hash at seq. Only tests call it.
func (s *MemoryStore) tamper(seq int, h hash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[seq].Hash = h
}

func (s *MemoryStore) leaves(n int) []hash.Hash {
	out := make([]hash.Hash, n)
	for i := 0; i < n; i++ {
		out[i] = s.revisions[i].Hash
	}
	return out
}
