package ledger

import (
	"context"

	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
)

// Authority exposes a Store as the verifier's view of a remote ledger.
type Authority struct {
	store Store
}

// NewAuthority wraps store.
func NewAuthority(store Store) *Authority {
	return &Authority{store: store}
}

// Store returns the wrapped store.
func (a *Authority) Store() Store { return a.store }

// FetchRevision implements verifier.Ledger.
func (a *Authority) FetchRevision(ctx context.Context, documentID string, addr, tip verifier.BlockAddress) (*verifier.FetchedRevision, error) {
	return a.store.Revision(ctx, documentID, addr, tip)
}

// FetchDigest implements verifier.Ledger.
func (a *Authority) FetchDigest(ctx context.Context) (*verifier.LedgerDigest, error) {
	return a.store.Digest(ctx)
}

// Locate implements verifier.Locator.
func (a *Authority) Locate(ctx context.Context, documentID string) (*verifier.Location, error) {
	rev, err := a.store.Latest(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &verifier.Location{TableName: rev.TableName, BlockAddress: rev.Address}, nil
}
