package ledger

import (
	"fmt"

	"github.com/jmerrifield20/ledgerproof/pkg/hash"
)

// nextLayer combines adjacent pairs. An unpaired last node is promoted
// unchanged, which is Combine with the empty identity.
func nextLayer(layer []hash.Hash) ([]hash.Hash, error) {
	next := make([]hash.Hash, 0, (len(layer)+1)/2)
	for i := 0; i < len(layer); i += 2 {
		if i+1 == len(layer) {
			next = append(next, layer[i])
			continue
		}
		parent, err := hash.Combine(layer[i], layer[i+1])
		if err != nil {
			return nil, fmt.Errorf("combine nodes %d and %d: %w", i, i+1, err)
		}
		next = append(next, parent)
	}
	return next, nil
}

// merkleRoot returns the digest over leaves. leaves must be non-empty.
func merkleRoot(leaves []hash.Hash) (hash.Hash, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyLedger
	}
	layer := leaves
	for len(layer) > 1 {
		var err error
		if layer, err = nextLayer(layer); err != nil {
			return nil, err
		}
	}
	return layer[0].Clone(), nil
}

// auditPath returns the sibling hashes from leaves[index] up to the root,
// leaf first. Levels where the node has no sibling contribute nothing.
func auditPath(leaves []hash.Hash, index int) ([]hash.Hash, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf %d out of range for %d leaves", index, len(leaves))
	}
	var path []hash.Hash
	layer := leaves
	for len(layer) > 1 {
		if sib := index ^ 1; sib < len(layer) {
			path = append(path, layer[sib].Clone())
		}
		var err error
		if layer, err = nextLayer(layer); err != nil {
			return nil, err
		}
		index /= 2
	}
	return path, nil
}
