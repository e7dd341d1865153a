// Package proof decodes ledger inclusion proofs and folds them into a
// candidate digest.
//
// A proof is the ordered list of sibling hashes on the path from a revision
// (the leaf) to the ledger digest. Order is significant: Recompute folds the
// list left to right, leaf first.
package proof

import (
	"fmt"

	"github.com/jmerrifield20/ledgerproof/pkg/hash"
)

// Chain is an ordered, leaf-first sequence of sibling hashes.
type Chain []hash.Hash

// Decode converts the external proof representation, a list of opaque
// binary blobs, into a Chain. Blobs are taken in the order given and each
// must be a full-length hash.
func Decode(blobs [][]byte) (Chain, error) {
	c := make(Chain, 0, len(blobs))
	for i, b := range blobs {
		h := hash.Hash(b).Clone()
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("proof element %d: %w", i, err)
		}
		c = append(c, h)
	}
	return c, nil
}

// Blobs returns the raw byte form of the chain, the inverse of Decode.
func (c Chain) Blobs() [][]byte {
	out := make([][]byte, len(c))
	for i, h := range c {
		out[i] = h.Clone()
	}
	return out
}

// Recompute folds proof into leaf with hash.Combine, in proof order, and
// returns the candidate digest. An empty proof yields the leaf itself.
func Recompute(leaf hash.Hash, c Chain) (hash.Hash, error) {
	if err := leaf.Validate(); err != nil {
		return nil, fmt.Errorf("leaf: %w", err)
	}
	acc := leaf.Clone()
	for i, sibling := range c {
		next, err := hash.Combine(acc, sibling)
		if err != nil {
			return nil, fmt.Errorf("combine proof element %d: %w", i, err)
		}
		acc = next
	}
	return acc, nil
}

// Steps is like Recompute but returns every intermediate accumulator. The
// last element is the candidate digest.
func Steps(leaf hash.Hash, c Chain) ([]hash.Hash, error) {
	if err := leaf.Validate(); err != nil {
		return nil, fmt.Errorf("leaf: %w", err)
	}
	steps := make([]hash.Hash, 0, len(c)+1)
	acc := leaf.Clone()
	steps = append(steps, acc)
	for i, sibling := range c {
		next, err := hash.Combine(acc, sibling)
		if err != nil {
			return nil, fmt.Errorf("combine proof element %d: %w", i, err)
		}
		acc = next
		steps = append(steps, acc)
	}
	return steps, nil
}
