package verifier

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of verifying one bundle in a batch.
type BatchResult struct {
	Index    int
	Verified bool
	Err      error
}

// VerifyBatch verifies bundles concurrently, running at most concurrency
// verifications at a time (unbounded when concurrency <= 0). Results are in
// input order; a failure in one bundle does not stop the others.
func (v *Verifier) VerifyBatch(ctx context.Context, bundles []RevisionMetadata, concurrency int) []BatchResult {
	results := make([]BatchResult, len(bundles))

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i := range bundles {
		g.Go(func() error {
			ok, err := v.Verify(ctx, bundles[i])
			results[i] = BatchResult{Index: i, Verified: ok, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
