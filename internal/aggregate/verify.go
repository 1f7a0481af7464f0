package aggregate

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// precisionMM is the tolerance when comparing accumulated totals.
const precisionMM = 1e-6

// VerifyResult summarizes an integrity check.
type VerifyResult struct {
	LogRows       int
	RollupEntries int
	// Diff is empty when the persisted rollup matches the recomputed one.
	Diff string
}

// OK reports whether the persisted rollup matches the log.
func (r VerifyResult) OK() bool {
	return r.Diff == ""
}

// Verify recomputes the rollup from the stored log and compares it with the
// persisted rollup.
func Verify(ctx context.Context, store Store) (VerifyResult, error) {
	log, err := store.LoadLog(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load log: %w", err)
	}
	stored, err := store.LoadRollup(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load rollup: %w", err)
	}
	want, err := BuildRollup(log)
	if err != nil {
		return VerifyResult{}, err
	}

	diff := cmp.Diff(want, stored,
		cmpopts.EquateEmpty(),
		cmpopts.EquateApprox(0, precisionMM),
	)
	return VerifyResult{LogRows: len(log), RollupEntries: len(stored), Diff: diff}, nil
}
