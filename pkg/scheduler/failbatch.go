package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/cc-warren/agency/pkg/store"
	"github.com/cc-warren/agency/pkg/types"
)

// FailBatch is the single choke point for "retry or bury": it decides
// whether a batch that just failed gets another attempt (back to
// registered, node cleared) or is buried permanently (failed, node
// retained), and writes that decision conditionally on expectedState so a
// concurrent cancellation always wins.
//
// retryAllowed is resolved by the caller from the owning experiment's
// execution settings; disableRetry forces burial regardless (used for
// placement-time errors that can never succeed on retry). Pull failures
// are buried by passing retryAllowed=false. Calling FailBatch on a batch already in a terminal state is a
// no-op: ErrCASMismatch is swallowed and nil is returned.
func FailBatch(ctx context.Context, s store.Store, batchID string, expectedState types.BatchState, debugInfo string, disableRetry, retryAllowed bool) error {
	upd := store.BatchUpdate{
		ExpectedState: expectedState,
		Mutate: func(b *types.Batch) {
			if !disableRetry && retryAllowed && b.Attempts < 2 {
				b.State = types.BatchRegistered
				b.Node = ""
				b.UsedGPUIDs = nil
				b.Mount = false
				b.AppendHistory(types.BatchRegistered, debugInfo, nil)
				return
			}
			b.State = types.BatchFailed
			b.AppendHistory(types.BatchFailed, debugInfo, nil)
		},
	}

	_, err := s.UpdateBatchCAS(ctx, batchID, upd)
	if err != nil {
		if errors.Is(err, store.ErrCASMismatch) {
			return nil // batch moved on (terminal, or already being handled) — idempotent no-op
		}
		return fmt.Errorf("fail batch %s: %w", batchID, err)
	}
	return nil
}
