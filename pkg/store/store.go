// Package store defines the typed, indexed gateway onto the orchestrator's
// collections (experiments, batches, nodes) and named blob store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cc-warren/agency/pkg/types"
)

// ErrNotFound is returned when a lookup by id matches no record.
var ErrNotFound = errors.New("store: not found")

// ErrCASMismatch is returned by a conditional batch update when the
// record's current state does not match the caller's expected prior
// state. It is not an I/O error: callers use it to detect a lost race
// against a concurrent writer (typically a cancellation).
var ErrCASMismatch = errors.New("store: compare-and-set mismatch")

// BatchFilter selects a subset of batches for an aggregate query.
type BatchFilter struct {
	Node   string            // empty matches any node
	States []types.BatchState // empty matches any state
}

// BatchUpdate describes a conditional batch mutation: applied only if the
// record's current state equals ExpectedState.
type BatchUpdate struct {
	ExpectedState types.BatchState
	Mutate        func(b *types.Batch) // invoked on a copy of the matched record before it is persisted
}

// Store is the typed gateway described by the external interface contract.
// Every implementation must apply BatchFilter/BatchUpdate semantics
// transactionally: CAS batch updates observe and mutate inside one atomic
// unit so a concurrent cancellation is never silently overwritten.
type Store interface {
	// Experiments
	InsertExperiment(ctx context.Context, e *types.Experiment) error
	GetExperiment(ctx context.Context, id string) (*types.Experiment, error)
	ListExperiments(ctx context.Context) ([]*types.Experiment, error)
	UpdateExperiment(ctx context.Context, e *types.Experiment) error
	DistinctImageURLs(ctx context.Context) ([]string, error)
	// LatestRegistrationForImage returns the most recent registration time
	// among experiments referencing imageURL, used by image-pruning.
	LatestRegistrationForImage(ctx context.Context, imageURL string) (time.Time, bool, error)

	// Batches
	InsertBatch(ctx context.Context, b *types.Batch) error
	GetBatch(ctx context.Context, id string) (*types.Batch, error)
	ListBatches(ctx context.Context, f BatchFilter) ([]*types.Batch, error)
	// UpdateBatchCAS applies upd.Mutate to the batch with id if and only if
	// its current state equals upd.ExpectedState. It returns the resulting
	// record, or ErrCASMismatch if the state did not match.
	UpdateBatchCAS(ctx context.Context, id string, upd BatchUpdate) (*types.Batch, error)

	// Nodes
	InsertNode(ctx context.Context, n *types.Node) error
	GetNode(ctx context.Context, name string) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)
	UpdateNode(ctx context.Context, n *types.Node) error

	// Blobs
	PutBlob(ctx context.Context, name string, data []byte) error
	GetBlob(ctx context.Context, name string) ([]byte, error)

	Close() error
}
