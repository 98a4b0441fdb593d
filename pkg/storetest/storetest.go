// Package storetest is an in-memory store.Store used by scheduler and
// proxy package tests so they can exercise CAS semantics without an
// on-disk bbolt database.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/cc-warren/agency/pkg/store"
	"github.com/cc-warren/agency/pkg/types"
)

// Store is a goroutine-safe, in-memory store.Store.
type Store struct {
	mu          sync.Mutex
	experiments map[string]*types.Experiment
	batches     map[string]*types.Batch
	nodes       map[string]*types.Node
	blobs       map[string][]byte
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		experiments: map[string]*types.Experiment{},
		batches:     map[string]*types.Batch{},
		nodes:       map[string]*types.Node{},
		blobs:       map[string][]byte{},
	}
}

func cloneBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (s *Store) InsertExperiment(ctx context.Context, e *types.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.experiments[e.ID] = &cp
	return nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*types.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListExperiments(ctx context.Context) ([]*types.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpdateExperiment(ctx context.Context, e *types.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.experiments[e.ID] = &cp
	return nil
}

func (s *Store) DistinctImageURLs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range s.experiments {
		if !seen[e.Image.URL] {
			seen[e.Image.URL] = true
			out = append(out, e.Image.URL)
		}
	}
	return out, nil
}

func (s *Store) LatestRegistrationForImage(ctx context.Context, imageURL string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	found := false
	for _, e := range s.experiments {
		if e.Image.URL != imageURL {
			continue
		}
		if !found || e.RegistrationTime.After(latest) {
			latest = e.RegistrationTime
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) InsertBatch(ctx context.Context, b *types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBatches(ctx context.Context, f store.BatchFilter) ([]*types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stateSet := map[types.BatchState]bool{}
	for _, st := range f.States {
		stateSet[st] = true
	}
	var out []*types.Batch
	for _, b := range s.batches {
		if f.Node != "" && b.Node != f.Node {
			continue
		}
		if len(f.States) > 0 && !stateSet[b.State] {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpdateBatchCAS(ctx context.Context, id string, upd store.BatchUpdate) (*types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if b.State != upd.ExpectedState {
		return nil, store.ErrCASMismatch
	}
	cp := *b
	upd.Mutate(&cp)
	s.batches[id] = &cp
	out := cp
	return &out, nil
}

func (s *Store) InsertNode(ctx context.Context, n *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.Name] = &cp
	return nil
}

func (s *Store) GetNode(ctx context.Context, name string) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpdateNode(ctx context.Context, n *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.Name] = &cp
	return nil
}

func (s *Store) PutBlob(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = cloneBytes(data)
	return nil
}

func (s *Store) GetBlob(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBytes(data), nil
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
