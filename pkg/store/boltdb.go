package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cc-warren/agency/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketExperiments = []byte("experiments")
	bucketBatches      = []byte("batches")
	bucketBatchIndex   = []byte("batches_by_node_state") // secondary index: "{node}\x00{state}\x00{id}" -> nil
	bucketNodes        = []byte("nodes")
	bucketBlobs        = []byte("blobs")
)

// BoltStore implements Store over an embedded bbolt database: one bucket
// per collection, JSON-marshaled values keyed by id, plus a secondary
// index bucket that makes the node+state aggregate query an indexed scan.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt-backed store under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agency.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketExperiments, bucketBatches, bucketBatchIndex, bucketNodes, bucketBlobs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Experiments ---

func (s *BoltStore) InsertExperiment(_ context.Context, e *types.Experiment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExperiments).Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) GetExperiment(_ context.Context, id string) (*types.Experiment, error) {
	var e types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExperiments).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) ListExperiments(_ context.Context) ([]*types.Experiment, error) {
	var out []*types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExperiments).ForEach(func(_, v []byte) error {
			var e types.Experiment
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateExperiment(ctx context.Context, e *types.Experiment) error {
	return s.InsertExperiment(ctx, e)
}

func (s *BoltStore) DistinctImageURLs(_ context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExperiments).ForEach(func(_, v []byte) error {
			var e types.Experiment
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !seen[e.Image.URL] {
				seen[e.Image.URL] = true
				out = append(out, e.Image.URL)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) LatestRegistrationForImage(_ context.Context, imageURL string) (time.Time, bool, error) {
	var latest time.Time
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExperiments).ForEach(func(_, v []byte) error {
			var e types.Experiment
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Image.URL == imageURL && (!found || e.RegistrationTime.After(latest)) {
				latest = e.RegistrationTime
				found = true
			}
			return nil
		})
	})
	return latest, found, err
}

// --- Batches ---

func batchIndexKey(node string, state types.BatchState, id string) []byte {
	return []byte(node + "\x00" + string(state) + "\x00" + id)
}

func (s *BoltStore) InsertBatch(_ context.Context, b *types.Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBatches).Put([]byte(b.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketBatchIndex).Put(batchIndexKey(b.Node, b.State, b.ID), nil)
	})
}

func (s *BoltStore) GetBatch(_ context.Context, id string) (*types.Batch, error) {
	var b types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBatches).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func matchesFilter(b *types.Batch, f BatchFilter) bool {
	if f.Node != "" && b.Node != f.Node {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if b.State == st {
			return true
		}
	}
	return false
}

// ListBatches scans the secondary index when Node is given (narrowing to
// one node's records before the state filter is applied), falling back to a
// full collection scan when Node is empty.
func (s *BoltStore) ListBatches(_ context.Context, f BatchFilter) ([]*types.Batch, error) {
	var out []*types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)

		if f.Node != "" {
			c := tx.Bucket(bucketBatchIndex).Cursor()
			prefix := []byte(f.Node + "\x00")
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				id := idFromIndexKey(k)
				data := batches.Get([]byte(id))
				if data == nil {
					continue
				}
				var b types.Batch
				if err := json.Unmarshal(data, &b); err != nil {
					return err
				}
				if matchesFilter(&b, f) {
					out = append(out, &b)
				}
			}
			return nil
		}

		return batches.ForEach(func(_, v []byte) error {
			var b types.Batch
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if matchesFilter(&b, f) {
				out = append(out, &b)
			}
			return nil
		})
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func idFromIndexKey(k []byte) string {
	// key layout: node \x00 state \x00 id
	last := -1
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == 0 {
			last = i
			break
		}
	}
	if last < 0 {
		return ""
	}
	return string(k[last+1:])
}

// UpdateBatchCAS reads the batch, applies Mutate only if its current state
// equals ExpectedState, and persists the result (including re-indexing on
// node/state change) inside a single bbolt write transaction.
func (s *BoltStore) UpdateBatchCAS(_ context.Context, id string, upd BatchUpdate) (*types.Batch, error) {
	var result types.Batch
	err := s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		data := batches.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var b types.Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		if b.State != upd.ExpectedState {
			return ErrCASMismatch
		}

		prevNode, prevState := b.Node, b.State
		upd.Mutate(&b)

		newData, err := json.Marshal(&b)
		if err != nil {
			return err
		}
		if err := batches.Put([]byte(id), newData); err != nil {
			return err
		}

		index := tx.Bucket(bucketBatchIndex)
		if prevNode != b.Node || prevState != b.State {
			if err := index.Delete(batchIndexKey(prevNode, prevState, id)); err != nil {
				return err
			}
			if err := index.Put(batchIndexKey(b.Node, b.State, id), nil); err != nil {
				return err
			}
		}

		result = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// --- Nodes ---

func (s *BoltStore) InsertNode(_ context.Context, n *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(n.Name), data)
	})
}

func (s *BoltStore) GetNode(_ context.Context, name string) (*types.Node, error) {
	var n types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNodes(_ context.Context) ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateNode(ctx context.Context, n *types.Node) error {
	return s.InsertNode(ctx, n)
}

// --- Blobs ---

func (s *BoltStore) PutBlob(_ context.Context, name string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(name), data)
	})
}

func (s *BoltStore) GetBlob(_ context.Context, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlobs).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		out = append(out, data...)
		return nil
	})
	return out, err
}
