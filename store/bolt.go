package store

import (
	"context"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/gantry/types"
)

// Bucket names within the bbolt file.
var (
	bucketRuns        = []byte("runs")
	bucketIdempotency = []byte("idempotency")
)

// BoltStore is a bbolt-backed RunStore and IdempotencyStore. One file
// holds both: run snapshots keyed by run id, idempotency records keyed
// by content hash. bbolt gives us single-writer transactions, which is
// exactly the scheduler's write discipline.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the checkpoint store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, WrapWriteError(err, path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRuns); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, WrapWriteError(err, path)
	}

	return &BoltStore{db: db}, nil
}

// SaveRun writes the full run snapshot in one transaction.
func (s *BoltStore) SaveRun(ctx context.Context, state *types.RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeRunState(state)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(state.RunID), data)
	})
	return WrapWriteError(err, state.RunID)
}

// LoadRun reads the snapshot for runID.
func (s *BoltStore) LoadRun(ctx context.Context, runID string) (*types.RunState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRuns).Get([]byte(runID))
		if v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, WrapReadError(err, runID)
	}
	if data == nil {
		return nil, ErrRunNotFound
	}
	return DecodeRunState(data)
}

// ListRuns returns summaries of every persisted run, most recent first.
func (s *BoltStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []RunSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			state, err := DecodeRunState(v)
			if err != nil {
				return err
			}
			out = append(out, RunSummary{
				RunID:     state.RunID,
				Pipeline:  state.Pipeline,
				Status:    state.Status,
				CreatedAt: state.CreatedAt,
				UpdatedAt: state.UpdatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, WrapReadError(err, "runs")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Get returns the idempotency record for hash, or (nil, nil) on miss.
func (s *BoltStore) Get(ctx context.Context, hash string) (*IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIdempotency).Get([]byte(hash))
		if v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, WrapReadError(err, hash)
	}
	if data == nil {
		return nil, nil
	}
	var rec IdempotencyRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, WrapReadError(err, hash)
	}
	return &rec, nil
}

// Put stores the idempotency record.
func (s *BoltStore) Put(ctx context.Context, rec *IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return WrapWriteError(err, rec.ContentHash)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Put([]byte(rec.ContentHash), data)
	})
	return WrapWriteError(err, rec.ContentHash)
}

// Clear removes all idempotency records.
func (s *BoltStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketIdempotency); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketIdempotency)
		return err
	})
	return WrapWriteError(err, "idempotency")
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

// Interface checks.
var (
	_ RunStore         = (*BoltStore)(nil)
	_ IdempotencyStore = (*BoltStore)(nil)
)
