package store

import (
	"context"
	"sort"
	"sync"

	"github.com/justapithecus/gantry/types"
)

// MemoryStore is an in-memory RunStore and IdempotencyStore. Used in
// tests and for ephemeral runs where durability is explicitly not
// wanted. Snapshots are deep-copied through the codec so callers can
// never alias store-internal state.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string][]byte
	idem   map[string]IdempotencyRecord
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string][]byte),
		idem: make(map[string]IdempotencyRecord),
	}
}

// SaveRun stores an encoded snapshot of state.
func (s *MemoryStore) SaveRun(ctx context.Context, state *types.RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeRunState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[state.RunID] = data
	return nil
}

// LoadRun decodes the stored snapshot for runID.
func (s *MemoryStore) LoadRun(ctx context.Context, runID string) (*types.RunState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return DecodeRunState(data)
}

// ListRuns returns summaries, most recent first.
func (s *MemoryStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunSummary, 0, len(s.runs))
	for _, data := range s.runs {
		state, err := DecodeRunState(data)
		if err != nil {
			return nil, err
		}
		out = append(out, RunSummary{
			RunID:     state.RunID,
			Pipeline:  state.Pipeline,
			Status:    state.Status,
			CreatedAt: state.CreatedAt,
			UpdatedAt: state.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Get returns the record for hash, or (nil, nil) on miss.
func (s *MemoryStore) Get(ctx context.Context, hash string) (*IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[hash]
	if !ok {
		return nil, nil
	}
	cp := rec
	cp.Result = append([]byte{}, rec.Result...)
	return &cp, nil
}

// Put stores the record.
func (s *MemoryStore) Put(ctx context.Context, rec *IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Result = append([]byte{}, rec.Result...)
	s.idem[rec.ContentHash] = cp
	return nil
}

// Clear removes all idempotency records.
func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idem = make(map[string]IdempotencyRecord)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Interface checks.
var (
	_ RunStore         = (*MemoryStore)(nil)
	_ IdempotencyStore = (*MemoryStore)(nil)
)
