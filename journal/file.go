package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileJournal appends entries as JSON lines to one file per run,
// write-through: every Append reaches the OS before returning, so a
// crash loses at most the in-flight transition.
type FileJournal struct {
	mu    sync.Mutex
	f     *os.File
	stats statsRecorder
}

// OpenFile opens (creating if needed) the journal for runID under dir.
func OpenFile(dir, runID string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	path := filepath.Join(dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &FileJournal{f: f}, nil
}

// Append writes one JSON line.
func (j *FileJournal) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		j.stats.incErrors()
		return fmt.Errorf("journal encode: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		j.stats.incErrors()
		return fmt.Errorf("journal append: %w", err)
	}
	j.stats.incAppended()
	return nil
}

// Flush fsyncs the journal file.
func (j *FileJournal) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Sync(); err != nil {
		j.stats.incErrors()
		return fmt.Errorf("journal sync: %w", err)
	}
	j.stats.incFlushes()
	return nil
}

// Close flushes and closes the file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Sync(); err != nil {
		_ = j.f.Close()
		return err
	}
	return j.f.Close()
}

// Stats returns journal counters.
func (j *FileJournal) Stats() Stats { return j.stats.snapshot() }

// Memory is an in-memory journal for tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	stats   statsRecorder
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory { return &Memory{} }

// Append records the entry.
func (m *Memory) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries = append(m.entries, *e)
	m.mu.Unlock()
	m.stats.incAppended()
	return nil
}

// Flush is a no-op for the in-memory journal.
func (m *Memory) Flush(ctx context.Context) error {
	m.stats.incFlushes()
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Stats returns journal counters.
func (m *Memory) Stats() Stats { return m.stats.snapshot() }

// Entries returns a copy of everything appended so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Interface checks.
var (
	_ Journal = (*FileJournal)(nil)
	_ Journal = (*Memory)(nil)
	_ Journal = Nop{}
)
