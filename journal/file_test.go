package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/justapithecus/gantry/iox"
	"github.com/justapithecus/gantry/types"
)

func TestFileJournal_AppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenFile(dir, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(iox.CloseFunc(j))

	entries := []*Entry{
		{RunID: "run-1", NodeID: "ingest", From: types.StatusPending, To: types.StatusRunning, Attempt: 1, At: time.Now().UTC()},
		{RunID: "run-1", NodeID: "ingest", From: types.StatusRunning, To: types.StatusSucceeded, Attempt: 1, At: time.Now().UTC()},
		{RunID: "run-1", RunFrom: types.RunRunning, RunTo: types.RunCompleted, At: time.Now().UTC()},
	}
	for _, e := range entries {
		if err := j.Append(t.Context(), e); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Flush(t.Context()); err != nil {
		t.Fatal(err)
	}

	stats := j.Stats()
	if stats.Appended != 3 || stats.Flushes != 1 || stats.Errors != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	f, err := os.Open(filepath.Join(dir, "run-1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(iox.CloseFunc(f))

	var lines []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line should be valid JSON: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0].NodeID != "ingest" || lines[0].To != types.StatusRunning {
		t.Errorf("first line should be the first transition: %+v", lines[0])
	}
	if lines[2].RunTo != types.RunCompleted {
		t.Errorf("run-level transition should be recorded: %+v", lines[2])
	}
}

func TestFileJournal_AppendAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenFile(dir, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append(t.Context(), &Entry{RunID: "run-2", NodeID: "a", To: types.StatusRunning, At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	// Resume appends to the same journal, never truncates.
	j2, err := OpenFile(dir, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(iox.CloseFunc(j2))
	if err := j2.Append(t.Context(), &Entry{RunID: "run-2", NodeID: "a", To: types.StatusSucceeded, At: time.Now()}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "run-2.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, b := range data {
		if b == '\n' {
			count++
		}
	}
	if count != 2 {
		t.Errorf("expected 2 journal lines after reopen, got %d", count)
	}
}

func TestMemoryJournal_RecordsOrder(t *testing.T) {
	m := NewMemory()
	_ = m.Append(t.Context(), &Entry{RunID: "r", NodeID: "b", To: types.StatusRunning})
	_ = m.Append(t.Context(), &Entry{RunID: "r", NodeID: "a", To: types.StatusRunning})

	got := m.Entries()
	if len(got) != 2 || got[0].NodeID != "b" || got[1].NodeID != "a" {
		t.Errorf("entries should preserve append order: %+v", got)
	}
	if m.Stats().Appended != 2 {
		t.Errorf("stats should count appends")
	}
}
