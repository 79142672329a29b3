package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/justapithecus/gantry/iox"
	"github.com/justapithecus/gantry/types"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "gantry.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(iox.CloseFunc(s))
	return s
}

func testRunState(t *testing.T) *types.RunState {
	t.Helper()
	meta := types.NewRunMeta("assessment")
	state := types.NewRunState(meta, []string{"ingest", "score", "report"})
	state.Status = types.RunRunning
	return state
}

func TestBoltStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestBolt(t)
	state := testRunState(t)
	state.Nodes["ingest"].Status = types.StatusSucceeded
	state.Nodes["ingest"].Attempts = 2
	state.Nodes["ingest"].Output = []byte{0x81}
	state.Nodes["ingest"].Checks = []types.CheckOutcome{
		{Name: "has_input", Kind: "precondition", Passed: true},
	}

	if err := s.SaveRun(t.Context(), state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadRun(t.Context(), state.RunID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RunID != state.RunID || loaded.Pipeline != "assessment" {
		t.Errorf("identity lost in round trip: %+v", loaded)
	}
	if loaded.CorrelationID != state.CorrelationID {
		t.Error("correlation id must survive persistence")
	}

	node := loaded.Node("ingest")
	if node == nil || node.Status != types.StatusSucceeded || node.Attempts != 2 {
		t.Errorf("node state lost in round trip: %+v", node)
	}
	if len(node.Checks) != 1 || node.Checks[0].Name != "has_input" {
		t.Errorf("check outcomes lost in round trip: %+v", node.Checks)
	}
}

func TestBoltStore_SaveReplacesSnapshot(t *testing.T) {
	s := openTestBolt(t)
	state := testRunState(t)
	if err := s.SaveRun(t.Context(), state); err != nil {
		t.Fatal(err)
	}

	state.Nodes["score"].Status = types.StatusRunning
	state.Status = types.RunRunning
	if err := s.SaveRun(t.Context(), state); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadRun(t.Context(), state.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Node("score").Status != types.StatusRunning {
		t.Error("second save should replace the snapshot")
	}
}

func TestBoltStore_LoadUnknownRun(t *testing.T) {
	s := openTestBolt(t)
	_, err := s.LoadRun(t.Context(), "0a0b0c0d-0000-0000-0000-000000000000")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestBoltStore_ListRunsMostRecentFirst(t *testing.T) {
	s := openTestBolt(t)

	older := testRunState(t)
	older.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newer := testRunState(t)
	newer.CreatedAt = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	if err := s.SaveRun(t.Context(), older); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(t.Context(), newer); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != newer.RunID {
		t.Error("most recent run should list first")
	}
}

func TestBoltStore_IdempotencyRoundTrip(t *testing.T) {
	s := openTestBolt(t)

	if rec, err := s.Get(t.Context(), "deadbeef"); err != nil || rec != nil {
		t.Fatalf("expected miss, got rec=%v err=%v", rec, err)
	}

	result, err := EncodeResult(map[string]any{"checksum": "ab12"})
	if err != nil {
		t.Fatal(err)
	}
	rec := &IdempotencyRecord{
		ContentHash: "deadbeef",
		Result:      result,
		StoredAt:    time.Now().UTC(),
	}
	if err := s.Put(t.Context(), rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(t.Context(), "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected hit after put")
	}
	decoded, err := DecodeResult(got.Result)
	if err != nil {
		t.Fatal(err)
	}
	if decoded["checksum"] != "ab12" {
		t.Errorf("result lost in round trip: %v", decoded)
	}

	if err := s.Clear(t.Context()); err != nil {
		t.Fatal(err)
	}
	if rec, err := s.Get(t.Context(), "deadbeef"); err != nil || rec != nil {
		t.Errorf("clear should remove records, got rec=%v err=%v", rec, err)
	}
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "gantry.db")

	s, err := OpenBolt(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	state := testRunState(t)
	if err := s.SaveRun(t.Context(), state); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenBolt(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(iox.CloseFunc(reopened))

	loaded, err := reopened.LoadRun(t.Context(), state.RunID)
	if err != nil {
		t.Fatalf("state should survive process restart: %v", err)
	}
	if loaded.Pipeline != "assessment" {
		t.Error("reloaded state should match")
	}
}
