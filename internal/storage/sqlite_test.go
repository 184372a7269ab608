package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/goodputbench/pkg/types"
)

func TestJoinStrings(t *testing.T) {
	tests := []struct {
		name string
		strs []string
		sep  string
		want string
	}{
		{
			name: "empty slice",
			strs: []string{},
			sep:  ", ",
			want: "",
		},
		{
			name: "single element",
			strs: []string{"hello"},
			sep:  ", ",
			want: "hello",
		},
		{
			name: "two elements",
			strs: []string{"hello", "world"},
			sep:  ", ",
			want: "hello, world",
		},
		{
			name: "multiple elements with different separator",
			strs: []string{"a", "b", "c", "d"},
			sep:  " AND ",
			want: "a AND b AND c AND d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := joinStrings(tt.strs, tt.sep)
			if got != tt.want {
				t.Errorf("joinStrings(%v, %q) = %q, want %q", tt.strs, tt.sep, got, tt.want)
			}
		})
	}
}

func TestNullString(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
		wantValue string
	}{
		{
			name:      "empty string returns invalid",
			input:     "",
			wantValid: false,
			wantValue: "",
		},
		{
			name:      "non-empty string returns valid",
			input:     "hello",
			wantValid: true,
			wantValue: "hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nullString(tt.input)
			if got.Valid != tt.wantValid {
				t.Errorf("nullString(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if got.Valid && got.String != tt.wantValue {
				t.Errorf("nullString(%q).String = %q, want %q", tt.input, got.String, tt.wantValue)
			}
		})
	}
}

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()

	// Create temp directory
	tmpDir, err := os.MkdirTemp("", "storage_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	storage, err := NewSQLiteStorage(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		storage.Close()
		os.RemoveAll(tmpDir)
	}

	return storage, cleanup
}

func TestNewSQLiteStorage(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	if storage == nil {
		t.Fatal("expected storage to be non-nil")
	}
	if storage.db == nil {
		t.Fatal("expected db to be non-nil")
	}
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	// Use a path that should be impossible to create
	_, err := NewSQLiteStorage("/nonexistent/directory/that/should/not/exist/test.db")
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func newRound(id string, started time.Time) *Round {
	return &Round{
		ID:           id,
		StartedAt:    started,
		Token:        types.TokenERC20,
		Mode:         types.ModeLessSender,
		ExecMode:     "normal",
		Accounts:     10_000,
		WarmupUnits:  20_000,
		MeasureUnits: 100_000,
		Config: &types.StartRoundRequest{
			Token:        types.TokenERC20,
			Mode:         types.ModeLessSender,
			Accounts:     10_000,
			WarmupUnits:  20_000,
			MeasureUnits: 100_000,
		},
		Status: StatusRunning,
	}
}

func TestCreateAndGetRound(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	run := newRound("round-1", time.Now())
	if err := storage.CreateRound(ctx, run); err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	got, err := storage.GetRound(ctx, "round-1")
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected round, got nil")
	}
	if got.Token != types.TokenERC20 || got.Mode != types.ModeLessSender {
		t.Errorf("token/mode = %s/%s", got.Token, got.Mode)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.Config == nil || got.Config.MeasureUnits != 100_000 {
		t.Errorf("Config = %+v", got.Config)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt should be nil for a running round")
	}
}

func TestGetRound_NotFound(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	got, err := storage.GetRound(context.Background(), "nonexistent-id")
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for nonexistent round, got %+v", got)
	}
}

func TestCompleteRound(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	result := &types.RoundResult{
		ID:          "round-2",
		State:       types.StateFailed,
		StartedAt:   started,
		CompletedAt: started.Add(time.Minute),
		ElapsedMs:   60_000,
		MeasureMs:   30_000,
		UnitsSent:   120_000,
		BatchesSent: 600,
		Goodput:     3333.3,
		Blocks:      &types.BlockStats{Produced: 42, Failures: 1},
		Error:       "goodput overshoot detected",
		Config:      types.StartRoundRequest{Token: types.TokenNative, Accounts: 1, WarmupUnits: 2, MeasureUnits: 3},
	}

	// Completing a round that was never created inserts it.
	if err := storage.CompleteRound(ctx, RoundFromResult(result, "slow-exec")); err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}

	got, err := storage.GetRound(ctx, "round-2")
	if err != nil || got == nil {
		t.Fatalf("GetRound = %v, %v", got, err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != result.Error {
		t.Errorf("status = %q, error = %q", got.Status, got.ErrorMessage)
	}
	if got.UnitsSent != 120_000 || got.BatchesSent != 600 {
		t.Errorf("units/batches = %d/%d", got.UnitsSent, got.BatchesSent)
	}
	if got.Goodput != 3333.3 || got.ExecMode != "slow-exec" {
		t.Errorf("goodput/exec = %v/%q", got.Goodput, got.ExecMode)
	}
	if got.Blocks == nil || got.Blocks.Produced != 42 {
		t.Errorf("Blocks = %+v", got.Blocks)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestListRounds(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := storage.CreateRound(ctx, newRound(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("CreateRound(%s) failed: %v", id, err)
		}
	}

	page, err := storage.ListRounds(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRounds failed: %v", err)
	}
	if page.Total != 3 || len(page.Rounds) != 2 {
		t.Fatalf("total=%d len=%d, want 3/2", page.Total, len(page.Rounds))
	}
	if page.Rounds[0].ID != "c" || page.Rounds[1].ID != "b" {
		t.Errorf("order = %s,%s; want newest first", page.Rounds[0].ID, page.Rounds[1].ID)
	}

	page, err = storage.ListRounds(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListRounds failed: %v", err)
	}
	if len(page.Rounds) != 1 || page.Rounds[0].ID != "a" {
		t.Errorf("second page = %+v", page.Rounds)
	}
}

func TestFavoritesSortFirst(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now()
	storage.CreateRound(ctx, newRound("old", base))
	storage.CreateRound(ctx, newRound("new", base.Add(time.Hour)))

	fav := true
	name := "baseline"
	if err := storage.UpdateRoundMetadata(ctx, "old", &RoundMetadataUpdate{IsFavorite: &fav, CustomName: &name}); err != nil {
		t.Fatalf("UpdateRoundMetadata failed: %v", err)
	}

	page, err := storage.ListRounds(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRounds failed: %v", err)
	}
	if page.Rounds[0].ID != "old" || !page.Rounds[0].IsFavorite {
		t.Errorf("first round = %+v, want favorited 'old'", page.Rounds[0])
	}
	if page.Rounds[0].CustomName == nil || *page.Rounds[0].CustomName != "baseline" {
		t.Errorf("CustomName = %v", page.Rounds[0].CustomName)
	}
}

func TestUpdateRoundMetadata_NotFound(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	fav := true
	err := storage.UpdateRoundMetadata(context.Background(), "missing", &RoundMetadataUpdate{IsFavorite: &fav})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRoundMetadata_NoUpdate(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	if err := storage.UpdateRoundMetadata(context.Background(), "missing", &RoundMetadataUpdate{}); err != nil {
		t.Errorf("empty update should be a no-op, got %v", err)
	}
}

func TestPhasesAndSamples(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	storage.CreateRound(ctx, newRound("r", time.Now()))

	now := time.Now().UTC().Truncate(time.Second)
	phases := []types.PhaseResult{
		{Kind: types.PhaseWarmup, Index: 0, Corpus: "erc20/deploy", UnitsSent: 1, BatchesSent: 1, Target: 1, StartedAt: now},
		{Kind: types.PhaseWarmup, Index: 1, Corpus: "erc20/distribute", BaseOffset: 1, UnitsSent: 20_000, BatchesSent: 100, Target: 20_001, StartedAt: now},
		{Kind: types.PhaseMeasure, Index: 0, Corpus: "erc20/random_10000", BaseOffset: 20_001, UnitsSent: 100_000, BatchesSent: 500, Target: 120_001, SendMs: 900, WaitMs: 100, StartedAt: now},
	}
	if err := storage.BulkInsertPhases(ctx, "r", phases); err != nil {
		t.Fatalf("BulkInsertPhases failed: %v", err)
	}
	samples := []Sample{
		{TimestampMs: 0, Goodput: 0, Dispatched: 1, Phase: "warmup"},
		{TimestampMs: 1000, Goodput: 20_001, Dispatched: 20_001, Phase: "warmup"},
		{TimestampMs: 2000, Goodput: 70_000, Dispatched: 120_001, Phase: "measure"},
	}
	if err := storage.BulkInsertSamples(ctx, "r", samples); err != nil {
		t.Fatalf("BulkInsertSamples failed: %v", err)
	}

	detail, err := storage.GetRoundDetail(ctx, "r")
	if err != nil || detail == nil {
		t.Fatalf("GetRoundDetail = %v, %v", detail, err)
	}
	if len(detail.Phases) != 3 {
		t.Fatalf("phases = %d, want 3", len(detail.Phases))
	}
	if detail.Phases[2].Kind != types.PhaseMeasure || detail.Phases[2].Target != 120_001 {
		t.Errorf("measure phase = %+v", detail.Phases[2])
	}
	if !detail.Phases[1].StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", detail.Phases[1].StartedAt, now)
	}
	if len(detail.Samples) != 3 || detail.Samples[2].Goodput != 70_000 || detail.Samples[2].Phase != "measure" {
		t.Errorf("samples = %+v", detail.Samples)
	}
}

func TestBulkInsert_Empty(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	if err := storage.BulkInsertPhases(ctx, "r", nil); err != nil {
		t.Errorf("BulkInsertPhases(nil) = %v", err)
	}
	if err := storage.BulkInsertSamples(ctx, "r", nil); err != nil {
		t.Errorf("BulkInsertSamples(nil) = %v", err)
	}
}

func TestGetRoundDetail_NotFound(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	detail, err := storage.GetRoundDetail(context.Background(), "missing")
	if err != nil || detail != nil {
		t.Errorf("GetRoundDetail = %v, %v; want nil, nil", detail, err)
	}
}

func TestCascadeDelete(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	storage.CreateRound(ctx, newRound("r", time.Now()))
	storage.BulkInsertPhases(ctx, "r", []types.PhaseResult{{Kind: types.PhaseMeasure, Corpus: "x", StartedAt: time.Now()}})
	storage.BulkInsertSamples(ctx, "r", []Sample{{TimestampMs: 1, Goodput: 1, Dispatched: 1}})

	if err := storage.DeleteRound(ctx, "r"); err != nil {
		t.Fatalf("DeleteRound failed: %v", err)
	}

	phases, _ := storage.GetPhases(ctx, "r")
	samples, _ := storage.GetSamples(ctx, "r")
	if len(phases) != 0 || len(samples) != 0 {
		t.Errorf("expected cascade delete, got %d phases and %d samples", len(phases), len(samples))
	}

	if err := storage.DeleteRound(ctx, "r"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRound = %v, want ErrNotFound", err)
	}
}

func TestColumnExists(t *testing.T) {
	storage, cleanup := createTestStorage(t)
	defer cleanup()

	if !storage.columnExists("rounds", "custom_name") {
		t.Error("expected migrated column custom_name")
	}
	if storage.columnExists("rounds", "nonexistent") {
		t.Error("unexpected column")
	}
	if storage.columnExists("rounds; DROP TABLE rounds", "id") {
		t.Error("invalid identifier accepted")
	}
}
