package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"herald/internal/schedule"
	logx "herald/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "tasks.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := st.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll on fresh store: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh store has %d tasks", len(got))
	}

	want := []schedule.Task{
		{
			ID:         "a",
			RoomNames:  []string{"ops", "eng"},
			Message:    "standup in 5",
			RepeatRule: "55 9 * * 1,2,3,4,5",
			Enabled:    true,
			CreatedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			Status:     schedule.StatusPending,
		},
		{
			ID:         "b",
			RoomNames:  []string{"ops"},
			Message:    "maintenance window",
			RepeatRule: "0 22 15 3 *",
			OneTime:    true,
			Status:     schedule.StatusCompleted,
			Archived:   true,
			LastStatus: schedule.RunSuccess,
			History: []schedule.ExecutionRecord{
				{At: time.Date(2026, 3, 15, 22, 0, 0, 0, time.UTC), Status: schedule.RunSuccess},
			},
		},
	}
	if err := st.ReplaceAll(ctx, want); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and verify the snapshot survived.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, err = st2.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll after reopen: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tasks, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("order not preserved: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Message != want[0].Message || len(got[0].RoomNames) != 2 {
		t.Fatalf("task a = %+v", got[0])
	}
	if !got[1].Archived || got[1].Status != schedule.StatusCompleted || len(got[1].History) != 1 {
		t.Fatalf("task b = %+v", got[1])
	}
}

func TestFileStoreReplaceOverwrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tasks.json")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop()) // empty driver defaults to file
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.ReplaceAll(ctx, []schedule.Task{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	if err := st.ReplaceAll(ctx, []schedule.Task{{ID: "b"}}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	got, err := st.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("got %v, want only b", got)
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tasks.json")
	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.GetAll(context.Background()); err == nil {
		t.Fatal("GetAll after Close must fail")
	}
	if err := st.ReplaceAll(context.Background(), nil); err == nil {
		t.Fatal("ReplaceAll after Close must fail")
	}
}
