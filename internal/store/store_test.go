package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return map[string]Store{
		"file":   fileStore,
		"memory": NewMemoryStore(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, "run-1", "planner_output", []byte(`{"ok":true}`)); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(ctx, "run-1", "planner_output")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, []byte(`{"ok":true}`)) {
				t.Fatalf("Get = %q", got)
			}
		})
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "run-1", "nothing")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, "run-1", "state", []byte("one")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "run-1", "state", []byte("two")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(ctx, "run-1", "state")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "two" {
				t.Fatalf("Get = %q, want two", got)
			}
		})
	}
}

func TestListIsSortedAndScoped(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"zeta", "alpha", "mid"} {
				if err := s.Put(ctx, "run-1", key, []byte("x")); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			if err := s.Put(ctx, "run-2", "other", []byte("y")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			keys, err := s.List(ctx, "run-1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			want := []string{"alpha", "mid", "zeta"}
			if len(keys) != len(want) {
				t.Fatalf("List = %v, want %v", keys, want)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Fatalf("List = %v, want %v", keys, want)
				}
			}
		})
	}
}

func TestAppendBuildsLines(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Append(ctx, "run-1", "events", []byte(`{"n":1}`)); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := s.Append(ctx, "run-1", "events", []byte(`{"n":2}`)); err != nil {
				t.Fatalf("Append: %v", err)
			}
			got, err := s.Get(ctx, "run-1", "events")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "{\"n\":1}\n{\"n\":2}\n" {
				t.Fatalf("events = %q", got)
			}
		})
	}
}

func TestRunsListsDistinctRunIDs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, runID := range []string{"run-b", "run-a", "run-b"} {
				if err := s.Put(ctx, runID, "state", []byte("x")); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			runs, err := s.Runs(ctx)
			if err != nil {
				t.Fatalf("Runs: %v", err)
			}
			if len(runs) != 2 || runs[0] != "run-a" || runs[1] != "run-b" {
				t.Fatalf("Runs = %v", runs)
			}
		})
	}
}

func TestRejectsUnsafeNames(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, "run-1", "../escape", []byte("x")); err == nil {
				t.Fatal("expected error for path traversal key")
			}
			if err := s.Put(ctx, "a/b", "key", []byte("x")); err == nil {
				t.Fatal("expected error for run id with separator")
			}
			if err := s.Put(ctx, "", "key", []byte("x")); err == nil {
				t.Fatal("expected error for empty run id")
			}
			if err := s.Put(ctx, "run-1", " ", []byte("x")); err == nil {
				t.Fatal("expected error for blank key")
			}
		})
	}
}

func TestFileStorePutLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "run-1", "artifact", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "run-1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}

func TestFileStoreListMissingRunIsEmpty(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	keys, err := s.List(context.Background(), "no-such-run")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("List = %v, want empty", keys)
	}
}
