package kvstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"podkeep/internal/kvstore"
	"podkeep/internal/storage"
)

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return kvstore.New(db)
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SetItem(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}

	value, ok, err := store.GetItem(ctx, "greeting")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !ok {
		t.Fatal("expected key to exist")
	}
	if value != "hello" {
		t.Fatalf("value = %q, want %q", value, "hello")
	}
}

func TestGetDistinguishesAbsenceFromEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok, err := store.GetItem(ctx, "missing")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if ok {
		t.Fatal("expected absence for a never-written key")
	}

	if err := store.SetItem(ctx, "empty", ""); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	value, ok, err := store.GetItem(ctx, "empty")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !ok {
		t.Fatal("expected an explicitly written empty value to exist")
	}
	if value != "" {
		t.Fatalf("value = %q, want empty", value)
	}
}

func TestSetOverwritesInPlace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SetItem(ctx, "k", "first"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := store.SetItem(ctx, "k", "second"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}

	value, _, err := store.GetItem(ctx, "k")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if value != "second" {
		t.Fatalf("value = %q, want %q", value, "second")
	}
}

func TestRemoveItemIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SetItem(ctx, "k", "v"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := store.RemoveItem(ctx, "k"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if err := store.RemoveItem(ctx, "k"); err != nil {
		t.Fatalf("RemoveItem (absent): %v", err)
	}

	_, ok, err := store.GetItem(ctx, "k")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if ok {
		t.Fatal("expected key to be gone")
	}
}

func TestReadsSurviveConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SetItem(ctx, "shared", "v0"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := store.SetItem(ctx, "shared", fmt.Sprintf("v%d-%d", w, i)); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, ok, err := store.GetItem(ctx, "shared")
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					errs <- fmt.Errorf("shared key reported absent mid-write")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent access: %v", err)
	}
}
