package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sevir/officepool/pkg/models"
)

func TestFileStore(t *testing.T) {
	// Create temp directory
	tmpDir, err := os.MkdirTemp("", "officepool-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	storePath := filepath.Join(tmpDir, "events.json")

	store, err := NewFileStore(storePath, 0)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	base := time.Now()
	events := []models.Event{
		{ID: "ev-1", Slot: -1, Type: models.EventPoolStarted, CreatedAt: base},
		{ID: "ev-2", Slot: 0, Type: models.EventStateChanged, State: models.SlotStateRunning, CreatedAt: base.Add(time.Second)},
		{ID: "ev-3", Slot: 1, Type: models.EventStateChanged, State: models.SlotStateRunning, CreatedAt: base.Add(2 * time.Second)},
		{ID: "ev-4", Slot: 0, Type: models.EventTaskTimeout, State: models.SlotStateCrashed, CreatedAt: base.Add(3 * time.Second)},
		{ID: "ev-5", Slot: 0, Type: models.EventRecycle, CreatedAt: base.Add(4 * time.Second)},
	}
	for _, ev := range events {
		if err := store.Append(ev); err != nil {
			t.Fatalf("Failed to append event: %v", err)
		}
	}

	t.Run("Get", func(t *testing.T) {
		ev, err := store.Get("ev-4")
		if err != nil {
			t.Fatalf("Failed to get event: %v", err)
		}
		if ev.Type != models.EventTaskTimeout {
			t.Errorf("Expected type %s, got %s", models.EventTaskTimeout, ev.Type)
		}
	})

	t.Run("Get non-existent", func(t *testing.T) {
		if _, err := store.Get("non-existent"); err == nil {
			t.Error("Expected error for non-existent event")
		}
	})

	t.Run("List newest first", func(t *testing.T) {
		result, err := store.List(ListFilter{})
		if err != nil {
			t.Fatalf("Failed to list events: %v", err)
		}
		if len(result) != 5 || result[0].ID != "ev-5" || result[4].ID != "ev-1" {
			t.Fatalf("Unexpected order: %+v", result)
		}
	})

	t.Run("List by slot", func(t *testing.T) {
		slot := 0
		result, _ := store.List(ListFilter{Slot: &slot})
		if len(result) != 3 {
			t.Errorf("Expected 3 events for slot 0, got %d", len(result))
		}
	})

	t.Run("List by type", func(t *testing.T) {
		result, _ := store.List(ListFilter{Types: []models.EventType{models.EventStateChanged}})
		if len(result) != 2 {
			t.Errorf("Expected 2 state changes, got %d", len(result))
		}
	})

	t.Run("List with limit and offset", func(t *testing.T) {
		result, _ := store.List(ListFilter{Limit: 2, Offset: 1})
		if len(result) != 2 || result[0].ID != "ev-4" {
			t.Errorf("Unexpected page: %+v", result)
		}
		result, _ = store.List(ListFilter{Offset: 10})
		if len(result) != 0 {
			t.Errorf("Expected empty page, got %d", len(result))
		}
	})
}

func TestFileStorePersistence(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "events.json")

	store1, err := NewFileStore(storePath, 0)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	store1.Record(models.Event{ID: "persist-1", Slot: 2, Type: models.EventProfileRenamed, Message: "/tmp/x.old.1"})
	if err := store1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store1.Append(models.Event{ID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed after close, got %v", err)
	}

	store2, err := NewFileStore(storePath, 0)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store2.Close()

	ev, err := store2.Get("persist-1")
	if err != nil {
		t.Fatalf("Event not persisted: %v", err)
	}
	if ev.Message != "/tmp/x.old.1" || ev.CreatedAt.IsZero() {
		t.Errorf("Unexpected persisted event: %+v", ev)
	}
}

func TestFileStoreTrimsOldest(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "events.json"), 3)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		store.Append(models.Event{ID: id})
	}
	if store.Len() != 3 {
		t.Fatalf("Expected 3 events, got %d", store.Len())
	}
	if _, err := store.Get("b"); err == nil {
		t.Error("Expected oldest events to be dropped")
	}
	if _, err := store.Get("e"); err != nil {
		t.Errorf("Expected newest event kept: %v", err)
	}
}

func TestForceSave(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "events.json")
	store, err := NewFileStore(storePath, 0)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	store.Append(models.Event{ID: "x", Type: models.EventPoolStopped})
	if err := store.ForceSave(); err != nil {
		t.Fatalf("ForceSave failed: %v", err)
	}
	data, err := os.ReadFile(storePath)
	if err != nil || len(data) == 0 {
		t.Fatalf("Expected journal on disk: %v", err)
	}
}
