package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "sitesync.json")

	store, err := NewFileStore(path, quietLogger())
	if err != nil {
		t.Fatalf("open file store failed: %v", err)
	}
	if _, err := store.Insert(ctx, "sites", Record{"id": "s1", "name": "Depot"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := store.Update(ctx, "sites", "s1", Record{"status": "assigned"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileStore(path, quietLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	record, err := reopened.Get(ctx, "sites", "s1")
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if record["name"] != "Depot" || record["status"] != "assigned" {
		t.Fatalf("unexpected persisted record: %+v", record)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitesync.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
	if _, err := NewFileStore(path, quietLogger()); err == nil {
		t.Fatalf("expected corrupt file to be rejected")
	}
	if _, err := NewFileStore("", quietLogger()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty path, got %v", err)
	}
}

func TestFileStoreEmitsEventsForExternalEdits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sitesync.json")
	store, err := NewFileStore(path, quietLogger())
	if err != nil {
		t.Fatalf("open file store failed: %v", err)
	}
	defer store.Close()

	if _, err := store.Insert(ctx, "sites", Record{"id": "s1", "name": "Depot", "status": "assigned"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	sub, err := store.Subscribe(ctx, "sites")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	edited := fileSnapshot{Collections: map[string][]Record{
		"sites": {
			{"id": "s1", "name": "Depot North", "status": "assigned"},
			{"id": "s2", "name": "Yard"},
		},
	}}
	data, err := json.Marshal(edited)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		t.Fatalf("external write failed: %v", err)
	}

	seen := map[EventKind]Event{}
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		ev := recvEvent(t, sub, 5*time.Second)
		seen[ev.Kind] = ev
	}
	update, ok := seen[EventUpdate]
	if !ok || update.Record["name"] != "Depot North" || len(update.Fields) != 1 || update.Fields[0] != "name" {
		t.Fatalf("expected name update event, got %+v", seen)
	}
	insert, ok := seen[EventInsert]
	if !ok || insert.Record.ID() != "s2" {
		t.Fatalf("expected insert event for s2, got %+v", seen)
	}
	record, err := store.Get(ctx, "sites", "s1")
	if err != nil || record["name"] != "Depot North" {
		t.Fatalf("expected memory to follow external edit, got %+v (%v)", record, err)
	}
}

func TestChangedFieldsReportsRemovals(t *testing.T) {
	prev := Record{"id": "s1", "name": "Depot", "address": "Dock St"}
	next := Record{"id": "s1", "name": "Depot"}
	changed := changedFields(prev, next)
	if len(changed) != 1 {
		t.Fatalf("expected one change, got %+v", changed)
	}
	if value, ok := changed["address"]; !ok || value != nil {
		t.Fatalf("expected address removal, got %+v", changed)
	}
}
