package logistics

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/sirupsen/logrus"
)

// flakyStore wraps a MemoryStore and fails selected calls on demand.
type flakyStore struct {
	*remote.MemoryStore

	mu           sync.Mutex
	writeErr     error
	selectErrs   map[string]error
	beforeUpdate func()
	afterSelect  func(collection string)
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: remote.NewMemoryStore(), selectErrs: map[string]error{}}
}

func (f *flakyStore) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *flakyStore) failSelect(collection string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.selectErrs, collection)
		return
	}
	f.selectErrs[collection] = err
}

func (f *flakyStore) currentWriteErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeErr
}

func (f *flakyStore) Select(ctx context.Context, collection string, q remote.Query) ([]remote.Record, error) {
	f.mu.Lock()
	err := f.selectErrs[collection]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	records, err := f.MemoryStore.Select(ctx, collection, q)
	f.mu.Lock()
	hook := f.afterSelect
	f.mu.Unlock()
	if hook != nil {
		hook(collection)
	}
	return records, err
}

// onSelect runs fn after every Select has taken its snapshot.
func (f *flakyStore) onSelect(fn func(collection string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSelect = fn
}

func (f *flakyStore) Insert(ctx context.Context, collection string, record remote.Record) (remote.Record, error) {
	if err := f.currentWriteErr(); err != nil {
		return nil, err
	}
	return f.MemoryStore.Insert(ctx, collection, record)
}

// onUpdate runs fn at the start of every Update, before the write fails or
// lands, to simulate feed traffic while a write is in flight.
func (f *flakyStore) onUpdate(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeUpdate = fn
}

func (f *flakyStore) Update(ctx context.Context, collection, id string, fields remote.Record) (remote.Record, error) {
	f.mu.Lock()
	hook := f.beforeUpdate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := f.currentWriteErr(); err != nil {
		return nil, err
	}
	return f.MemoryStore.Update(ctx, collection, id, fields)
}

func (f *flakyStore) Upsert(ctx context.Context, collection string, record remote.Record) (remote.Record, error) {
	if err := f.currentWriteErr(); err != nil {
		return nil, err
	}
	return f.MemoryStore.Upsert(ctx, collection, record)
}

func (f *flakyStore) Delete(ctx context.Context, collection, id string) error {
	if err := f.currentWriteErr(); err != nil {
		return err
	}
	return f.MemoryStore.Delete(ctx, collection, id)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fixedNow() time.Time {
	return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
}

func newTestEntityStore(t *testing.T, backing remote.Store) *EntityStore {
	t.Helper()
	store, err := NewEntityStore(backing, EntityStoreOptions{Logger: quietLogger(), Now: fixedNow})
	if err != nil {
		t.Fatalf("new entity store failed: %v", err)
	}
	return store
}

func seed(t *testing.T, backing remote.Store, collection string, record remote.Record) remote.Record {
	t.Helper()
	out, err := backing.Insert(context.Background(), collection, record)
	if err != nil {
		t.Fatalf("seed %s failed: %v", collection, err)
	}
	return out
}

func load(t *testing.T, store *EntityStore) {
	t.Helper()
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
}

func newTestListener(t *testing.T, store *EntityStore, mode ReplaceMode) *FeedListener {
	t.Helper()
	listener, err := NewFeedListener(store, FeedListenerOptions{Logger: quietLogger(), Mode: mode})
	if err != nil {
		t.Fatalf("new feed listener failed: %v", err)
	}
	return listener
}

func mustSite(t *testing.T, store *EntityStore, id string) Site {
	t.Helper()
	site, ok := store.Site(id)
	if !ok {
		t.Fatalf("site %s not found", id)
	}
	return site
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func productRecords(items ...ProductItem) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		record := map[string]any{
			"name":      item.Name,
			"count":     item.Count,
			"collected": item.Collected,
			"returned":  item.Returned,
		}
		if item.IsAdminAdded {
			record["isAdminAdded"] = true
		}
		out = append(out, record)
	}
	return out
}
