package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileStore persists a MemoryStore as one JSON document. Edits made to the
// file by other processes are picked up through fsnotify and replayed as
// change events.
type FileStore struct {
	mem    *MemoryStore
	path   string
	logger logrus.FieldLogger

	mu       sync.Mutex
	lastHash string

	watcher   *fsnotify.Watcher
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type fileSnapshot struct {
	Collections map[string][]Record `json:"collections"`
}

func NewFileStore(path string, logger logrus.FieldLogger) (*FileStore, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{
		mem:    NewMemoryStore(),
		path:   path,
		logger: logger.WithField("store", "file"),
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		snapshot, err := decodeFileSnapshot(data)
		if err != nil {
			return nil, err
		}
		s.mem.restore(snapshot.Collections)
		s.lastHash = hashBytes(data)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *FileStore) Select(ctx context.Context, collection string, q Query) ([]Record, error) {
	return s.mem.Select(ctx, collection, q)
}

func (s *FileStore) Get(ctx context.Context, collection, id string) (Record, error) {
	return s.mem.Get(ctx, collection, id)
}

func (s *FileStore) Insert(ctx context.Context, collection string, record Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.mem.Insert(ctx, collection, record)
	if err != nil {
		return nil, err
	}
	return out, s.saveLocked()
}

func (s *FileStore) Update(ctx context.Context, collection, id string, fields Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.mem.Update(ctx, collection, id, fields)
	if err != nil {
		return nil, err
	}
	return out, s.saveLocked()
}

func (s *FileStore) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.mem.Upsert(ctx, collection, record)
	if err != nil {
		return nil, err
	}
	return out, s.saveLocked()
}

func (s *FileStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Delete(ctx, collection, id); err != nil {
		return err
	}
	return s.saveLocked()
}

func (s *FileStore) Subscribe(ctx context.Context, collection string, kinds ...EventKind) (*Subscription, error) {
	return s.mem.Subscribe(ctx, collection, kinds...)
}

func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		s.wg.Wait()
		_ = s.mem.Close()
	})
	return err
}

func (s *FileStore) watch() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.WithError(err).WithField("path", s.path).Warn("reload after external edit failed")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("file watcher error")
		}
	}
}

// reload diffs the file against memory and replays the difference through the
// memory store so subscribers see ordinary change events. Our own writes hash
// to lastHash and are skipped.
func (s *FileStore) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	hash := hashBytes(data)
	if hash == s.lastHash {
		return nil
	}
	snapshot, err := decodeFileSnapshot(data)
	if err != nil {
		// Likely a partial write by an editor; the next event retries.
		return err
	}
	ctx := context.Background()
	current := s.mem.snapshot()
	names := map[string]struct{}{}
	for name := range current {
		names[name] = struct{}{}
	}
	for name := range snapshot.Collections {
		names[name] = struct{}{}
	}
	for name := range names {
		before := indexRecords(current[name])
		after := snapshot.Collections[name]
		seen := map[string]struct{}{}
		for _, record := range after {
			id := record.ID()
			if id == "" {
				continue
			}
			seen[id] = struct{}{}
			old, ok := before[id]
			if !ok {
				if _, err := s.mem.Insert(ctx, name, record); err != nil {
					return err
				}
				continue
			}
			changed := changedFields(old, record)
			if len(changed) == 0 {
				continue
			}
			if _, err := s.mem.Update(ctx, name, id, changed); err != nil {
				return err
			}
		}
		for id := range before {
			if _, ok := seen[id]; ok {
				continue
			}
			if err := s.mem.Delete(ctx, name, id); err != nil {
				return err
			}
		}
	}
	s.lastHash = hash
	return nil
}

func (s *FileStore) saveLocked() error {
	snapshot := fileSnapshot{Collections: s.mem.snapshot()}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return err
	}
	s.lastHash = hashBytes(data)
	return nil
}

func decodeFileSnapshot(data []byte) (fileSnapshot, error) {
	var snapshot fileSnapshot
	if len(data) == 0 {
		snapshot.Collections = map[string][]Record{}
		return snapshot, nil
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fileSnapshot{}, err
	}
	if snapshot.Collections == nil {
		snapshot.Collections = map[string][]Record{}
	}
	return snapshot, nil
}

func indexRecords(records []Record) map[string]Record {
	out := make(map[string]Record, len(records))
	for _, record := range records {
		if id := record.ID(); id != "" {
			out[id] = record
		}
	}
	return out
}

// changedFields returns the fields of next that differ from prev. Removed
// fields are reported as null.
func changedFields(prev, next Record) Record {
	out := Record{}
	for key, value := range next {
		if key == "id" {
			continue
		}
		if !reflect.DeepEqual(prev[key], value) {
			out[key] = value
		}
	}
	keys := make([]string, 0, len(prev))
	for key := range prev {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if key == "id" {
			continue
		}
		if _, ok := next[key]; !ok {
			out[key] = nil
		}
	}
	return out
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
