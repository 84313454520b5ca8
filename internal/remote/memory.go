package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps every collection in process and fans mutations out to
// subscribers. It backs tests, the memory profile and the file store.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	subs        map[uint64]*Subscription
	nextSubID   uint64
	closed      bool

	now   func() time.Time
	newID func() string
}

type memoryCollection struct {
	order   []string
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]*memoryCollection{},
		subs:        map[uint64]*Subscription{},
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

func (s *MemoryStore) Select(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	coll := s.collections[collection]
	if coll == nil {
		return []Record{}, nil
	}
	out := make([]Record, 0, len(coll.order))
	for _, id := range coll.order {
		record := coll.records[id]
		if matchesQuery(record, q) {
			out = append(out, record.Clone())
		}
	}
	sortRecords(out, q)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	coll := s.collections[collection]
	if coll == nil {
		return nil, ErrNotFound
	}
	record, ok := coll.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Insert(ctx context.Context, collection string, record Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeRecord(record)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := normalized.ID()
	if id == "" {
		id = s.newID()
	}
	normalized["id"] = id
	coll := s.collectionLocked(collection)
	if _, exists := coll.records[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate id %s in %s", ErrInvalidInput, id, collection)
	}
	coll.order = append(coll.order, id)
	coll.records[id] = normalized
	ev := Event{Kind: EventInsert, Collection: collection, Record: normalized.Clone(), Timestamp: timestamp(s.now())}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	publish(subs, ev)
	return normalized.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeRecord(fields)
	if err != nil {
		return nil, err
	}
	delete(normalized, "id")
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	coll := s.collections[collection]
	if coll == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	current, ok := coll.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	next := current.Clone()
	for key, value := range normalized {
		next[key] = value
	}
	coll.records[id] = next
	ev := Event{Kind: EventUpdate, Collection: collection, Record: next.Clone(), Fields: normalized.Keys(), Timestamp: timestamp(s.now())}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	publish(subs, ev)
	return next.Clone(), nil
}

// Upsert merges record into the existing document with the same id, or
// inserts it when none exists.
func (s *MemoryStore) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeRecord(record)
	if err != nil {
		return nil, err
	}
	id := normalized.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: upsert requires an id", ErrInvalidInput)
	}
	normalized["id"] = id
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	coll := s.collectionLocked(collection)
	var ev Event
	next := normalized
	if current, ok := coll.records[id]; ok {
		next = current.Clone()
		for key, value := range normalized {
			next[key] = value
		}
		changed := normalized.Keys()
		ev = Event{Kind: EventUpdate, Collection: collection, Fields: changed}
	} else {
		coll.order = append(coll.order, id)
		ev = Event{Kind: EventInsert, Collection: collection}
	}
	coll.records[id] = next
	ev.Record = next.Clone()
	ev.Timestamp = timestamp(s.now())
	subs := s.subscribersLocked()
	s.mu.Unlock()

	publish(subs, ev)
	return next.Clone(), nil
}

// Delete is idempotent: removing an unknown id succeeds without an event.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	coll := s.collections[collection]
	if coll == nil {
		s.mu.Unlock()
		return nil
	}
	if _, ok := coll.records[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(coll.records, id)
	for i, existing := range coll.order {
		if existing == id {
			coll.order = append(coll.order[:i], coll.order[i+1:]...)
			break
		}
	}
	ev := Event{Kind: EventDelete, Collection: collection, Record: Record{"id": id}, Timestamp: timestamp(s.now())}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	publish(subs, ev)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, collection string, kinds ...EventKind) (*Subscription, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextSubID++
	subID := s.nextSubID
	sub := newSubscription(ctx, collection, kinds, func() {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
	})
	s.subs[subID] = sub
	return sub, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subscribersLocked()
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// snapshot returns every collection in insertion order.
func (s *MemoryStore) snapshot() map[string][]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Record, len(s.collections))
	for name, coll := range s.collections {
		records := make([]Record, 0, len(coll.order))
		for _, id := range coll.order {
			records = append(records, coll.records[id].Clone())
		}
		out[name] = records
	}
	return out
}

// restore replaces all collections without emitting events.
func (s *MemoryStore) restore(snapshot map[string][]Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = map[string]*memoryCollection{}
	for name, records := range snapshot {
		coll := s.collectionLocked(name)
		for _, record := range records {
			id := record.ID()
			if id == "" {
				continue
			}
			if _, exists := coll.records[id]; !exists {
				coll.order = append(coll.order, id)
			}
			clone := record.Clone()
			clone["id"] = id
			coll.records[id] = clone
		}
	}
}

func (s *MemoryStore) collectionLocked(name string) *memoryCollection {
	coll := s.collections[name]
	if coll == nil {
		coll = &memoryCollection{records: map[string]Record{}}
		s.collections[name] = coll
	}
	return coll
}

func (s *MemoryStore) subscribersLocked() []*Subscription {
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func publish(subs []*Subscription, ev Event) {
	for _, sub := range subs {
		copied := ev
		copied.Record = ev.Record.Clone()
		sub.offer(copied)
	}
}
