package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrClosed         = errors.New("store closed")
	ErrNotImplemented = errors.New("not implemented")
	// ErrLagging ends a subscription that fell a full buffer behind its
	// publisher. The subscriber must reload and subscribe again.
	ErrLagging = errors.New("subscriber lagging")
)

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// AllEventKinds is used when Subscribe is called without explicit kinds.
var AllEventKinds = []EventKind{EventInsert, EventUpdate, EventDelete}

// Record is the generic document shape exchanged with a Store. Records always
// carry their identifier under "id".
type Record map[string]any

// ID returns the record identifier as a string, whatever JSON type it arrived as.
func (r Record) ID() string {
	switch v := r["id"].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Clone deep-copies JSON-shaped values. Typed values are copied by reference.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the record's field names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case Record:
		return map[string]any(typed.Clone())
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// NormalizeRecord round-trips a record through JSON so typed values (structs,
// slices of structs, decimals) become plain maps, slices and scalars.
func NormalizeRecord(r Record) (Record, error) {
	if r == nil {
		return Record{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if out == nil {
		out = Record{}
	}
	return out, nil
}

type Query struct {
	Where   map[string]any
	OrderBy string
	Desc    bool
}

type Event struct {
	Kind       EventKind `json:"kind"`
	Collection string    `json:"collection"`
	Record     Record    `json:"record"`
	// Fields lists the top-level fields an update changed. Empty means the
	// consumer should treat Record as a whole-record replacement.
	Fields    []string `json:"fields,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Store is the remote store contract consumed by the logistics core.
type Store interface {
	Select(ctx context.Context, collection string, q Query) ([]Record, error)
	Get(ctx context.Context, collection, id string) (Record, error)
	Insert(ctx context.Context, collection string, record Record) (Record, error)
	Update(ctx context.Context, collection, id string, fields Record) (Record, error)
	Upsert(ctx context.Context, collection string, record Record) (Record, error)
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection string, kinds ...EventKind) (*Subscription, error)
	Close() error
}

// Subscription is an owned handle on a change stream. Consumers select on
// Events and Done; Close is safe to call more than once.
type Subscription struct {
	collection string
	kinds      map[EventKind]struct{}
	events     chan Event
	done       chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	onClose   func()
}

const defaultSubscriptionBuffer = 256

func newSubscription(ctx context.Context, collection string, kinds []EventKind, onClose func()) *Subscription {
	if len(kinds) == 0 {
		kinds = AllEventKinds
	}
	set := make(map[EventKind]struct{}, len(kinds))
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
	sub := &Subscription{
		collection: collection,
		kinds:      set,
		events:     make(chan Event, defaultSubscriptionBuffer),
		done:       make(chan struct{}),
		onClose:    onClose,
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.fail(ctx.Err())
			case <-sub.done:
			}
		}()
	}
	return sub
}

func (s *Subscription) Collection() string { return s.collection }

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: ErrClosed after Close, the context
// error after cancellation, or the transport error that broke the stream.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() error {
	s.fail(ErrClosed)
	return nil
}

func (s *Subscription) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Subscription) accepts(ev Event) bool {
	if ev.Collection != s.collection {
		return false
	}
	_, ok := s.kinds[ev.Kind]
	return ok
}

// offer queues the event without blocking. A subscriber whose buffer is full
// is failed with ErrLagging so one slow reader cannot stall the writer.
func (s *Subscription) offer(ev Event) bool {
	if !s.accepts(ev) {
		return true
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.fail(ErrLagging)
		return false
	}
}

// deliver blocks until the event is queued or the subscription ends.
func (s *Subscription) deliver(ev Event) bool {
	if !s.accepts(ev) {
		return true
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func validateCollection(collection string) error {
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidInput)
	}
	return nil
}

func matchesQuery(record Record, q Query) bool {
	for key, want := range q.Where {
		if valueText(record[key]) != valueText(want) {
			return false
		}
	}
	return true
}

func sortRecords(records []Record, q Query) {
	if strings.TrimSpace(q.OrderBy) == "" {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		a := valueText(records[i][q.OrderBy])
		b := valueText(records[j][q.OrderBy])
		if q.Desc {
			return a > b
		}
		return a < b
	})
}

func valueText(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprint(typed)
	}
}

func timestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}
