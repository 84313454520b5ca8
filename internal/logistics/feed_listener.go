package logistics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/sirupsen/logrus"
)

// ReplaceMode selects how update events are applied.
type ReplaceMode int

const (
	// MergeChangedFields applies only the fields an update event lists, and
	// falls back to whole-record replacement when it lists none.
	MergeChangedFields ReplaceMode = iota
	// ReplaceWholeRecord always replaces the local record with the event's.
	ReplaceWholeRecord
)

type FeedListenerOptions struct {
	Logger    logrus.FieldLogger
	Mode      ReplaceMode
	Validator *RecordValidator
	// Collections defaults to sites, contacts and settings.
	Collections []string
}

// FeedListener applies remote change events to an EntityStore. Delivery is
// at-least-once and may be reordered; applying an event twice leaves the
// same state as applying it once.
type FeedListener struct {
	store       *EntityStore
	remote      remote.Store
	logger      logrus.FieldLogger
	mode        ReplaceMode
	validator   *RecordValidator
	collections []string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	subs    []*remote.Subscription
	done    chan struct{}
}

func NewFeedListener(store *EntityStore, opts FeedListenerOptions) (*FeedListener, error) {
	if store == nil {
		return nil, fmt.Errorf("entity store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Validator == nil {
		v, err := NewRecordValidator()
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}
	collections := opts.Collections
	if len(collections) == 0 {
		collections = []string{CollectionSites, CollectionContacts, CollectionSettings}
	}
	return &FeedListener{
		store:       store,
		remote:      store.Remote(),
		logger:      opts.Logger.WithField("component", "feed_listener"),
		mode:        opts.Mode,
		validator:   opts.Validator,
		collections: append([]string(nil), collections...),
	}, nil
}

// Start subscribes to every collection and applies events in the background
// until ctx ends, Close is called or one stream breaks. A broken stream ends
// all of them; once Done is closed Start may be called again to resubscribe.
func (l *FeedListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	subs := make([]*remote.Subscription, 0, len(l.collections))
	for _, collection := range l.collections {
		sub, err := l.remote.Subscribe(ctx, collection, remote.AllEventKinds...)
		if err != nil {
			cancel()
			for _, opened := range subs {
				_ = opened.Close()
			}
			return fmt.Errorf("subscribe %s: %w", collection, err)
		}
		subs = append(subs, sub)
	}
	done := make(chan struct{})
	l.running = true
	l.cancel = cancel
	l.subs = subs
	l.done = done

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *remote.Subscription) {
			defer wg.Done()
			l.consume(sub, cancel)
		}(sub)
	}
	go func() {
		wg.Wait()
		cancel()
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(done)
	}()
	return nil
}

// Done is closed when the streams of the latest Start have all ended. It is
// nil before the first Start.
func (l *FeedListener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Run starts the listener and blocks until every stream has ended.
func (l *FeedListener) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	<-l.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Err()
}

// Err returns the first error that broke a stream of the latest Start.
func (l *FeedListener) Err() error {
	for _, sub := range l.subscriptions() {
		if err := sub.Err(); err != nil && !errors.Is(err, remote.ErrClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func (l *FeedListener) Close() {
	l.mu.Lock()
	cancel := l.cancel
	subs := l.subs
	done := l.done
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		_ = sub.Close()
	}
	if done != nil {
		<-done
	}
}

func (l *FeedListener) subscriptions() []*remote.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*remote.Subscription(nil), l.subs...)
}

func (l *FeedListener) consume(sub *remote.Subscription, stop context.CancelFunc) {
	for {
		select {
		case <-sub.Done():
			if err := sub.Err(); err != nil && !errors.Is(err, remote.ErrClosed) && !errors.Is(err, context.Canceled) {
				l.logger.WithError(err).WithField("collection", sub.Collection()).Warn("change feed ended")
				stop()
			}
			return
		case ev := <-sub.Events():
			if err := l.Apply(ev); err != nil {
				l.logger.WithError(err).WithFields(logrus.Fields{
					"collection": ev.Collection,
					"kind":       ev.Kind,
					"id":         ev.Record.ID(),
				}).Warn("skipping change event")
			}
		}
	}
}

// Apply folds one change event into the entity store.
func (l *FeedListener) Apply(ev remote.Event) error {
	id := ev.Record.ID()
	if id == "" {
		return fmt.Errorf("%w: event without record id", ErrInvalidInput)
	}
	if ev.Kind != remote.EventDelete {
		if err := l.validator.Validate(ev.Collection, ev.Record); err != nil {
			return err
		}
	}
	switch ev.Collection {
	case CollectionSites:
		return l.applySite(id, ev)
	case CollectionContacts:
		return l.applyContact(id, ev)
	case CollectionSettings:
		return l.applySetting(id, ev)
	default:
		return nil
	}
}

func (l *FeedListener) applySite(id string, ev remote.Event) error {
	if ev.Kind == remote.EventDelete {
		return l.store.removeSite(id)
	}
	site, err := decodeSite(ev.Record)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case remote.EventInsert:
		return l.store.putSite(site)
	case remote.EventUpdate:
		if fields, ok := l.changedFields(ev); ok {
			return l.store.mergeSite(id, fields, site)
		}
		return l.store.putSite(site)
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, ev.Kind)
	}
}

func (l *FeedListener) applyContact(id string, ev remote.Event) error {
	if ev.Kind == remote.EventDelete {
		return l.store.removeContact(id)
	}
	contact, err := decodeContact(ev.Record)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case remote.EventInsert:
		return l.store.putContact(contact)
	case remote.EventUpdate:
		if fields, ok := l.changedFields(ev); ok {
			return l.store.mergeContact(id, fields, contact)
		}
		return l.store.putContact(contact)
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, ev.Kind)
	}
}

func (l *FeedListener) applySetting(id string, ev remote.Event) error {
	if ev.Kind == remote.EventDelete {
		key, _ := ev.Record["key"].(string)
		if key == "" {
			key = id
		}
		l.store.removeSetting(key)
		return nil
	}
	key, value, ok := settingFromRecord(ev.Record)
	if !ok {
		return fmt.Errorf("%w: setting without key", ErrInvalidInput)
	}
	l.store.putSetting(key, value)
	return nil
}

// changedFields picks the listed fields out of the event record. A listed
// field missing from the record was removed and maps to nil.
func (l *FeedListener) changedFields(ev remote.Event) (remote.Record, bool) {
	if l.mode == ReplaceWholeRecord || len(ev.Fields) == 0 {
		return nil, false
	}
	fields := make(remote.Record, len(ev.Fields))
	for _, name := range ev.Fields {
		if name == "id" {
			continue
		}
		fields[name] = ev.Record[name]
	}
	return fields, true
}
