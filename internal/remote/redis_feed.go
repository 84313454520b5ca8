package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultRedisFeedChannel = "sitesync:changes"

// RedisFeedStore wraps a Store so every successful write is also published on
// a Redis channel. Subscribe reads that channel, which lets several server
// replicas over a shared backend observe each other's writes.
type RedisFeedStore struct {
	Store
	client  redis.UniversalClient
	channel string
	logger  logrus.FieldLogger
	now     func() time.Time
}

func NewRedisFeedStore(inner Store, client redis.UniversalClient, channel string, logger logrus.FieldLogger) *RedisFeedStore {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultRedisFeedChannel
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisFeedStore{
		Store:   inner,
		client:  client,
		channel: channel,
		logger:  logger.WithField("feed", "redis"),
		now:     time.Now,
	}
}

func (s *RedisFeedStore) Insert(ctx context.Context, collection string, record Record) (Record, error) {
	out, err := s.Store.Insert(ctx, collection, record)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{Kind: EventInsert, Collection: collection, Record: out})
	return out, nil
}

func (s *RedisFeedStore) Update(ctx context.Context, collection, id string, fields Record) (Record, error) {
	out, err := s.Store.Update(ctx, collection, id, fields)
	if err != nil {
		return nil, err
	}
	changed := fields.Clone()
	delete(changed, "id")
	s.publish(ctx, Event{Kind: EventUpdate, Collection: collection, Record: out, Fields: changed.Keys()})
	return out, nil
}

// Upsert publishes an update event; consumers apply it as insert-or-merge.
func (s *RedisFeedStore) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
	out, err := s.Store.Upsert(ctx, collection, record)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{Kind: EventUpdate, Collection: collection, Record: out})
	return out, nil
}

func (s *RedisFeedStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.Store.Delete(ctx, collection, id); err != nil {
		return err
	}
	s.publish(ctx, Event{Kind: EventDelete, Collection: collection, Record: Record{"id": id}})
	return nil
}

func (s *RedisFeedStore) Subscribe(ctx context.Context, collection string, kinds ...EventKind) (*Subscription, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	pubsub := s.client.Subscribe(context.Background(), s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := newSubscription(ctx, collection, kinds, func() {
		_ = pubsub.Close()
	})
	logger := s.logger.WithField("collection", collection)
	go func() {
		messages := pubsub.Channel()
		for {
			select {
			case <-sub.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					sub.fail(ErrClosed)
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.WithError(err).Warn("discarding malformed feed message")
					continue
				}
				if !sub.deliver(ev) {
					return
				}
			}
		}
	}()
	return sub, nil
}

func (s *RedisFeedStore) Close() error {
	err := s.Store.Close()
	if closeErr := s.client.Close(); err == nil {
		err = closeErr
	}
	return err
}

// publish failures are logged only; the write itself already succeeded.
func (s *RedisFeedStore) publish(ctx context.Context, ev Event) {
	ev.Timestamp = timestamp(s.now())
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Warn("encoding feed event failed")
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"collection": ev.Collection,
			"id":         ev.Record.ID(),
			"kind":       ev.Kind,
		}).Warn("publishing feed event failed")
	}
}
