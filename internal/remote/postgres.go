package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	postgresRecordsTableName   = "sitesync_records"
	postgresNotifyChannel      = "sitesync_changes"
	postgresOperationTimeout   = 5 * time.Second
	postgresListenerMinBackoff = 500 * time.Millisecond
	postgresListenerMaxBackoff = 30 * time.Second
	postgresListenerPing       = 90 * time.Second
	postgresUniqueViolation    = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps every collection in one JSONB table. A row trigger
// publishes {collection, id, kind, fields} through NOTIFY and subscribers
// re-read the document, which keeps payloads under the NOTIFY size limit.
type PostgresStore struct {
	dsn       string
	tableName string
	channel   string
	openDB    sqlOpenFunc
	logger    logrus.FieldLogger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type postgresNotification struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	Fields     []string  `json:"fields"`
}

func NewPostgresStore(dsn string, logger logrus.FieldLogger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresRecordsTableName,
		channel:   postgresNotifyChannel,
		openDB:    sql.Open,
		logger:    logger.WithField("store", "postgres"),
	}, nil
}

func (s *PostgresStore) Select(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	args := []any{collection}
	clauses := []string{"collection = $1"}
	for key, value := range q.Where {
		args = append(args, key, valueText(value))
		clauses = append(clauses, fmt.Sprintf("doc ->> $%d::text = $%d::text", len(args)-1, len(args)))
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE %s", postgresQuoteIdentifier(s.tableName), strings.Join(clauses, " AND "))
	if orderBy := strings.TrimSpace(q.OrderBy); orderBy != "" {
		args = append(args, orderBy)
		direction := "ASC"
		if q.Desc {
			direction = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY doc ->> $%d::text %s NULLS LAST, created_at %s", len(args), direction, direction)
	} else {
		query += " ORDER BY created_at ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		record, err := decodePostgresDoc(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT doc FROM %s WHERE collection = $1 AND id = $2", postgresQuoteIdentifier(s.tableName))
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePostgresDoc(payload)
}

func (s *PostgresStore) Insert(ctx context.Context, collection string, record Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	normalized, err := NormalizeRecord(record)
	if err != nil {
		return nil, err
	}
	id := normalized.ID()
	if id == "" {
		id = uuid.NewString()
	}
	normalized["id"] = id
	payload, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO %s (collection, id, doc) VALUES ($1, $2, $3::jsonb)", postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, collection, id, string(payload)); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == postgresUniqueViolation {
			return nil, fmt.Errorf("%w: duplicate id %s in %s", ErrInvalidInput, id, collection)
		}
		return nil, err
	}
	return normalized, nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	normalized, err := NormalizeRecord(fields)
	if err != nil {
		return nil, err
	}
	delete(normalized, "id")
	payload, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET doc = doc || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2
		RETURNING doc`, postgresQuoteIdentifier(s.tableName))
	var out []byte
	err = s.db.QueryRowContext(ctx, query, collection, id, string(payload)).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePostgresDoc(out)
}

func (s *PostgresStore) Upsert(ctx context.Context, collection string, record Record) (Record, error) {
	if err := validateCollection(collection); err != nil {
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
	payload, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s (collection, id, doc)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id)
		DO UPDATE SET doc = %s.doc || EXCLUDED.doc, updated_at = NOW()
		RETURNING doc`, table, table)
	var out []byte
	if err := s.db.QueryRowContext(ctx, query, collection, id, string(payload)).Scan(&out); err != nil {
		return nil, err
	}
	return decodePostgresDoc(out)
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE collection = $1 AND id = $2", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, collection, id)
	return err
}

// Subscribe opens a dedicated LISTEN connection per subscription. Documents
// are re-read on each notification, so an update observed after a later
// delete is dropped rather than resurrected.
func (s *PostgresStore) Subscribe(ctx context.Context, collection string, kinds ...EventKind) (*Subscription, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	logger := s.logger.WithField("collection", collection)
	listener := pq.NewListener(s.dsn, postgresListenerMinBackoff, postgresListenerMaxBackoff, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.WithError(err).WithField("event", ev).Warn("postgres listener connection problem")
		}
	})
	if err := listener.Listen(s.channel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	sub := newSubscription(ctx, collection, kinds, func() {
		_ = listener.Close()
	})
	go s.pump(listener, sub, logger)
	return sub, nil
}

func (s *PostgresStore) pump(listener *pq.Listener, sub *Subscription, logger logrus.FieldLogger) {
	ticker := time.NewTicker(postgresListenerPing)
	defer ticker.Stop()
	for {
		select {
		case <-sub.Done():
			return
		case <-ticker.C:
			go func() {
				_ = listener.Ping()
			}()
		case n, ok := <-listener.Notify:
			if !ok {
				sub.fail(ErrClosed)
				return
			}
			if n == nil {
				logger.Warn("postgres listener reconnected; notifications may have been missed")
				continue
			}
			ev, ok := s.eventFromNotification(sub, n.Extra, logger)
			if !ok {
				continue
			}
			if !sub.deliver(ev) {
				return
			}
		}
	}
}

func (s *PostgresStore) eventFromNotification(sub *Subscription, payload string, logger logrus.FieldLogger) (Event, bool) {
	var note postgresNotification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		logger.WithError(err).Warn("discarding malformed change notification")
		return Event{}, false
	}
	if note.Collection != sub.Collection() {
		return Event{}, false
	}
	ev := Event{
		Kind:       note.Kind,
		Collection: note.Collection,
		Fields:     note.Fields,
		Timestamp:  timestamp(time.Now()),
	}
	if !sub.accepts(ev) {
		return Event{}, false
	}
	if note.Kind == EventDelete {
		ev.Record = Record{"id": note.ID}
		return ev, true
	}
	record, err := s.Get(context.Background(), note.Collection, note.ID)
	if errors.Is(err, ErrNotFound) {
		return Event{}, false
	}
	if err != nil {
		logger.WithError(err).WithField("id", note.ID).Warn("reading changed record failed")
		return Event{}, false
	}
	ev.Record = record
	return ev, true
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		for _, stmt := range postgresSchemaStatements(s.tableName, s.channel) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func postgresSchemaStatements(tableName, channel string) []string {
	table := postgresQuoteIdentifier(tableName)
	function := postgresQuoteIdentifier(tableName + "_notify")
	trigger := postgresQuoteIdentifier(tableName + "_changes")
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				doc JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, id)
			)`, table),
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
			DECLARE
				changed TEXT[];
			BEGIN
				IF TG_OP = 'DELETE' THEN
					PERFORM pg_notify(%[2]s, json_build_object('collection', OLD.collection, 'id', OLD.id, 'kind', 'delete')::text);
					RETURN OLD;
				END IF;
				IF TG_OP = 'UPDATE' THEN
					SELECT array_agg(n.key ORDER BY n.key) INTO changed
					FROM jsonb_each(NEW.doc) AS n
					WHERE OLD.doc -> n.key IS DISTINCT FROM n.value;
					PERFORM pg_notify(%[2]s, json_build_object('collection', NEW.collection, 'id', NEW.id, 'kind', 'update', 'fields', COALESCE(changed, ARRAY[]::TEXT[]))::text);
					RETURN NEW;
				END IF;
				PERFORM pg_notify(%[2]s, json_build_object('collection', NEW.collection, 'id', NEW.id, 'kind', 'insert')::text);
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql`, function, postgresQuoteLiteral(channel)),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()", trigger, table, function),
	}
}

func decodePostgresDoc(payload []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, err
	}
	if record == nil {
		record = Record{}
	}
	return record, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQuoteLiteral(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
