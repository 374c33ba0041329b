package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"

	_ "github.com/lib/pq"
)

// PostgresMessageStore is the multi-node counterpart to SQLiteMessageStore,
// identical in schema and division of labor (indexed columns for lookup,
// JSONB payload for the rest), using $N placeholders and JSONB instead of
// SQLite's JSON text affinity. Grounded on pkg/store/outbox_store.go's
// PostgresEffectOutboxStore (ON CONFLICT ... DO NOTHING idempotent
// inserts, JSON-marshaled payload columns).
type PostgresMessageStore struct {
	db *sql.DB
}

func NewPostgresMessageStore(db *sql.DB) (*PostgresMessageStore, error) {
	s := &PostgresMessageStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresMessageStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS dwn_messages (
			tenant TEXT NOT NULL,
			cid TEXT NOT NULL,
			record_id TEXT NOT NULL DEFAULT '',
			message_timestamp TEXT NOT NULL,
			latest BOOLEAN NOT NULL DEFAULT TRUE,
			payload JSONB NOT NULL,
			PRIMARY KEY (tenant, cid)
		);
		CREATE INDEX IF NOT EXISTS dwn_messages_record_idx ON dwn_messages (tenant, record_id);
	`)
	return err
}

func (s *PostgresMessageStore) Put(ctx context.Context, entry IndexedMessage) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dwn_messages (tenant, cid, record_id, message_timestamp, latest, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant, cid) DO UPDATE SET latest = excluded.latest, payload = excluded.payload
	`, entry.Tenant, entry.Cid, entry.Message.Descriptor.RecordID, entry.Message.Descriptor.MessageTimestamp, entry.Latest, payload)
	if err != nil {
		return fmt.Errorf("store: put message: %w", err)
	}
	return nil
}

func (s *PostgresMessageStore) Get(ctx context.Context, tenant, cid string) (*IndexedMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM dwn_messages WHERE tenant = $1 AND cid = $2`, tenant, cid)
	return scanEntry(row)
}

func (s *PostgresMessageStore) Delete(ctx context.Context, tenant, cid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dwn_messages WHERE tenant = $1 AND cid = $2`, tenant, cid)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresMessageStore) ListByRecordID(ctx context.Context, tenant, recordID string) ([]IndexedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM dwn_messages WHERE tenant = $1 AND record_id = $2 ORDER BY message_timestamp ASC
	`, tenant, recordID)
	if err != nil {
		return nil, fmt.Errorf("store: list by record: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresMessageStore) Query(ctx context.Context, tenant string, filters []filter.Filter, sortProperty string, cursor string, limit int) ([]IndexedMessage, string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM dwn_messages WHERE tenant = $1 AND latest = TRUE`, tenant)
	if err != nil {
		return nil, "", fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	all, err := scanEntries(rows)
	if err != nil {
		return nil, "", err
	}
	return paginate(all, filters, sortProperty, cursor, limit)
}

// PostgresDataStore persists content-addressed payload bytes in Postgres.
type PostgresDataStore struct {
	db *sql.DB
}

func NewPostgresDataStore(db *sql.DB) (*PostgresDataStore, error) {
	s := &PostgresDataStore{db: db}
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS dwn_data (
			tenant TEXT NOT NULL,
			data_cid TEXT NOT NULL,
			bytes BYTEA NOT NULL,
			PRIMARY KEY (tenant, data_cid)
		);
	`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresDataStore) Put(ctx context.Context, tenant, dataCid string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dwn_data (tenant, data_cid, bytes) VALUES ($1, $2, $3)
		ON CONFLICT (tenant, data_cid) DO UPDATE SET bytes = excluded.bytes
	`, tenant, dataCid, data)
	return err
}

func (s *PostgresDataStore) Get(ctx context.Context, tenant, dataCid string) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT bytes FROM dwn_data WHERE tenant = $1 AND data_cid = $2`, tenant, dataCid).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *PostgresDataStore) Has(ctx context.Context, tenant, dataCid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dwn_data WHERE tenant = $1 AND data_cid = $2`, tenant, dataCid).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *PostgresDataStore) Delete(ctx context.Context, tenant, dataCid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dwn_data WHERE tenant = $1 AND data_cid = $2`, tenant, dataCid)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// PostgresEventLog appends RecordsSubscribe feed entries in Postgres,
// holding a per-tenant transaction-scoped advisory lock around
// SELECT MAX(sequence) to serialize sequence assignment per tenant
// under concurrent writers.
type PostgresEventLog struct {
	db *sql.DB
}

func NewPostgresEventLog(db *sql.DB) (*PostgresEventLog, error) {
	l := &PostgresEventLog{db: db}
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS dwn_events (
			tenant TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			cid TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (tenant, sequence)
		);
	`)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresEventLog) Append(ctx context.Context, tenant string, msg message.Message) (Event, error) {
	cid, err := msg.CID()
	if err != nil {
		return Event{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenant); err != nil {
		return Event{}, err
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM dwn_events WHERE tenant = $1
	`, tenant).Scan(&maxSeq); err != nil {
		return Event{}, err
	}

	ev := Event{Tenant: tenant, Cid: cid.String(), Message: msg, Sequence: maxSeq.Int64 + 1, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dwn_events (tenant, sequence, cid, timestamp, payload) VALUES ($1, $2, $3, $4, $5)
	`, tenant, ev.Sequence, ev.Cid, ev.Timestamp.Format(message.TimestampLayout), payload); err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (l *PostgresEventLog) Since(ctx context.Context, tenant string, afterSeq int64) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload FROM dwn_events WHERE tenant = $1 AND sequence > $2 ORDER BY sequence ASC
	`, tenant, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

var (
	_ MessageStore = (*PostgresMessageStore)(nil)
	_ DataStore    = (*PostgresDataStore)(nil)
	_ EventLog     = (*PostgresEventLog)(nil)
)
