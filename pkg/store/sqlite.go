package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"

	_ "modernc.org/sqlite"
)

// SQLiteMessageStore persists IndexedMessage rows to a SQLite database.
// Entries are stored as a JSON blob (message + indexes), with tenant,
// cid and recordId pulled out as real columns for lookup; filter
// matching against Indexes runs in Go over the tenant's rows, the same
// division of labor the ambient codebase's receipt store uses (indexed
// columns for identity lookup, JSON payload for the rest).
//
// Grounded on pkg/store/receipt_store_sqlite.go: a migrate() on first
// use, parameterized queries, explicit NullString scanning.
type SQLiteMessageStore struct {
	db *sql.DB
}

func NewSQLiteMessageStore(db *sql.DB) (*SQLiteMessageStore, error) {
	s := &SQLiteMessageStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMessageStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS dwn_messages (
			tenant TEXT NOT NULL,
			cid TEXT NOT NULL,
			record_id TEXT NOT NULL DEFAULT '',
			message_timestamp TEXT NOT NULL,
			latest INTEGER NOT NULL DEFAULT 1,
			payload JSON NOT NULL,
			PRIMARY KEY (tenant, cid)
		);
		CREATE INDEX IF NOT EXISTS dwn_messages_record_idx ON dwn_messages (tenant, record_id);
	`)
	return err
}

func (s *SQLiteMessageStore) Put(ctx context.Context, entry IndexedMessage) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dwn_messages (tenant, cid, record_id, message_timestamp, latest, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, cid) DO UPDATE SET latest = excluded.latest, payload = excluded.payload
	`, entry.Tenant, entry.Cid, entry.Message.Descriptor.RecordID, entry.Message.Descriptor.MessageTimestamp, boolToInt(entry.Latest), payload)
	if err != nil {
		return fmt.Errorf("store: put message: %w", err)
	}
	return nil
}

func (s *SQLiteMessageStore) Get(ctx context.Context, tenant, cid string) (*IndexedMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM dwn_messages WHERE tenant = ? AND cid = ?`, tenant, cid)
	return scanEntry(row)
}

func (s *SQLiteMessageStore) Delete(ctx context.Context, tenant, cid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dwn_messages WHERE tenant = ? AND cid = ?`, tenant, cid)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return checkAffected(res)
}

func (s *SQLiteMessageStore) ListByRecordID(ctx context.Context, tenant, recordID string) ([]IndexedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM dwn_messages WHERE tenant = ? AND record_id = ? ORDER BY message_timestamp ASC
	`, tenant, recordID)
	if err != nil {
		return nil, fmt.Errorf("store: list by record: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteMessageStore) Query(ctx context.Context, tenant string, filters []filter.Filter, sortProperty string, cursor string, limit int) ([]IndexedMessage, string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM dwn_messages WHERE tenant = ? AND latest = 1`, tenant)
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

func paginate(all []IndexedMessage, filters []filter.Filter, sortProperty, cursor string, limit int) ([]IndexedMessage, string, error) {
	matched := make([]IndexedMessage, 0, len(all))
	for _, entry := range all {
		if filter.MatchAny(entry.Indexes, filters) {
			matched = append(matched, entry)
		}
	}
	sortEntries(matched, sortProperty)

	start := 0
	if cursor != "" {
		for i, e := range matched {
			if e.Cid == cursor {
				start = i + 1
				break
			}
		}
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := matched[start:end]
	nextCursor := ""
	if end < len(matched) && len(page) > 0 {
		nextCursor = page[len(page)-1].Cid
	}
	return page, nextCursor, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*IndexedMessage, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan entry: %w", err)
	}
	var entry IndexedMessage
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("store: corrupt payload: %w", err)
	}
	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]IndexedMessage, error) {
	var out []IndexedMessage
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SQLiteDataStore persists content-addressed payload bytes in SQLite.
type SQLiteDataStore struct {
	db *sql.DB
}

func NewSQLiteDataStore(db *sql.DB) (*SQLiteDataStore, error) {
	s := &SQLiteDataStore{db: db}
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS dwn_data (
			tenant TEXT NOT NULL,
			data_cid TEXT NOT NULL,
			bytes BLOB NOT NULL,
			PRIMARY KEY (tenant, data_cid)
		);
	`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDataStore) Put(ctx context.Context, tenant, dataCid string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dwn_data (tenant, data_cid, bytes) VALUES (?, ?, ?)
		ON CONFLICT (tenant, data_cid) DO UPDATE SET bytes = excluded.bytes
	`, tenant, dataCid, data)
	return err
}

func (s *SQLiteDataStore) Get(ctx context.Context, tenant, dataCid string) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT bytes FROM dwn_data WHERE tenant = ? AND data_cid = ?`, tenant, dataCid).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *SQLiteDataStore) Has(ctx context.Context, tenant, dataCid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dwn_data WHERE tenant = ? AND data_cid = ?`, tenant, dataCid).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteDataStore) Delete(ctx context.Context, tenant, dataCid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dwn_data WHERE tenant = ? AND data_cid = ?`, tenant, dataCid)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// SQLiteEventLog appends RecordsSubscribe feed entries in SQLite.
type SQLiteEventLog struct {
	db *sql.DB
}

func NewSQLiteEventLog(db *sql.DB) (*SQLiteEventLog, error) {
	l := &SQLiteEventLog{db: db}
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS dwn_events (
			tenant TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			cid TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			payload JSON NOT NULL,
			PRIMARY KEY (tenant, sequence)
		);
	`)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteEventLog) Append(ctx context.Context, tenant string, msg message.Message) (Event, error) {
	cid, err := msg.CID()
	if err != nil {
		return Event{}, err
	}
	var maxSeq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM dwn_events WHERE tenant = ?`, tenant).Scan(&maxSeq); err != nil {
		return Event{}, err
	}
	ev := Event{Tenant: tenant, Cid: cid.String(), Message: msg, Sequence: maxSeq.Int64 + 1, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO dwn_events (tenant, sequence, cid, timestamp, payload) VALUES (?, ?, ?, ?, ?)
	`, tenant, ev.Sequence, ev.Cid, ev.Timestamp.Format(message.TimestampLayout), payload)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (l *SQLiteEventLog) Since(ctx context.Context, tenant string, afterSeq int64) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload FROM dwn_events WHERE tenant = ? AND sequence > ? ORDER BY sequence ASC
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

// SQLiteTaskStore persists resumable tasks in SQLite (spec §4.8).
type SQLiteTaskStore struct {
	db *sql.DB
}

func NewSQLiteTaskStore(db *sql.DB) (*SQLiteTaskStore, error) {
	s := &SQLiteTaskStore{db: db}
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS dwn_tasks (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTaskStore) Register(ctx context.Context, t Task) error {
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dwn_tasks (id, tenant, kind, payload, status, lease_owner, lease_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Tenant, t.Kind, t.Payload, string(t.Status), t.LeaseOwner, formatLease(t.LeaseUntil), t.CreatedAt.Format(message.TimestampLayout))
	return err
}

func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, kind, payload, status, lease_owner, lease_until, created_at FROM dwn_tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

func (s *SQLiteTaskStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dwn_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *SQLiteTaskStore) Grab(ctx context.Context, owner string, limit int, leaseDuration time.Duration) ([]Task, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, kind, payload, status, lease_owner, lease_until, created_at FROM dwn_tasks
		WHERE status != ? AND (status != ? OR lease_until < ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, string(TaskStatusDone), string(TaskStatusLeased), now.Format(message.TimestampLayout), limit)
	if err != nil {
		return nil, err
	}
	var candidates []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := now.Add(leaseDuration)
	for i := range candidates {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dwn_tasks SET status = ?, lease_owner = ?, lease_until = ? WHERE id = ?
		`, string(TaskStatusLeased), owner, formatLease(until), candidates[i].ID)
		if err != nil {
			return nil, err
		}
		candidates[i].Status = TaskStatusLeased
		candidates[i].LeaseOwner = owner
		candidates[i].LeaseUntil = until
	}
	return candidates, nil
}

func (s *SQLiteTaskStore) Extend(ctx context.Context, id, owner string, leaseDuration time.Duration) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.LeaseOwner != owner {
		return fmt.Errorf("store: task %s lease held by another owner", id)
	}
	until := time.Now().UTC().Add(leaseDuration)
	_, err = s.db.ExecContext(ctx, `UPDATE dwn_tasks SET lease_until = ? WHERE id = ?`, formatLease(until), id)
	return err
}

func (s *SQLiteTaskStore) Pending(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, kind, payload, status, lease_owner, lease_until, created_at FROM dwn_tasks
		WHERE status != ? ORDER BY created_at ASC
	`, string(TaskStatusDone))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func formatLease(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(message.TimestampLayout)
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		id, tenant, kind, status, leaseOwner, leaseUntil, createdAt string
		payload                                                    []byte
	)
	if err := row.Scan(&id, &tenant, &kind, &payload, &status, &leaseOwner, &leaseUntil, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t := &Task{ID: id, Tenant: tenant, Kind: kind, Payload: payload, Status: TaskStatus(status), LeaseOwner: leaseOwner}
	if leaseUntil != "" {
		lu, err := time.Parse(message.TimestampLayout, leaseUntil)
		if err == nil {
			t.LeaseUntil = lu
		}
	}
	if ca, err := time.Parse(message.TimestampLayout, createdAt); err == nil {
		t.CreatedAt = ca
	}
	return t, nil
}

var (
	_ MessageStore = (*SQLiteMessageStore)(nil)
	_ DataStore    = (*SQLiteDataStore)(nil)
	_ EventLog     = (*SQLiteEventLog)(nil)
	_ TaskStore    = (*SQLiteTaskStore)(nil)
)
