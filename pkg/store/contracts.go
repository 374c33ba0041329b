// Package store defines the four persistence contracts a DWN instance
// needs (spec §4.1): the message store (descriptors + authorization),
// the data store (content-addressed payload bytes), the event log
// (append-only per-tenant change feed for RecordsSubscribe), and the
// task store (resumable background work, spec §4.8). Interfaces are
// kept narrow and implementation-agnostic; pkg/records, pkg/events and
// pkg/tasks depend only on these, never on a concrete driver.
//
// Grounded on the ambient codebase's pkg/store, which splits storage by
// concern (receipt store, outbox store, audit store) behind small
// interfaces rather than one do-everything repository.
package store

import (
	"context"
	"time"

	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"
)

// IndexedMessage is a message as persisted: the envelope plus the flat
// index properties the filter engine matches against (spec §4.2). Index
// values are the already lexicographically-encoded strings for numeric
// and dates so filter.Filter can compare them directly.
type IndexedMessage struct {
	Tenant    string
	Cid       string // MCID, hex/base32 string form
	Message   message.Message
	Indexes   map[string]interface{}
	Latest    bool // true if this is the newest-wins entry among siblings
	PruneRoot bool // true if this write also deletes all descendants (spec §4.4)
}

// MessageStore persists message envelopes and supports filtered lookup
// for RecordsQuery/Read and ProtocolsConfigure (spec §4.1, §4.2, §4.3).
type MessageStore interface {
	// Put inserts or replaces the indexed entry for msg.Cid under tenant.
	Put(ctx context.Context, entry IndexedMessage) error

	// Get returns the stored entry for a specific MCID, or ErrNotFound.
	Get(ctx context.Context, tenant, cid string) (*IndexedMessage, error)

	// Query returns every entry marked Latest that matches any of
	// filters (entries with Latest false are never returned), most recent
	// entries first unless sortProperty is set (ascending on that
	// property). cursor, when non-empty, resumes after a prior page.
	Query(ctx context.Context, tenant string, filters []filter.Filter, sortProperty string, cursor string, limit int) (entries []IndexedMessage, nextCursor string, err error)

	// Delete removes the entry for cid. Returns ErrNotFound if absent.
	Delete(ctx context.Context, tenant, cid string) error

	// ListByRecordID returns every message entry sharing recordId,
	// oldest first — used to find the current newest-wins write and to
	// walk a record's full history for pruning (spec §4.4).
	ListByRecordID(ctx context.Context, tenant, recordID string) ([]IndexedMessage, error)
}

// DataStore persists content-addressed payload bytes for writes whose
// data exceeds the small-payload threshold (spec §4.3 step 6, config
// SmallPayloadThresholdBytes).
type DataStore interface {
	Put(ctx context.Context, tenant, dataCid string, data []byte) error
	Get(ctx context.Context, tenant, dataCid string) ([]byte, error)
	Has(ctx context.Context, tenant, dataCid string) (bool, error)
	Delete(ctx context.Context, tenant, dataCid string) error
}

// Event is one entry in a tenant's append-only change feed (spec §4.9).
type Event struct {
	Tenant    string
	Cid       string
	Message   message.Message
	Sequence  int64
	Timestamp time.Time
}

// EventLog is the append-only feed RecordsSubscribe watches (spec §4.9).
type EventLog interface {
	Append(ctx context.Context, tenant string, msg message.Message) (Event, error)
	// Since returns events with Sequence > afterSeq, oldest first.
	Since(ctx context.Context, tenant string, afterSeq int64) ([]Event, error)
}

// TaskStatus is the lifecycle state of a resumable task (spec §4.8).
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "PENDING"
	TaskStatusLeased  TaskStatus = "LEASED"
	TaskStatusDone    TaskStatus = "DONE"
)

// Task is one unit of resumable background work (spec §4.8): a
// permission-revocation cascade, a protocol migration, anything that
// must survive a process restart mid-flight.
type Task struct {
	ID         string
	Tenant     string
	Kind       string
	Payload    []byte // kind-specific, JSON-encoded
	Status     TaskStatus
	LeaseOwner string
	LeaseUntil time.Time
	CreatedAt  time.Time
}

// TaskStore persists tasks and arbitrates leases so at most one worker
// holds a task at a time (spec §4.8).
type TaskStore interface {
	Register(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Delete(ctx context.Context, id string) error

	// Grab atomically leases up to limit PENDING or lease-expired tasks
	// to owner, extending LeaseUntil by leaseDuration.
	Grab(ctx context.Context, owner string, limit int, leaseDuration time.Duration) ([]Task, error)

	// Extend refreshes a held lease; fails if owner no longer holds it.
	Extend(ctx context.Context, id, owner string, leaseDuration time.Duration) error

	// Pending lists every task not yet Done, for the startup sweep that
	// re-queues leases abandoned by a crashed worker.
	Pending(ctx context.Context) ([]Task, error)
}
