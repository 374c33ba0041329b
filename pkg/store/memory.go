package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"
)

// ErrNotFound is returned by every store's Get/Delete when the key is
// absent. Callers wrap it with dwnerr.KindNotFound at the handler layer.
var ErrNotFound = dwnerr.New(dwnerr.KindNotFound, dwnerr.CodeRecordNotFound, "not found")

// Memory bundles an in-memory implementation of every store contract.
// Data does not survive process restarts; used for tests and
// single-node development deployments (spec §4.1 leaves the backing
// store implementation-defined). Each field is its own type rather than
// one struct implementing all four interfaces, since MessageStore and
// DataStore both declare Put/Get/Delete with different signatures.
type Memory struct {
	Messages *MemoryMessageStore
	Data     *MemoryDataStore
	Events   *MemoryEventLog
	Tasks    *MemoryTaskStore
}

func NewMemory() *Memory {
	slog.Info("store: using in-memory backend, data will not persist across restarts")
	return &Memory{
		Messages: newMemoryMessageStore(),
		Data:     newMemoryDataStore(),
		Events:   newMemoryEventLog(),
		Tasks:    newMemoryTaskStore(),
	}
}

func msgKey(tenant, cid string) string        { return tenant + "\x00" + cid }
func recordKey(tenant, recordID string) string { return tenant + "\x00" + recordID }

func entryTenant(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}

// --- MessageStore ---

type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string]IndexedMessage // tenant+"\x00"+cid -> entry
	byRecord map[string][]string       // tenant+"\x00"+recordId -> cids, insertion order
}

func newMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[string]IndexedMessage),
		byRecord: make(map[string][]string),
	}
}

func (m *MemoryMessageStore) Put(_ context.Context, entry IndexedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msgKey(entry.Tenant, entry.Cid)
	if _, exists := m.messages[key]; !exists {
		rk := recordKey(entry.Tenant, entry.Message.Descriptor.RecordID)
		m.byRecord[rk] = append(m.byRecord[rk], entry.Cid)
	}
	m.messages[key] = entry
	return nil
}

func (m *MemoryMessageStore) Get(_ context.Context, tenant, cid string) (*IndexedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.messages[msgKey(tenant, cid)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := entry
	return &clone, nil
}

func (m *MemoryMessageStore) Delete(_ context.Context, tenant, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msgKey(tenant, cid)
	entry, ok := m.messages[key]
	if !ok {
		return ErrNotFound
	}
	delete(m.messages, key)

	rk := recordKey(tenant, entry.Message.Descriptor.RecordID)
	cids := m.byRecord[rk]
	for i, c := range cids {
		if c == cid {
			m.byRecord[rk] = append(cids[:i], cids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryMessageStore) ListByRecordID(_ context.Context, tenant, recordID string) ([]IndexedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cids := m.byRecord[recordKey(tenant, recordID)]
	out := make([]IndexedMessage, 0, len(cids))
	for _, cid := range cids {
		if entry, ok := m.messages[msgKey(tenant, cid)]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *MemoryMessageStore) Query(_ context.Context, tenant string, filters []filter.Filter, sortProperty string, cursor string, limit int) ([]IndexedMessage, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []IndexedMessage
	for key, entry := range m.messages {
		if entryTenant(key) != tenant {
			continue
		}
		if !entry.Latest {
			continue
		}
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

func sortEntries(entries []IndexedMessage, sortProperty string) {
	if sortProperty == "" {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Message.Descriptor.MessageTimestamp > entries[j].Message.Descriptor.MessageTimestamp
		})
		return
	}
	sort.SliceStable(entries, func(i, j int) bool {
		vi, _ := entries[i].Indexes[sortProperty].(string)
		vj, _ := entries[j].Indexes[sortProperty].(string)
		return vi < vj
	})
}

// --- DataStore ---

type MemoryDataStore struct {
	mu   sync.RWMutex
	data map[string][]byte // tenant+"\x00"+dataCid -> bytes
}

func newMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{data: make(map[string][]byte)}
}

func (m *MemoryDataStore) Put(_ context.Context, tenant, dataCid string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[msgKey(tenant, dataCid)] = cp
	return nil
}

func (m *MemoryDataStore) Get(_ context.Context, tenant, dataCid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[msgKey(tenant, dataCid)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (m *MemoryDataStore) Has(_ context.Context, tenant, dataCid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[msgKey(tenant, dataCid)]
	return ok, nil
}

func (m *MemoryDataStore) Delete(_ context.Context, tenant, dataCid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := msgKey(tenant, dataCid)
	if _, ok := m.data[key]; !ok {
		return ErrNotFound
	}
	delete(m.data, key)
	return nil
}

// --- EventLog ---

type MemoryEventLog struct {
	mu     sync.RWMutex
	events map[string][]Event // tenant -> events, Sequence ascending
	seq    map[string]int64
}

func newMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make(map[string][]Event), seq: make(map[string]int64)}
}

func (m *MemoryEventLog) Append(_ context.Context, tenant string, msg message.Message) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cid, err := msg.CID()
	if err != nil {
		return Event{}, err
	}
	m.seq[tenant]++
	ev := Event{
		Tenant:    tenant,
		Cid:       cid.String(),
		Message:   msg,
		Sequence:  m.seq[tenant],
		Timestamp: time.Now().UTC(),
	}
	m.events[tenant] = append(m.events[tenant], ev)
	return ev, nil
}

func (m *MemoryEventLog) Since(_ context.Context, tenant string, afterSeq int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, ev := range m.events[tenant] {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// --- TaskStore ---

type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func newMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

func (m *MemoryTaskStore) Register(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryTaskStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := t
	return &clone, nil
}

func (m *MemoryTaskStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryTaskStore) Grab(_ context.Context, owner string, limit int, leaseDuration time.Duration) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var grabbed []Task
	for id, t := range m.tasks {
		if len(grabbed) >= limit {
			break
		}
		if t.Status == TaskStatusDone {
			continue
		}
		if t.Status == TaskStatusLeased && t.LeaseUntil.After(now) {
			continue
		}
		t.Status = TaskStatusLeased
		t.LeaseOwner = owner
		t.LeaseUntil = now.Add(leaseDuration)
		m.tasks[id] = t
		grabbed = append(grabbed, t)
	}
	return grabbed, nil
}

func (m *MemoryTaskStore) Extend(_ context.Context, id, owner string, leaseDuration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.LeaseOwner != owner {
		return dwnerr.New(dwnerr.KindConflict, dwnerr.CodeOlderVersion, "task lease held by another owner")
	}
	t.LeaseUntil = time.Now().UTC().Add(leaseDuration)
	m.tasks[id] = t
	return nil
}

func (m *MemoryTaskStore) Pending(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Status != TaskStatusDone {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var (
	_ MessageStore = (*MemoryMessageStore)(nil)
	_ DataStore    = (*MemoryDataStore)(nil)
	_ EventLog     = (*MemoryEventLog)(nil)
	_ TaskStore    = (*MemoryTaskStore)(nil)
)
