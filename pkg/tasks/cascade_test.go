package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/records"
	"github.com/opendwn/core/pkg/store"
)

const tenant = "did:example:tenant"

func putEntry(t *testing.T, messages store.MessageStore, cid, recordID, grantID, contextID, ts string) {
	t.Helper()
	require.NoError(t, messages.Put(context.Background(), store.IndexedMessage{
		Tenant: tenant,
		Cid:    cid,
		Message: message.Message{
			Descriptor: message.Descriptor{
				Interface:        message.InterfaceRecords,
				Method:           message.MethodWrite,
				RecordID:         recordID,
				ContextID:        contextID,
				MessageTimestamp: ts,
			},
		},
		Indexes: map[string]interface{}{
			"recordId":         recordID,
			"contextId":        contextID,
			"permissionGrantId": grantID,
		},
		Latest: true,
	}))
}

func TestRevocationCascadeRunner_DeletesOnOrAfterRevocation(t *testing.T) {
	mem := store.NewMemory()
	putEntry(t, mem.Messages, "cid-before", "rec-before", "grant-1", "", "2026-01-01T00:00:00Z")
	putEntry(t, mem.Messages, "cid-after", "rec-after", "grant-1", "", "2026-06-01T00:00:00Z")
	putEntry(t, mem.Messages, "cid-other-grant", "rec-other", "grant-2", "", "2026-06-01T00:00:00Z")

	payload, err := json.Marshal(records.RevocationCascadePayload{
		Tenant:             tenant,
		GrantRecordID:      "grant-1",
		NotBeforeTimestamp: "2026-03-01T00:00:00Z",
	})
	require.NoError(t, err)

	runner := NewRevocationCascadeRunner(mem.Messages, mem.Data)
	require.NoError(t, runner(context.Background(), store.Task{Payload: payload}))

	_, err = mem.Messages.Get(context.Background(), tenant, "cid-after")
	require.Error(t, err) // on-or-after the revocation: deleted

	_, err = mem.Messages.Get(context.Background(), tenant, "cid-before")
	require.NoError(t, err) // predates the revocation: kept

	_, err = mem.Messages.Get(context.Background(), tenant, "cid-other-grant")
	require.NoError(t, err) // different grant entirely: untouched
}

func TestRevocationCascadeRunner_ReleasesUnreferencedDataObject(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Data.Put(context.Background(), tenant, "data-cid-1", []byte("payload")))
	require.NoError(t, mem.Messages.Put(context.Background(), store.IndexedMessage{
		Tenant: tenant,
		Cid:    "cid-with-data",
		Message: message.Message{
			Descriptor: message.Descriptor{
				Interface:        message.InterfaceRecords,
				Method:           message.MethodWrite,
				RecordID:         "rec-with-data",
				DataCID:          "data-cid-1",
				MessageTimestamp: "2026-06-01T00:00:00Z",
			},
		},
		Indexes: map[string]interface{}{
			"recordId":          "rec-with-data",
			"permissionGrantId": "grant-1",
		},
		Latest: true,
	}))

	payload, err := json.Marshal(records.RevocationCascadePayload{
		Tenant:             tenant,
		GrantRecordID:      "grant-1",
		NotBeforeTimestamp: "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	runner := NewRevocationCascadeRunner(mem.Messages, mem.Data)
	require.NoError(t, runner(context.Background(), store.Task{Payload: payload}))

	has, err := mem.Data.Has(context.Background(), tenant, "data-cid-1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestPruneCascadeRunner_DeletesDescendantsByContextPrefix(t *testing.T) {
	mem := store.NewMemory()
	putEntry(t, mem.Messages, "cid-root", "rec-root", "", "ctx-root", "2026-01-01T00:00:00Z")
	putEntry(t, mem.Messages, "cid-child", "rec-child", "", "ctx-root/child", "2026-01-01T00:00:00Z")
	putEntry(t, mem.Messages, "cid-grandchild", "rec-grandchild", "", "ctx-root/child/grandchild", "2026-01-01T00:00:00Z")
	putEntry(t, mem.Messages, "cid-unrelated", "rec-unrelated", "", "ctx-other", "2026-01-01T00:00:00Z")

	payload, err := json.Marshal(records.PruneCascadePayload{
		Tenant:        tenant,
		RootRecordID:  "rec-root",
		RootContextID: "ctx-root",
	})
	require.NoError(t, err)

	runner := NewPruneCascadeRunner(mem.Messages, mem.Data)
	require.NoError(t, runner(context.Background(), store.Task{Payload: payload}))

	_, err = mem.Messages.Get(context.Background(), tenant, "cid-child")
	require.Error(t, err)
	_, err = mem.Messages.Get(context.Background(), tenant, "cid-grandchild")
	require.Error(t, err)

	_, err = mem.Messages.Get(context.Background(), tenant, "cid-unrelated")
	require.NoError(t, err)

	// the root's own record is the caller's responsibility (it is
	// already tombstoned by HandleDelete before the task is enqueued),
	// not something this runner re-deletes
	_, err = mem.Messages.Get(context.Background(), tenant, "cid-root")
	require.NoError(t, err)
}

func TestPruneCascadeRunner_NoContextIDIsNoop(t *testing.T) {
	mem := store.NewMemory()
	putEntry(t, mem.Messages, "cid-lone", "rec-lone", "", "", "2026-01-01T00:00:00Z")

	payload, err := json.Marshal(records.PruneCascadePayload{
		Tenant:       tenant,
		RootRecordID: "rec-lone",
	})
	require.NoError(t, err)

	runner := NewPruneCascadeRunner(mem.Messages, mem.Data)
	require.NoError(t, runner(context.Background(), store.Task{Payload: payload}))

	_, err = mem.Messages.Get(context.Background(), tenant, "cid-lone")
	require.NoError(t, err)
}
