package records

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/permissions"
	"github.com/opendwn/core/pkg/protocol"
	"github.com/opendwn/core/pkg/store"
)

func newWriteMsg(recordID string) *message.Message {
	return &message.Message{
		Descriptor: message.Descriptor{
			Interface:        message.InterfaceRecords,
			Method:           message.MethodWrite,
			MessageTimestamp: message.Now(),
			RecordID:         recordID,
			DateCreated:      message.Now(),
			Schema:           "https://example.com/schemas/note",
			DataFormat:       "application/json",
		},
	}
}

func TestHandleWrite_InitialWriteAcceptedByOwner(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	msg := newWriteMsg("")
	owner.sign(t, msg)

	reply, err := h.handler.HandleWrite(context.Background(), tenant, msg, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, reply.Outcome)
	require.True(t, reply.IsLatestBaseState)
	require.NotEmpty(t, reply.RecordID)

	stored, err := h.mem.Messages.Get(context.Background(), tenant, reply.Cid)
	require.NoError(t, err)
	require.True(t, stored.Latest)
	require.Equal(t, reply.RecordID, stored.Indexes["recordId"])
}

func TestHandleWrite_RejectsUnauthenticatedMessage(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"

	msg := newWriteMsg("")
	_, err := h.handler.HandleWrite(context.Background(), tenant, msg, nil)
	require.Error(t, err)

	var derr *dwnerr.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, dwnerr.KindAuth, derr.Kind)
}

func TestHandleWrite_RejectsNonOwnerNonAuthorWithoutGrantOrProtocol(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	stranger := h.newParty("did:example:stranger")

	msg := newWriteMsg("")
	stranger.sign(t, msg)

	_, err := h.handler.HandleWrite(context.Background(), tenant, msg, nil)
	require.Error(t, err)

	var derr *dwnerr.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, dwnerr.KindAuth, derr.Kind)
	require.Equal(t, dwnerr.CodeRuleNotMatched, derr.Code)
}

func TestHandleWrite_UpdateAfterInitialWriteAccepted(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	initial := newWriteMsg("")
	owner.sign(t, initial)
	first, err := h.handler.HandleWrite(context.Background(), tenant, initial, nil)
	require.NoError(t, err)

	update := newWriteMsg(first.RecordID)
	update.Descriptor.DateCreated = initial.Descriptor.DateCreated
	update.Descriptor.Schema = initial.Descriptor.Schema
	update.Descriptor.MessageTimestamp = message.Now()
	owner.sign(t, update)

	reply, err := h.handler.HandleWrite(context.Background(), tenant, update, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, reply.Outcome)
	require.Equal(t, first.RecordID, reply.RecordID)

	// the old entry's Latest flag must have been cleared
	old, err := h.mem.Messages.Get(context.Background(), tenant, first.Cid)
	require.NoError(t, err)
	require.False(t, old.Latest)
}

func TestHandleWrite_RejectsImmutablePropertyChange(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	initial := newWriteMsg("")
	owner.sign(t, initial)
	first, err := h.handler.HandleWrite(context.Background(), tenant, initial, nil)
	require.NoError(t, err)

	update := newWriteMsg(first.RecordID)
	update.Descriptor.DateCreated = initial.Descriptor.DateCreated
	update.Descriptor.Schema = "https://example.com/schemas/different" // changed
	update.Descriptor.MessageTimestamp = message.Now()
	owner.sign(t, update)

	_, err = h.handler.HandleWrite(context.Background(), tenant, update, nil)
	require.Error(t, err)

	var derr *dwnerr.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, dwnerr.KindIntegrity, derr.Kind)
	require.Equal(t, dwnerr.CodeImmutablePropertyMismatch, derr.Code)
}

func TestHandleWrite_StaleMessageYieldsConflictNotError(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	initial := newWriteMsg("")
	owner.sign(t, initial)
	first, err := h.handler.HandleWrite(context.Background(), tenant, initial, nil)
	require.NoError(t, err)

	newer := newWriteMsg(first.RecordID)
	newer.Descriptor.DateCreated = initial.Descriptor.DateCreated
	newer.Descriptor.Schema = initial.Descriptor.Schema
	newer.Descriptor.MessageTimestamp = "2099-01-01T00:00:00Z"
	owner.sign(t, newer)
	_, err = h.handler.HandleWrite(context.Background(), tenant, newer, nil)
	require.NoError(t, err)

	stale := newWriteMsg(first.RecordID)
	stale.Descriptor.DateCreated = initial.Descriptor.DateCreated
	stale.Descriptor.Schema = initial.Descriptor.Schema
	stale.Descriptor.MessageTimestamp = "2000-01-01T00:00:00Z"
	owner.sign(t, stale)

	reply, err := h.handler.HandleWrite(context.Background(), tenant, stale, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, reply.Outcome)
}

func TestHandleWrite_SmallPayloadEmbedded(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	payload := []byte(`{"hello":"world"}`)
	cid := dataCID(t, payload)

	msg := newWriteMsg("")
	msg.Descriptor.DataCID = cid
	msg.Descriptor.DataSize = int64(len(payload))
	owner.sign(t, msg)

	reply, err := h.handler.HandleWrite(context.Background(), tenant, msg, bytesReader(payload))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, reply.Outcome)

	stored, err := h.mem.Messages.Get(context.Background(), tenant, reply.Cid)
	require.NoError(t, err)
	require.NotEmpty(t, stored.Message.EncodedData)
}

func TestHandleWrite_LargePayloadRoutedToDataStore(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i)
	}
	cid := dataCID(t, payload)

	msg := newWriteMsg("")
	msg.Descriptor.DataCID = cid
	msg.Descriptor.DataSize = int64(len(payload))
	owner.sign(t, msg)

	reply, err := h.handler.HandleWrite(context.Background(), tenant, msg, bytesReader(payload))
	require.NoError(t, err)

	stored, err := h.mem.Messages.Get(context.Background(), tenant, reply.Cid)
	require.NoError(t, err)
	require.Empty(t, stored.Message.EncodedData)

	has, err := h.mem.Data.Has(context.Background(), tenant, cid)
	require.NoError(t, err)
	require.True(t, has)
}

func TestHandleWrite_DataCIDMismatchRejected(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	payload := []byte("actual payload")
	msg := newWriteMsg("")
	msg.Descriptor.DataCID = dataCID(t, []byte("different payload"))
	msg.Descriptor.DataSize = int64(len(payload))
	owner.sign(t, msg)

	_, err := h.handler.HandleWrite(context.Background(), tenant, msg, bytesReader(payload))
	require.Error(t, err)

	var derr *dwnerr.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, dwnerr.CodeDataCidMismatch, derr.Code)
}

func TestHandleWrite_InheritsDataOnUpdateWithoutNewStream(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	payload := []byte(`{"hello":"world"}`)
	cid := dataCID(t, payload)

	initial := newWriteMsg("")
	initial.Descriptor.DataCID = cid
	initial.Descriptor.DataSize = int64(len(payload))
	owner.sign(t, initial)
	first, err := h.handler.HandleWrite(context.Background(), tenant, initial, bytesReader(payload))
	require.NoError(t, err)

	update := newWriteMsg(first.RecordID)
	update.Descriptor.DateCreated = initial.Descriptor.DateCreated
	update.Descriptor.Schema = initial.Descriptor.Schema
	update.Descriptor.DataCID = cid
	update.Descriptor.DataSize = int64(len(payload))
	update.Descriptor.MessageTimestamp = message.Now()
	owner.sign(t, update)

	reply, err := h.handler.HandleWrite(context.Background(), tenant, update, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, reply.Outcome)

	stored, err := h.mem.Messages.Get(context.Background(), tenant, reply.Cid)
	require.NoError(t, err)
	require.NotEqual(t, first.Cid, stored.Cid)
	require.NotEmpty(t, stored.Message.EncodedData)
}

func TestHandleWrite_PrunesPredecessorsKeepingInitialAndNewest(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	owner := h.newParty(tenant)

	initial := newWriteMsg("")
	owner.sign(t, initial)
	first, err := h.handler.HandleWrite(context.Background(), tenant, initial, nil)
	require.NoError(t, err)

	update := newWriteMsg(first.RecordID)
	update.Descriptor.DateCreated = initial.Descriptor.DateCreated
	update.Descriptor.Schema = initial.Descriptor.Schema
	update.Descriptor.MessageTimestamp = message.Now()
	owner.sign(t, update)
	second, err := h.handler.HandleWrite(context.Background(), tenant, update, nil)
	require.NoError(t, err)

	entries, err := h.mem.Messages.ListByRecordID(context.Background(), tenant, first.RecordID)
	require.NoError(t, err)
	require.Len(t, entries, 2) // initial write + newest, stale middle versions pruned

	var sawInitial, sawNewest bool
	for _, e := range entries {
		if e.Cid == first.Cid {
			sawInitial = true
		}
		if e.Cid == second.Cid {
			sawNewest = true
		}
	}
	require.True(t, sawInitial)
	require.True(t, sawNewest)
}

// signedGrant builds a permissions grant RecordsWrite, signed by grantor,
// with its descriptor.recordId set so both the embedded-grant check in
// authenticate and the store-backed check in Grants.Validate key off the
// same id.
func signedGrant(t *testing.T, grantor *party, grantRecordID string, data permissions.GrantData) *message.Message {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	grant := &message.Message{
		Descriptor: message.Descriptor{
			Interface:        message.InterfaceRecords,
			Method:           message.MethodWrite,
			RecordID:         grantRecordID,
			Protocol:         permissions.ProtocolURI,
			ProtocolPath:     permissions.PathGrant,
			DataFormat:       "application/json",
			MessageTimestamp: message.Now(),
		},
		EncodedData: base64.RawURLEncoding.EncodeToString(raw),
	}
	grantor.sign(t, grant)
	return grant
}

func putGrantRecord(t *testing.T, h *harness, tenant string, grant *message.Message) {
	t.Helper()
	require.NoError(t, h.mem.Messages.Put(context.Background(), store.IndexedMessage{
		Tenant:  tenant,
		Cid:     grant.Descriptor.RecordID,
		Message: *grant,
		Indexes: map[string]interface{}{"protocol": permissions.ProtocolURI, "protocolPath": permissions.PathGrant},
		Latest:  true,
	}))
}

func putGrantRevocation(t *testing.T, h *harness, tenant, grantRecordID string) {
	t.Helper()
	require.NoError(t, h.mem.Messages.Put(context.Background(), store.IndexedMessage{
		Tenant: tenant,
		Cid:    grantRecordID + "-revocation",
		Message: message.Message{Descriptor: message.Descriptor{
			Interface:        message.InterfaceRecords,
			Method:           message.MethodWrite,
			ParentID:         grantRecordID,
			Protocol:         permissions.ProtocolURI,
			ProtocolPath:     permissions.PathGrantRevocation,
			MessageTimestamp: message.Now(),
		}},
		Indexes: map[string]interface{}{
			"protocol":     permissions.ProtocolURI,
			"protocolPath": permissions.PathGrantRevocation,
			"parentId":     grantRecordID,
		},
		Latest: true,
	}))
}

func TestHandleWrite_RevokedAuthorDelegatedGrantRejected(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	grantor := h.newParty(tenant) // the common case: tenant delegates to an app, signing as itself
	delegate := h.newParty("did:example:delegate")

	grant := signedGrant(t, grantor, "grant-1", permissions.GrantData{
		DateExpires: time.Now().UTC().Add(24 * time.Hour).Format("2006-01-02T15:04:05.000000Z"),
		GrantedTo:   delegate.did,
		Delegated:   true,
		Scope:       permissions.Scope{Interface: message.InterfaceRecords, Method: message.MethodWrite, Schema: "https://example.com/schemas/note"},
	})
	putGrantRecord(t, h, tenant, grant)
	putGrantRevocation(t, h, tenant, "grant-1")

	msg := newWriteMsg("")
	delegate.sign(t, msg)
	msg.Authorization.AuthorDelegatedGrant = grant

	_, err := h.handler.HandleWrite(context.Background(), tenant, msg, nil)
	require.Error(t, err)

	var derr *dwnerr.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, dwnerr.CodeGrantRevoked, derr.Code)
}

func TestHandleWrite_AuthorDelegatedGrantWrongGranteeRejected(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	grantor := h.newParty(tenant)
	delegate := h.newParty("did:example:delegate")
	impersonator := h.newParty("did:example:impersonator")

	grant := signedGrant(t, grantor, "grant-1", permissions.GrantData{
		DateExpires: time.Now().UTC().Add(24 * time.Hour).Format("2006-01-02T15:04:05.000000Z"),
		GrantedTo:   delegate.did, // granted to delegate, not impersonator
		Delegated:   true,
		Scope:       permissions.Scope{Interface: message.InterfaceRecords, Method: message.MethodWrite, Schema: "https://example.com/schemas/note"},
	})
	putGrantRecord(t, h, tenant, grant)

	msg := newWriteMsg("")
	impersonator.sign(t, msg) // signed by someone other than the grant's grantedTo
	msg.Authorization.AuthorDelegatedGrant = grant

	_, err := h.handler.HandleWrite(context.Background(), tenant, msg, nil)
	require.Error(t, err)

	var derr *dwnerr.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, dwnerr.KindAuth, derr.Kind)
	require.Equal(t, dwnerr.CodeGrantWrongGrantee, derr.Code)
}

func TestHandleWrite_AuthorDelegatedGrantAcceptedWhenValid(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	grantor := h.newParty(tenant)
	delegate := h.newParty("did:example:delegate")

	grant := signedGrant(t, grantor, "grant-1", permissions.GrantData{
		DateExpires: time.Now().UTC().Add(24 * time.Hour).Format("2006-01-02T15:04:05.000000Z"),
		GrantedTo:   delegate.did,
		Delegated:   true,
		Scope:       permissions.Scope{Interface: message.InterfaceRecords, Method: message.MethodWrite, Schema: "https://example.com/schemas/note"},
	})
	putGrantRecord(t, h, tenant, grant)

	msg := newWriteMsg("")
	delegate.sign(t, msg)
	msg.Authorization.AuthorDelegatedGrant = grant

	reply, err := h.handler.HandleWrite(context.Background(), tenant, msg, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, reply.Outcome)
}

func TestHandleWrite_CoUpdateRejectedWithoutExplicitGrant(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	author := h.newParty("did:example:author")
	other := h.newParty("did:example:other")

	def := &protocol.Definition{
		Protocol: "https://example.com/proto",
		Structure: map[string]protocol.StructureNode{
			"note": {Actions: []protocol.Rule{{Who: protocol.WhoAnyone, Can: []string{protocol.ActionCreate, protocol.ActionUpdate}}}},
		},
	}
	_, err := h.handler.Cache.Install(tenant, def, message.Now())
	require.NoError(t, err)

	create := newWriteMsg("")
	create.Descriptor.Protocol = def.Protocol
	create.Descriptor.ProtocolPath = "note"
	author.sign(t, create)
	first, err := h.handler.HandleWrite(context.Background(), tenant, create, nil)
	require.NoError(t, err)

	update := newWriteMsg(first.RecordID)
	update.Descriptor.Protocol = create.Descriptor.Protocol
	update.Descriptor.ProtocolPath = create.Descriptor.ProtocolPath
	update.Descriptor.DateCreated = create.Descriptor.DateCreated
	update.Descriptor.Schema = create.Descriptor.Schema
	update.Descriptor.MessageTimestamp = message.Now()
	other.sign(t, update) // not the creating author

	_, err = h.handler.HandleWrite(context.Background(), tenant, update, nil)
	require.Error(t, err)

	var derr *dwnerr.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, dwnerr.CodeRuleNotMatched, derr.Code)
}

func TestHandleWrite_CoUpdateAcceptedWhenGranted(t *testing.T) {
	h := newHarness(t)
	tenant := "did:example:tenant"
	author := h.newParty("did:example:author")
	other := h.newParty("did:example:other")

	def := &protocol.Definition{
		Protocol: "https://example.com/proto",
		Structure: map[string]protocol.StructureNode{
			"note": {Actions: []protocol.Rule{{Who: protocol.WhoAnyone, Can: []string{protocol.ActionCreate, protocol.ActionUpdate, protocol.ActionCoUpdate}}}},
		},
	}
	_, err := h.handler.Cache.Install(tenant, def, message.Now())
	require.NoError(t, err)

	create := newWriteMsg("")
	create.Descriptor.Protocol = def.Protocol
	create.Descriptor.ProtocolPath = "note"
	author.sign(t, create)
	first, err := h.handler.HandleWrite(context.Background(), tenant, create, nil)
	require.NoError(t, err)

	update := newWriteMsg(first.RecordID)
	update.Descriptor.Protocol = create.Descriptor.Protocol
	update.Descriptor.ProtocolPath = create.Descriptor.ProtocolPath
	update.Descriptor.DateCreated = create.Descriptor.DateCreated
	update.Descriptor.Schema = create.Descriptor.Schema
	update.Descriptor.MessageTimestamp = message.Now()
	other.sign(t, update)

	reply, err := h.handler.HandleWrite(context.Background(), tenant, update, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, reply.Outcome)
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
