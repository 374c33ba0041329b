package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/store"
)

func putAncestor(t *testing.T, s store.MessageStore, tenant, recordID, protocolPath, author, recipient string) {
	t.Helper()
	msg := message.Message{Descriptor: message.Descriptor{
		Interface:        message.InterfaceRecords,
		Method:           message.MethodWrite,
		RecordID:         recordID,
		ProtocolPath:     protocolPath,
		Recipient:        recipient,
		MessageTimestamp: "2026-01-01T00:00:00.000000Z",
	}}
	require.NoError(t, s.Put(context.Background(), store.IndexedMessage{
		Tenant:  tenant,
		Cid:     recordID,
		Message: msg,
		Indexes: map[string]interface{}{"author": author, "protocolPath": protocolPath, "recipient": recipient},
		Latest:  true,
	}))
}

func TestEngine_Authorize_AnyoneRule(t *testing.T) {
	messages := store.NewMemory().Messages
	cache := NewCache()
	def := &Definition{
		Protocol: "https://example.com/proto",
		Structure: map[string]StructureNode{
			"foo": {Actions: []Rule{{Who: WhoAnyone, Can: []string{ActionCreate}}}},
		},
	}
	_, err := cache.Install("did:example:alice", def, "2026-01-01T00:00:00.000000Z")
	require.NoError(t, err)

	engine := NewEngine(cache, messages)
	err = engine.Authorize(context.Background(), Request{
		Tenant:       "did:example:alice",
		ProtocolURI:  "https://example.com/proto",
		ProtocolPath: "foo",
		Author:       "did:example:bob",
		Actions:      []string{ActionCreate},
	})
	require.NoError(t, err)
}

func TestEngine_Authorize_AuthorOfAncestorRule(t *testing.T) {
	messages := store.NewMemory().Messages
	putAncestor(t, messages, "did:example:alice", "root-1", "foo", "did:example:bob", "")

	cache := NewCache()
	def := &Definition{
		Protocol: "https://example.com/proto",
		Structure: map[string]StructureNode{
			"foo": {Children: map[string]StructureNode{
				"bar": {Actions: []Rule{{Who: WhoAuthor, Of: "foo", Can: []string{ActionCreate}}}},
			}},
		},
	}
	_, err := cache.Install("did:example:alice", def, "2026-01-01T00:00:00.000000Z")
	require.NoError(t, err)

	engine := NewEngine(cache, messages)

	err = engine.Authorize(context.Background(), Request{
		Tenant:       "did:example:alice",
		ProtocolURI:  "https://example.com/proto",
		ProtocolPath: "foo/bar",
		ParentID:     "root-1",
		Author:       "did:example:bob",
		Actions:      []string{ActionCreate},
	})
	require.NoError(t, err)

	err = engine.Authorize(context.Background(), Request{
		Tenant:       "did:example:alice",
		ProtocolURI:  "https://example.com/proto",
		ProtocolPath: "foo/bar",
		ParentID:     "root-1",
		Author:       "did:example:carol",
		Actions:      []string{ActionCreate},
	})
	require.Error(t, err)
}

func TestEngine_Authorize_MissingProtocolDenies(t *testing.T) {
	messages := store.NewMemory().Messages
	engine := NewEngine(NewCache(), messages)
	err := engine.Authorize(context.Background(), Request{
		Tenant:      "did:example:alice",
		ProtocolURI: "https://example.com/proto",
		Actions:     []string{ActionCreate},
	})
	require.Error(t, err)
}

func TestEngine_Authorize_RoleInvocation(t *testing.T) {
	messages := store.NewMemory().Messages
	// Role record: Alice wrote an "admin" record naming Bob as recipient.
	require.NoError(t, messages.Put(context.Background(), store.IndexedMessage{
		Tenant: "did:example:alice",
		Cid:    "role-rec-1",
		Message: message.Message{Descriptor: message.Descriptor{
			Interface: message.InterfaceRecords, Method: message.MethodWrite,
			RecordID: "role-rec-1", ProtocolPath: "admin", Recipient: "did:example:bob",
			MessageTimestamp: "2026-01-01T00:00:00.000000Z",
		}},
		Indexes: map[string]interface{}{"protocolPath": "admin", "recipient": "did:example:bob"},
		Latest:  true,
	}))

	cache := NewCache()
	def := &Definition{
		Protocol: "https://example.com/proto",
		Structure: map[string]StructureNode{
			"admin": {Role: true},
			"foo":   {Actions: []Rule{{Role: "admin", Can: []string{ActionCreate}}}},
		},
	}
	_, err := cache.Install("did:example:alice", def, "2026-01-01T00:00:00.000000Z")
	require.NoError(t, err)

	engine := NewEngine(cache, messages)
	err = engine.Authorize(context.Background(), Request{
		Tenant:       "did:example:alice",
		ProtocolURI:  "https://example.com/proto",
		ProtocolPath: "foo",
		Author:       "did:example:bob",
		Actions:      []string{ActionCreate},
		InvokedRole:  "admin",
	})
	require.NoError(t, err)
}
