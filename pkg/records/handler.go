// Package records implements the RecordsWrite/Delete/Query/Read/Subscribe
// handlers (spec §4.3, §4.4, §4.7): the central subsystem that turns an
// authenticated, authorized message into durable record state and an
// event-stream emission.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opendwn/core/pkg/config"
	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/events"
	"github.com/opendwn/core/pkg/identity"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/permissions"
	"github.com/opendwn/core/pkg/protocol"
	"github.com/opendwn/core/pkg/schema"
	"github.com/opendwn/core/pkg/store"
)

// Handler wires every collaborator the write/delete/query pipelines need.
// Grounded on the ambient codebase's SafeExecutor: one struct per
// subsystem holding its store/verifier/policy dependencies, with the
// pipeline itself expressed as small, numbered private methods on it.
type Handler struct {
	Messages  store.MessageStore
	Data      store.DataStore
	Events    store.EventLog
	Tasks     store.TaskStore
	Stream    *events.Stream
	Envelope  *schema.Validator
	Verifier  *identity.Verifier
	Protocols *protocol.Engine
	Cache     *protocol.Cache
	Grants    *permissions.Engine
	Cfg       *config.Config
	Log       *slog.Logger
}

func NewHandler(
	messages store.MessageStore,
	data store.DataStore,
	eventLog store.EventLog,
	tasks store.TaskStore,
	stream *events.Stream,
	verifier *identity.Verifier,
	protocols *protocol.Engine,
	cache *protocol.Cache,
	grants *permissions.Engine,
	cfg *config.Config,
) (*Handler, error) {
	envelope, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("records: build envelope validator: %w", err)
	}
	return &Handler{
		Messages:  messages,
		Data:      data,
		Events:    eventLog,
		Tasks:     tasks,
		Stream:    stream,
		Envelope:  envelope,
		Verifier:  verifier,
		Protocols: protocols,
		Cache:     cache,
		Grants:    grants,
		Cfg:       cfg,
		Log:       slog.Default(),
	}, nil
}

// Outcome is the success-class result of a write/delete pipeline. A
// Conflict outcome is NOT an error (spec §4.3 step 5): the message was
// understood and rejected only because a newer version already won.
type Outcome string

const (
	OutcomeAccepted   Outcome = "ACCEPTED"
	OutcomeConflict   Outcome = "CONFLICT"
	OutcomeTombstoned Outcome = "TOMBSTONED"
)

// Reply is returned by every handler in this package.
type Reply struct {
	Outcome           Outcome
	Cid               string
	RecordID          string
	IsLatestBaseState bool
}

// descriptorMap round-trips a Descriptor through JSON into a generic map,
// the shape both pkg/schema's validator and the index builder need.
func descriptorMap(d message.Descriptor) (map[string]interface{}, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("records: marshal descriptor: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("records: unmarshal descriptor: %w", err)
	}
	return m, nil
}

// principals is the resolved logical author/owner of an incoming message
// (spec §4.3 step 3).
type principals struct {
	Signer       identity.Signer
	Author       string
	Owner        string // empty if no ownerSignature present
	GrantID      string // permissionGrantId from the signature payload, if any
	Delegated    bool
	ProtocolRole string // protocolRole claimed by the signer, if any

	// InvokingSigner is the DID that actually produced the top-level
	// signature, before any authorDelegatedGrant substitutes Author with
	// the grantor's DID. It is the grantee a delegated grant's grantedTo
	// must name.
	InvokingSigner string

	// DelegatedGrantID/OwnerGrantID name the grant record backing
	// authorDelegatedGrant/ownerDelegatedGrant respectively, each
	// validated (scope, revocation, expiry, grantedTo) against its own
	// invoking signer — authorizeWrite never treats these grants as
	// already-proven just because the embedded grant's own signature
	// verified.
	DelegatedGrantID string
	OwnerDelegated   bool
	OwnerGrantID     string
	OwnerSigner      string // the DID that produced ownerSignature, before ownerDelegatedGrant substitution
}

// authenticate verifies every JWS envelope present on msg.Authorization
// and resolves the logical author/owner (spec §4.3 step 2-3a).
func (h *Handler) authenticate(ctx context.Context, msg *message.Message) (*principals, error) {
	if msg.Authorization == nil || msg.Authorization.Signature == "" {
		return nil, dwnerr.New(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "message carries no authorization signature")
	}

	mcid, err := msg.CID()
	if err != nil {
		return nil, dwnerr.Wrap(dwnerr.KindMalformed, dwnerr.CodeSchemaInvalid, "compute message content id", err)
	}

	signed, err := h.Verifier.Verify(ctx, msg.Authorization.Signature)
	if err != nil {
		return nil, dwnerr.Wrap(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "signature verification failed", err)
	}
	if signed.Payload.DescriptorCid != mcid.String() {
		return nil, dwnerr.New(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "signature does not cover this message's descriptor")
	}

	p := &principals{
		Signer:         signed.Signer,
		Author:         signed.Signer.DID,
		InvokingSigner: signed.Signer.DID,
		GrantID:        signed.Payload.PermissionGrantID,
		ProtocolRole:   signed.Payload.ProtocolRole,
	}

	if msg.Authorization.AuthorDelegatedGrant != nil {
		grant := msg.Authorization.AuthorDelegatedGrant
		if grant.Authorization == nil || grant.Authorization.Signature == "" {
			return nil, dwnerr.New(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "authorDelegatedGrant is unsigned")
		}
		grantorSigned, err := h.Verifier.Verify(ctx, grant.Authorization.Signature)
		if err != nil {
			return nil, dwnerr.Wrap(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "authorDelegatedGrant signature verification failed", err)
		}
		grantData, err := permissions.DecodeGrantData(grant)
		if err != nil {
			return nil, dwnerr.Wrap(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "decode authorDelegatedGrant data", err)
		}
		if grantData.GrantedTo != p.InvokingSigner {
			return nil, dwnerr.New(dwnerr.KindAuth, dwnerr.CodeGrantWrongGrantee, "authorDelegatedGrant was not granted to this message's signer")
		}
		p.Author = grantorSigned.Signer.DID
		p.Delegated = true
		p.DelegatedGrantID = grant.Descriptor.RecordID
		if p.DelegatedGrantID == "" {
			mc, err := grant.CID()
			if err == nil {
				p.DelegatedGrantID = mc.String()
			}
		}
	}

	if msg.Authorization.OwnerSignature != "" {
		ownerSigned, err := h.Verifier.Verify(ctx, msg.Authorization.OwnerSignature)
		if err != nil {
			return nil, dwnerr.Wrap(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "ownerSignature verification failed", err)
		}
		owner := ownerSigned.Signer.DID
		p.OwnerSigner = owner
		if msg.Authorization.OwnerDelegatedGrant != nil {
			grant := msg.Authorization.OwnerDelegatedGrant
			if grant.Authorization == nil || grant.Authorization.Signature == "" {
				return nil, dwnerr.New(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "ownerDelegatedGrant is unsigned")
			}
			grantorSigned, err := h.Verifier.Verify(ctx, grant.Authorization.Signature)
			if err != nil {
				return nil, dwnerr.Wrap(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "ownerDelegatedGrant signature verification failed", err)
			}
			grantData, err := permissions.DecodeGrantData(grant)
			if err != nil {
				return nil, dwnerr.Wrap(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "decode ownerDelegatedGrant data", err)
			}
			if grantData.GrantedTo != p.OwnerSigner {
				return nil, dwnerr.New(dwnerr.KindAuth, dwnerr.CodeGrantWrongGrantee, "ownerDelegatedGrant was not granted to this message's owner signer")
			}
			owner = grantorSigned.Signer.DID
			p.OwnerDelegated = true
			p.OwnerGrantID = grant.Descriptor.RecordID
			if p.OwnerGrantID == "" {
				mc, err := grant.CID()
				if err == nil {
					p.OwnerGrantID = mc.String()
				}
			}
		}
		p.Owner = owner
	}

	return p, nil
}

// validateDelegatedGrant runs the same grant validation the bare
// permissionGrantId case uses, but against one of the embedded
// author/ownerDelegatedGrant records, with invokingSigner (not the
// grantor p.Author/p.Owner resolves to) as the grantedTo candidate —
// authenticate already rejected a grantedTo mismatch fail-fast, but the
// store-backed checks (revocation, expiry, scope) only happen here.
func (h *Handler) validateDelegatedGrant(ctx context.Context, tenant, method string, msg *message.Message, grantID, invokingSigner string) error {
	descMap, err := descriptorMap(msg.Descriptor)
	if err != nil {
		return err
	}
	return h.Grants.Validate(ctx, tenant, grantID, permissions.ActionRequest{
		Interface:    message.InterfaceRecords,
		Method:       method,
		Protocol:     msg.Descriptor.Protocol,
		Schema:       msg.Descriptor.Schema,
		ContextID:    msg.Descriptor.ContextID,
		ProtocolPath: msg.Descriptor.ProtocolPath,
		Author:       invokingSigner,
		Descriptor:   descMap,
		Delegated:    true,
	})
}

// authorizeWrite implements spec §4.3 step 3's ordered rule list. initial
// is the record's existing initial (create) write, nil for a create
// itself — it is consulted to decide whether an update is being
// performed by its own author (plain update) or by someone else
// (co-update, spec §4.5 "only author of the create may update").
func (h *Handler) authorizeWrite(ctx context.Context, tenant string, msg *message.Message, p *principals, isCreate bool, initial *store.IndexedMessage) error {
	if p.OwnerDelegated {
		if err := h.validateDelegatedGrant(ctx, tenant, message.MethodWrite, msg, p.OwnerGrantID, p.OwnerSigner); err != nil {
			return err
		}
	}
	if p.Owner != "" {
		if p.Owner != tenant {
			return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeOwnerMismatch, "ownerSignature signer is not this tenant")
		}
		return nil
	}
	if p.Delegated {
		if err := h.validateDelegatedGrant(ctx, tenant, message.MethodWrite, msg, p.DelegatedGrantID, p.InvokingSigner); err != nil {
			return err
		}
	}
	if p.Author == tenant {
		return nil
	}
	if p.GrantID != "" {
		descMap, err := descriptorMap(msg.Descriptor)
		if err != nil {
			return err
		}
		return h.Grants.Validate(ctx, tenant, p.GrantID, permissions.ActionRequest{
			Interface:    message.InterfaceRecords,
			Method:       message.MethodWrite,
			Protocol:     msg.Descriptor.Protocol,
			Schema:       msg.Descriptor.Schema,
			ContextID:    msg.Descriptor.ContextID,
			ProtocolPath: msg.Descriptor.ProtocolPath,
			Author:       p.Author,
			Descriptor:   descMap,
			Delegated:    p.Delegated,
		})
	}
	if msg.Descriptor.Protocol != "" {
		action := protocol.ActionUpdate
		if isCreate {
			action = protocol.ActionCreate
		} else if initial != nil {
			initialAuthor, _ := initial.Indexes["author"].(string)
			if initialAuthor != "" && initialAuthor != p.Author {
				action = protocol.ActionCoUpdate
			}
		}
		return h.Protocols.Authorize(ctx, protocol.Request{
			Tenant:       tenant,
			ProtocolURI:  msg.Descriptor.Protocol,
			ProtocolPath: msg.Descriptor.ProtocolPath,
			ParentID:     msg.Descriptor.ParentID,
			Author:       p.Author,
			Actions:      []string{action},
			InvokedRole:  p.ProtocolRole,
		})
	}
	return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeRuleNotMatched, "no authorization rule permits this write")
}
