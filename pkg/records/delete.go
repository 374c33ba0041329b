package records

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/observability"
	"github.com/opendwn/core/pkg/permissions"
	"github.com/opendwn/core/pkg/protocol"
	"github.com/opendwn/core/pkg/store"
)

// HandleDelete runs the RecordsDelete pipeline (spec §4.4).
func (h *Handler) HandleDelete(ctx context.Context, tenant string, msg *message.Message) (*Reply, error) {
	recordID := msg.Descriptor.RecordID
	if recordID == "" {
		return nil, dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeSchemaInvalid, "recordsDelete requires recordId")
	}

	ctx, span := observability.StartHandle(ctx, "dwn.records.delete", tenant, recordID)
	defer span.End()

	p, err := h.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}

	existing, err := h.Messages.ListByRecordID(ctx, tenant, recordID)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, dwnerr.New(dwnerr.KindNotFound, dwnerr.CodeRecordNotFound, "no existing record for recordId")
	}

	var initial, newest *store.IndexedMessage
	for i := range existing {
		e := &existing[i]
		if e.Cid == recordID {
			initial = e
		}
		if e.Latest {
			newest = e
		}
	}

	if err := h.authorizeDelete(ctx, tenant, msg, p, initial, newest); err != nil {
		return nil, err
	}

	mcid, err := msg.CID()
	if err != nil {
		return nil, dwnerr.Wrap(dwnerr.KindMalformed, dwnerr.CodeSchemaInvalid, "compute message content id", err)
	}
	cidStr := mcid.String()

	if newest != nil {
		newer, err := message.Newer(msg.Descriptor.MessageTimestamp, cidStr, newest.Message.Descriptor.MessageTimestamp, newest.Cid)
		if err != nil {
			return nil, dwnerr.Wrap(dwnerr.KindMalformed, dwnerr.CodeSchemaInvalid, "compare message ordering", err)
		}
		if !newer {
			return &Reply{Outcome: OutcomeConflict, Cid: cidStr, RecordID: recordID}, nil
		}
	}

	if newest != nil && newest.Latest {
		stale := *newest
		stale.Latest = false
		if err := h.Messages.Put(ctx, stale); err != nil {
			return nil, err
		}
	}

	idx, err := buildIndexes(msg, p, recordID, recordID, true)
	if err != nil {
		return nil, err
	}
	if err := h.Messages.Put(ctx, store.IndexedMessage{
		Tenant:    tenant,
		Cid:       cidStr,
		Message:   *msg,
		Indexes:   idx,
		Latest:    true,
		PruneRoot: msg.Descriptor.Prune,
	}); err != nil {
		return nil, err
	}

	if err := h.prunePredecessors(ctx, tenant, recordID, cidStr, initial); err != nil {
		h.Log.Warn("records: prune predecessors failed on delete", "tenant", tenant, "recordId", recordID, "error", err)
	}

	if _, err := h.Events.Append(ctx, tenant, *msg); err != nil {
		h.Log.Warn("records: event append failed", "tenant", tenant, "recordId", recordID, "error", err)
	}

	if msg.Descriptor.Prune {
		if err := h.enqueuePruneCascade(ctx, tenant, recordID, initial); err != nil {
			h.Log.Warn("records: enqueue prune cascade failed", "tenant", tenant, "recordId", recordID, "error", err)
		}
	}

	if h.Stream != nil {
		h.Stream.Emit(ctx, tenant, *msg, idx)
	}

	return &Reply{Outcome: OutcomeTombstoned, Cid: cidStr, RecordID: recordID, IsLatestBaseState: true}, nil
}

func (h *Handler) authorizeDelete(ctx context.Context, tenant string, msg *message.Message, p *principals, initial, newest *store.IndexedMessage) error {
	if p.OwnerDelegated {
		if err := h.validateDelegatedGrant(ctx, tenant, message.MethodDelete, msg, p.OwnerGrantID, p.OwnerSigner); err != nil {
			return err
		}
	}
	if p.Delegated {
		if err := h.validateDelegatedGrant(ctx, tenant, message.MethodDelete, msg, p.DelegatedGrantID, p.InvokingSigner); err != nil {
			return err
		}
	}
	if p.Author == tenant {
		return nil
	}

	action := protocol.ActionDelete
	if msg.Descriptor.Prune {
		action = protocol.ActionPrune
	}
	if initial != nil {
		initialAuthor, _ := initial.Indexes["author"].(string)
		if initialAuthor != "" && initialAuthor != p.Author {
			switch action {
			case protocol.ActionDelete:
				action = protocol.ActionCoDelete
			case protocol.ActionPrune:
				action = protocol.ActionCoPrune
			}
		}
	}

	if p.GrantID != "" {
		return h.Grants.Validate(ctx, tenant, p.GrantID, grantActionForDelete(msg, p))
	}

	if initial != nil && initial.Message.Descriptor.Protocol != "" {
		return h.Protocols.Authorize(ctx, protocol.Request{
			Tenant:       tenant,
			ProtocolURI:  initial.Message.Descriptor.Protocol,
			ProtocolPath: initial.Message.Descriptor.ProtocolPath,
			ParentID:     initial.Message.Descriptor.ParentID,
			Author:       p.Author,
			Actions:      []string{action},
			InvokedRole:  p.ProtocolRole,
		})
	}

	return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeRuleNotMatched, "no authorization rule permits this delete")
}

func grantActionForDelete(msg *message.Message, p *principals) permissions.ActionRequest {
	descMap, _ := descriptorMap(msg.Descriptor)
	return permissions.ActionRequest{
		Interface:  message.InterfaceRecords,
		Method:     message.MethodDelete,
		Author:     p.Author,
		Descriptor: descMap,
		Delegated:  p.Delegated,
	}
}

// enqueuePruneCascade implements spec §4.4's prune=true path: a
// resumable task that recursively deletes every descendant record by
// contextId prefix in bounded batches (spec §4.8).
func (h *Handler) enqueuePruneCascade(ctx context.Context, tenant, recordID string, initial *store.IndexedMessage) error {
	if h.Tasks == nil {
		return nil
	}
	contextID := ""
	if initial != nil {
		contextID = initial.Message.Descriptor.ContextID
	}
	payload, err := json.Marshal(PruneCascadePayload{Tenant: tenant, RootRecordID: recordID, RootContextID: contextID})
	if err != nil {
		return fmt.Errorf("records: marshal prune cascade payload: %w", err)
	}
	return h.Tasks.Register(ctx, store.Task{
		ID:      "prune-cascade:" + tenant + ":" + recordID,
		Tenant:  tenant,
		Kind:    TaskKindPruneCascade,
		Payload: payload,
		Status:  store.TaskStatusPending,
	})
}

// PruneCascadePayload is the durable state of a prune-cascade task.
type PruneCascadePayload struct {
	Tenant        string `json:"tenant"`
	RootRecordID  string `json:"rootRecordId"`
	RootContextID string `json:"rootContextId"`
}
