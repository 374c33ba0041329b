package records

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	dwncid "github.com/opendwn/core/pkg/cid"
	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/observability"
	"github.com/opendwn/core/pkg/permissions"
	"github.com/opendwn/core/pkg/store"
)

// HandleWrite runs the RecordsWrite pipeline (spec §4.3). data is the
// payload stream, or nil when the write carries none of its own (the
// "inherit from newest existing" path).
func (h *Handler) HandleWrite(ctx context.Context, tenant string, msg *message.Message, data io.Reader) (*Reply, error) {
	mcid, err := msg.CID()
	if err != nil {
		return nil, dwnerr.Wrap(dwnerr.KindMalformed, dwnerr.CodeSchemaInvalid, "compute message content id", err)
	}
	cidStr := mcid.String()

	isCreate := msg.Descriptor.RecordID == ""
	recordID := msg.Descriptor.RecordID
	if isCreate {
		recordID = cidStr
	}

	ctx, span := observability.StartHandle(ctx, "dwn.records.write", tenant, recordID)
	defer span.End()

	if err := h.validateStructure(ctx, tenant, msg, recordID); err != nil {
		return nil, err
	}

	p, err := h.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}

	existing, err := h.Messages.ListByRecordID(ctx, tenant, recordID)
	if err != nil {
		return nil, err
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

	if err := h.authorizeWrite(ctx, tenant, msg, p, isCreate, initial); err != nil {
		return nil, err
	}

	if !isCreate {
		if initial == nil {
			return nil, dwnerr.New(dwnerr.KindNotFound, dwnerr.CodeRecordNotFound, "no existing record for recordId")
		}
		if err := checkImmutableProperties(msg.Descriptor, initial.Message.Descriptor); err != nil {
			return nil, err
		}
	}

	if newest != nil {
		newer, err := message.Newer(msg.Descriptor.MessageTimestamp, cidStr, newest.Message.Descriptor.MessageTimestamp, newest.Cid)
		if err != nil {
			return nil, dwnerr.Wrap(dwnerr.KindMalformed, dwnerr.CodeSchemaInvalid, "compare message ordering", err)
		}
		if !newer {
			return &Reply{Outcome: OutcomeConflict, Cid: cidStr, RecordID: recordID}, nil
		}
	}

	if isCreate {
		msg.Descriptor.RecordID = recordID
	}

	isLatestBaseState, err := h.handleData(ctx, tenant, msg, data, newest, isCreate)
	if err != nil {
		return nil, err
	}

	if newest != nil && newest.Latest {
		stale := *newest
		stale.Latest = false
		if err := h.Messages.Put(ctx, stale); err != nil {
			return nil, err
		}
	}

	idx, err := buildIndexes(msg, p, recordID, recordID, isLatestBaseState)
	if err != nil {
		return nil, err
	}

	if err := h.Messages.Put(ctx, store.IndexedMessage{
		Tenant:  tenant,
		Cid:     cidStr,
		Message: *msg,
		Indexes: idx,
		Latest:  isLatestBaseState,
	}); err != nil {
		return nil, err
	}

	if err := h.prunePredecessors(ctx, tenant, recordID, cidStr, initial); err != nil {
		h.Log.Warn("records: prune predecessors failed", "tenant", tenant, "recordId", recordID, "error", err)
	}

	if isLatestBaseState {
		if _, err := h.Events.Append(ctx, tenant, *msg); err != nil {
			h.Log.Warn("records: event append failed", "tenant", tenant, "recordId", recordID, "error", err)
		}
		if msg.Descriptor.Protocol == permissions.ProtocolURI && msg.Descriptor.ProtocolPath == permissions.PathGrantRevocation {
			if err := h.enqueueRevocationCascade(ctx, tenant, msg); err != nil {
				h.Log.Warn("records: enqueue revocation cascade failed", "tenant", tenant, "error", err)
			}
		}
		if h.Stream != nil {
			h.Stream.Emit(ctx, tenant, *msg, idx)
		}
	}

	return &Reply{Outcome: OutcomeAccepted, Cid: cidStr, RecordID: recordID, IsLatestBaseState: isLatestBaseState}, nil
}

// validateStructure implements spec §4.3 step 1: envelope schema
// validation, plus referential integrity for protocol-bearing records.
func (h *Handler) validateStructure(ctx context.Context, tenant string, msg *message.Message, recordID string) error {
	descMap, err := descriptorMap(msg.Descriptor)
	if err != nil {
		return err
	}
	if err := h.Envelope.ValidateDescriptor(descMap); err != nil {
		return dwnerr.Wrap(dwnerr.KindMalformed, dwnerr.CodeSchemaInvalid, "envelope failed structural validation", err)
	}

	if msg.Descriptor.Protocol == "" {
		return nil
	}
	if msg.Descriptor.ParentID == "" {
		return nil // root record: no referential integrity to check
	}

	parents, err := h.Messages.ListByRecordID(ctx, tenant, msg.Descriptor.ParentID)
	if err != nil {
		return err
	}
	var parent *store.IndexedMessage
	for i := range parents {
		if parents[i].Latest {
			parent = &parents[i]
			break
		}
	}
	if parent == nil {
		return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeReferentialIntegrity, "parent record not found")
	}

	if msg.Descriptor.ContextID != "" {
		wantContext := parent.Message.Descriptor.ContextID + "/" + recordID
		if msg.Descriptor.ContextID != wantContext {
			return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeReferentialIntegrity, fmt.Sprintf("contextId %q does not equal parent contextId plus this record's id (want %q)", msg.Descriptor.ContextID, wantContext))
		}
	}

	wantPath := parent.Message.Descriptor.ProtocolPath + "/" + lastPathSegment(msg.Descriptor.ProtocolPath)
	if msg.Descriptor.ProtocolPath != "" && msg.Descriptor.ProtocolPath != wantPath {
		return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeReferentialIntegrity, fmt.Sprintf("protocolPath %q does not match parent path %q", msg.Descriptor.ProtocolPath, wantPath))
	}

	if msg.Descriptor.DateCreated != "" && parent.Message.Descriptor.DateCreated != "" && msg.Descriptor.DateCreated < parent.Message.Descriptor.DateCreated {
		return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeReferentialIntegrity, "dateCreated precedes parent's dateCreated")
	}
	return nil
}

func lastPathSegment(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// checkImmutableProperties enforces spec §3's immutable-property
// equality: a non-initial write must carry byte-identical values for
// recordId, dateCreated, schema, protocol, protocolPath, parentId,
// contextId relative to the record's initial write.
func checkImmutableProperties(incoming, initial message.Descriptor) error {
	type pair struct {
		name string
		a, b string
	}
	checks := []pair{
		{"dateCreated", incoming.DateCreated, initial.DateCreated},
		{"schema", incoming.Schema, initial.Schema},
		{"protocol", incoming.Protocol, initial.Protocol},
		{"protocolPath", incoming.ProtocolPath, initial.ProtocolPath},
		{"parentId", incoming.ParentID, initial.ParentID},
		{"contextId", incoming.ContextID, initial.ContextID},
	}
	for _, c := range checks {
		if c.a != c.b {
			return dwnerr.New(dwnerr.KindIntegrity, dwnerr.CodeImmutablePropertyMismatch, fmt.Sprintf("immutable property %s changed: %q != %q", c.name, c.a, c.b))
		}
	}
	return nil
}

// handleData implements spec §4.3 step 6.
func (h *Handler) handleData(ctx context.Context, tenant string, msg *message.Message, data io.Reader, newest *store.IndexedMessage, isCreate bool) (bool, error) {
	switch {
	case data != nil:
		buf, err := io.ReadAll(data)
		if err != nil {
			return false, dwnerr.Wrap(dwnerr.KindMalformed, dwnerr.CodeMissingDataStream, "read data stream", err)
		}
		if int64(len(buf)) != msg.Descriptor.DataSize {
			return false, dwnerr.New(dwnerr.KindIntegrity, dwnerr.CodeDataCidMismatch, "data size does not match descriptor.dataSize")
		}
		computed, err := dwncid.FromData(buf)
		if err != nil {
			return false, dwnerr.Wrap(dwnerr.KindInternal, dwnerr.CodeDataCidMismatch, "compute data cid", err)
		}
		if computed.String() != msg.Descriptor.DataCID {
			return false, dwnerr.New(dwnerr.KindIntegrity, dwnerr.CodeDataCidMismatch, "data cid does not match descriptor.dataCid")
		}
		if msg.Descriptor.DataSize <= h.Cfg.SmallPayloadThresholdBytes {
			msg.EncodedData = base64.RawURLEncoding.EncodeToString(buf)
		} else {
			if err := h.Data.Put(ctx, tenant, computed.String(), buf); err != nil {
				return false, err
			}
		}
		return true, nil

	case newest != nil && newest.Message.Descriptor.Method == message.MethodDelete:
		return false, dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeMissingDataStream, "no data stream provided and newest existing state is a tombstone")

	case !isCreate:
		if newest == nil {
			return false, dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeMissingData, "no prior write to inherit data from")
		}
		if newest.Message.EncodedData != "" {
			if msg.Descriptor.DataCID != newest.Message.Descriptor.DataCID {
				return false, dwnerr.New(dwnerr.KindIntegrity, dwnerr.CodeDataCidMismatch, "dataCid does not match inherited small-payload data")
			}
			msg.EncodedData = newest.Message.EncodedData
			return true, nil
		}
		if newest.Message.Descriptor.DataCID != "" {
			has, err := h.Data.Has(ctx, tenant, newest.Message.Descriptor.DataCID)
			if err != nil {
				return false, err
			}
			if !has {
				return false, dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeMissingData, "data store does not have the inherited dataCid")
			}
			if msg.Descriptor.DataCID != newest.Message.Descriptor.DataCID {
				return false, dwnerr.New(dwnerr.KindIntegrity, dwnerr.CodeDataCidMismatch, "dataCid does not match inherited large-payload data")
			}
			return true, nil
		}
		return msg.Descriptor.DataCID == "", nil

	default:
		return msg.Descriptor.DataCID == "", nil
	}
}

// prunePredecessors implements spec §4.3 step 8: delete every stored
// message for recordId older than the just-accepted write, except the
// initial write, releasing data-store entries no longer referenced.
func (h *Handler) prunePredecessors(ctx context.Context, tenant, recordID, keepCid string, initial *store.IndexedMessage) error {
	entries, err := h.Messages.ListByRecordID(ctx, tenant, recordID)
	if err != nil {
		return err
	}
	for i := range entries {
		e := entries[i]
		if e.Cid == keepCid {
			continue
		}
		if initial != nil && e.Cid == initial.Cid {
			continue
		}
		if err := h.Messages.Delete(ctx, tenant, e.Cid); err != nil {
			return err
		}
		if e.Message.Descriptor.DataCID != "" && e.Message.EncodedData == "" {
			stillReferenced := false
			for _, other := range entries {
				if other.Cid != e.Cid && other.Message.Descriptor.DataCID == e.Message.Descriptor.DataCID {
					stillReferenced = true
					break
				}
			}
			if !stillReferenced {
				_ = h.Data.Delete(ctx, tenant, e.Message.Descriptor.DataCID)
			}
		}
	}
	return nil
}

// enqueueRevocationCascade implements spec §4.3 step 9 and §9's resolved
// Open Question: a permission revocation enqueues a resumable task that
// deletes every message the revoked grant authorized whose timestamp is
// at or after the revocation's own timestamp.
func (h *Handler) enqueueRevocationCascade(ctx context.Context, tenant string, revocation *message.Message) error {
	if h.Tasks == nil {
		return nil
	}
	payload, err := json.Marshal(RevocationCascadePayload{
		Tenant:             tenant,
		GrantRecordID:      revocation.Descriptor.ParentID,
		NotBeforeTimestamp: revocation.Descriptor.MessageTimestamp,
	})
	if err != nil {
		return fmt.Errorf("records: marshal revocation cascade payload: %w", err)
	}
	return h.Tasks.Register(ctx, store.Task{
		ID:     "revocation-cascade:" + tenant + ":" + revocation.Descriptor.ParentID,
		Tenant: tenant,
		Kind:   TaskKindRevocationCascade,
		Payload: payload,
		Status: store.TaskStatusPending,
	})
}

// RevocationCascadePayload is the durable state of a revocation-cascade
// task (spec §4.8: "the name and payload of the task are the sole
// durable state").
type RevocationCascadePayload struct {
	Tenant             string `json:"tenant"`
	GrantRecordID      string `json:"grantRecordId"`
	NotBeforeTimestamp string `json:"notBeforeTimestamp"`
}

const TaskKindRevocationCascade = "revocation-cascade"
const TaskKindPruneCascade = "prune-cascade"
