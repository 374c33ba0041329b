package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/records"
	"github.com/opendwn/core/pkg/store"
)

// cascadeBatchSize bounds how many message-store entries a single
// Query page returns while a cascade runner walks a tenant's history
// (spec §4.4, §9: "in bounded batches").
const cascadeBatchSize = 200

// NewRevocationCascadeRunner implements the resolved Open Question of
// spec §9 / §4.3 step 9: delete every message whose permissionGrantId
// cites the revoked grant and whose messageTimestamp is at or after the
// revocation's own, releasing any data-store object the deleted message
// alone referenced. Re-running this Runner against an already-processed
// grant is a no-op, satisfying §4.8's idempotence requirement.
func NewRevocationCascadeRunner(messages store.MessageStore, data store.DataStore) Runner {
	return func(ctx context.Context, t store.Task) error {
		var payload records.RevocationCascadePayload
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return fmt.Errorf("tasks: unmarshal revocation cascade payload: %w", err)
		}

		notBefore, err := message.ParseTimestamp(payload.NotBeforeTimestamp)
		if err != nil {
			return fmt.Errorf("tasks: revocation cascade notBeforeTimestamp: %w", err)
		}

		grantFilter := []filter.Filter{{"permissionGrantId": filter.Equal{Value: payload.GrantRecordID}}}
		cursor := ""
		for {
			entries, next, err := messages.Query(ctx, payload.Tenant, grantFilter, "", cursor, cascadeBatchSize)
			if err != nil {
				return err
			}
			for _, e := range entries {
				entryTime, err := message.ParseTimestamp(e.Message.Descriptor.MessageTimestamp)
				if err != nil || entryTime.Before(notBefore) {
					continue
				}
				if err := messages.Delete(ctx, payload.Tenant, e.Cid); err != nil {
					return err
				}
				if e.Message.Descriptor.DataCID != "" && e.Message.EncodedData == "" {
					_ = data.Delete(ctx, payload.Tenant, e.Message.Descriptor.DataCID)
				}
			}
			if next == "" {
				return nil
			}
			cursor = next
		}
	}
}

// NewPruneCascadeRunner implements spec §4.4's prune=true path: delete
// every message and data object belonging to a descendant of the
// pruned record's contextId, identified structurally (contextId equal
// to, or prefixed by, the root's contextId plus "/") rather than by
// walking parentId chains one hop at a time.
func NewPruneCascadeRunner(messages store.MessageStore, data store.DataStore) Runner {
	return func(ctx context.Context, t store.Task) error {
		var payload records.PruneCascadePayload
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return fmt.Errorf("tasks: unmarshal prune cascade payload: %w", err)
		}
		if payload.RootContextID == "" {
			return nil // the root had no contextId: it cannot have protocol-tree descendants
		}

		descendants := make(map[string]struct{})
		cursor := ""
		for {
			entries, next, err := messages.Query(ctx, payload.Tenant, []filter.Filter{{}}, "", cursor, cascadeBatchSize)
			if err != nil {
				return err
			}
			for _, e := range entries {
				recordID, _ := e.Indexes["recordId"].(string)
				contextID, _ := e.Indexes["contextId"].(string)
				if recordID == "" || recordID == payload.RootRecordID || contextID == "" {
					continue
				}
				if contextID == payload.RootContextID || strings.HasPrefix(contextID, payload.RootContextID+"/") {
					descendants[recordID] = struct{}{}
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}

		for recordID := range descendants {
			siblings, err := messages.ListByRecordID(ctx, payload.Tenant, recordID)
			if err != nil {
				return err
			}
			for _, s := range siblings {
				if err := messages.Delete(ctx, payload.Tenant, s.Cid); err != nil {
					return err
				}
				if s.Message.Descriptor.DataCID != "" && s.Message.EncodedData == "" {
					_ = data.Delete(ctx, payload.Tenant, s.Message.Descriptor.DataCID)
				}
			}
		}
		return nil
	}
}
