package records

import (
	"context"

	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/observability"
	"github.com/opendwn/core/pkg/protocol"
	"github.com/opendwn/core/pkg/store"
)

// Viewer describes who is asking (spec §4.7): the resolved DID of an
// authenticated caller, or empty for an anonymous request, whether the
// caller authenticated as the tenant itself, and the protocol role (if
// any) the caller is invoking — spec §4.7 category (d), "protocol-
// authorized set if the viewer invoked a role".
type Viewer struct {
	DID          string
	IsOwner      bool
	RoleProtocol string // protocol URI the invoked role belongs to
	InvokedRole  string // protocolRole claimed by the viewer, e.g. "thread/admin"
}

// ViewerFilters builds the set of filters encoding a viewer's authority
// over a tenant's records (spec §4.7): an owner sees everything; an
// anonymous or non-owner viewer sees published records, unpublished
// records where they are the recipient or author, plus (d) any
// protocolPath a currently-held invoked role authorizes read/query on.
// Every returned filter additionally restricts to RecordsWrite entries —
// reads and queries never surface tombstones.
func (h *Handler) ViewerFilters(tenant string, viewer Viewer) []filter.Filter {
	writeOnly := filter.Filter{"method": filter.Equal{Value: message.MethodWrite}}

	if viewer.IsOwner {
		return []filter.Filter{writeOnly}
	}

	published := filter.Filter{"method": filter.Equal{Value: message.MethodWrite}, "published": filter.Equal{Value: true}}
	filters := []filter.Filter{published}

	if viewer.DID != "" {
		asRecipient := filter.Filter{"method": filter.Equal{Value: message.MethodWrite}, "recipient": filter.Equal{Value: viewer.DID}}
		asAuthor := filter.Filter{"method": filter.Equal{Value: message.MethodWrite}, "author": filter.Equal{Value: viewer.DID}}
		filters = append(filters, asRecipient, asAuthor)
	}

	if viewer.RoleProtocol != "" && viewer.InvokedRole != "" {
		paths, ok := h.Protocols.RoleAuthorizedPaths(tenant, viewer.RoleProtocol, viewer.InvokedRole,
			[]string{protocol.ActionRead, protocol.ActionQuery, protocol.ActionSubscribe}, viewer.DID)
		if ok {
			for _, p := range paths {
				filters = append(filters, filter.Filter{
					"method":       filter.Equal{Value: message.MethodWrite},
					"protocol":     filter.Equal{Value: viewer.RoleProtocol},
					"protocolPath": filter.Equal{Value: p},
				})
			}
		}
	}

	return filters
}

// mergeFilters crosses viewer authority filters with the caller-supplied
// query filter: every viewer filter's properties, plus the caller's own
// (which take precedence on key collision, e.g. narrowing by protocol).
func mergeFilters(viewerFilters []filter.Filter, callerFilter filter.Filter) []filter.Filter {
	if len(viewerFilters) == 0 {
		viewerFilters = []filter.Filter{{}}
	}
	out := make([]filter.Filter, 0, len(viewerFilters))
	for _, vf := range viewerFilters {
		merged := filter.Filter{}
		for k, v := range vf {
			merged[k] = v
		}
		for k, v := range callerFilter {
			merged[k] = v
		}
		out = append(out, merged)
	}
	return out
}

// HandleRead implements RecordsRead (spec §4.7): at most one record,
// resolved by recordId within the viewer's authorized filter set.
func (h *Handler) HandleRead(ctx context.Context, tenant string, viewer Viewer, recordID string) (*store.IndexedMessage, error) {
	ctx, span := observability.StartHandle(ctx, "dwn.records.read", tenant, recordID)
	defer span.End()

	filters := mergeFilters(h.ViewerFilters(tenant, viewer), filter.Filter{"recordId": filter.Equal{Value: recordID}})
	entries, _, err := h.Messages.Query(ctx, tenant, filters, "", "", 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, dwnerr.New(dwnerr.KindNotFound, dwnerr.CodeRecordNotFound, "record not found or not visible to this viewer")
	}
	return &entries[0], nil
}

// HandleQuery implements RecordsQuery (spec §4.7): a sorted, paginated
// set of records matching the caller's filter, narrowed to what the
// viewer is authorized to see.
func (h *Handler) HandleQuery(ctx context.Context, tenant string, viewer Viewer, callerFilter filter.Filter, sortProperty, cursor string, limit int) ([]store.IndexedMessage, string, error) {
	ctx, span := observability.StartHandle(ctx, "dwn.records.query", tenant, "")
	defer span.End()

	filters := mergeFilters(h.ViewerFilters(tenant, viewer), callerFilter)
	return h.Messages.Query(ctx, tenant, filters, sortProperty, cursor, limit)
}
