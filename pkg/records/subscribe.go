package records

import (
	"context"
	"sync"
	"time"

	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/events"
	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/observability"
	"github.com/opendwn/core/pkg/permissions"
)

// SubscribeRequest carries what RecordsSubscribe needs beyond the common
// filter/viewer shape: the authorization that established the
// subscription (re-verified on reauthorization) and the caller's
// requested reauthorizationTTL in seconds, nil meaning "use the
// configured default" (spec §5 "Timeouts").
type SubscribeRequest struct {
	Viewer             Viewer
	Filter             filter.Filter
	Authorization      string // compact JWS re-verified on reauthorization, empty for anonymous
	ReauthorizationTTL *int
}

// HandleSubscribe implements RecordsSubscribe (spec §4.7, §4.9): a
// listener is registered against the live event stream, narrowed to the
// viewer's authorized filter set, and re-authorized periodically per
// ttl == 0 (never) / ttl < 0 (every event) / ttl > 0 (elapsed-seconds)
// semantics. Any reauthorization failure closes the subscription (spec
// §9 Open Question), since the source's own classification of "known"
// vs "unknown" authorization errors was left unresolved.
func (h *Handler) HandleSubscribe(ctx context.Context, tenant string, req SubscribeRequest, deliver events.Listener) *events.Handle {
	_, span := observability.StartHandle(ctx, "dwn.records.subscribe", tenant, "")
	defer span.End()

	filters := mergeFilters(h.ViewerFilters(tenant, req.Viewer), req.Filter)

	ttl := h.Cfg.DefaultReauthorizationTTLSeconds
	if req.ReauthorizationTTL != nil {
		ttl = *req.ReauthorizationTTL
	}

	var mu sync.Mutex
	var lastChecked time.Time

	reauthDue := func() bool {
		if ttl == 0 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if ttl < 0 {
			return true
		}
		if lastChecked.IsZero() || time.Since(lastChecked) >= time.Duration(ttl)*time.Second {
			lastChecked = time.Now()
			return true
		}
		return false
	}

	return h.Stream.Subscribe(tenant, filters, func(ctx context.Context, tenant string, msg message.Message, indexes map[string]interface{}) error {
		if reauthDue() {
			if err := h.reauthorizeSubscriber(ctx, tenant, req); err != nil {
				return err
			}
		}
		return deliver(ctx, tenant, msg, indexes)
	})
}

// reauthorizeSubscriber re-checks that the identity which established
// the subscription is still valid: its signature still resolves to a
// live verification method, and, if a permission grant backed the
// subscription, that the grant has not since been revoked or expired.
func (h *Handler) reauthorizeSubscriber(ctx context.Context, tenant string, req SubscribeRequest) error {
	if req.Authorization == "" {
		if req.Viewer.IsOwner {
			return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "owner subscription requires an authorization to reauthorize")
		}
		return nil // anonymous, published-only subscription: nothing to re-check
	}

	signed, err := h.Verifier.Verify(ctx, req.Authorization)
	if err != nil {
		return dwnerr.Wrap(dwnerr.KindAuth, dwnerr.CodeSignatureInvalid, "subscription reauthorization failed", err)
	}

	if signed.Payload.PermissionGrantID != "" {
		return h.Grants.Validate(ctx, tenant, signed.Payload.PermissionGrantID, permissions.ActionRequest{
			Author:    signed.Signer.DID,
			Delegated: signed.Payload.DelegatedGrantID != "",
		})
	}
	return nil
}
