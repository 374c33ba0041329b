// Package events implements the in-memory event stream RecordsSubscribe
// listens on (spec §4.9): emit(tenant, message, indexes) fans out
// synchronously, in the order emitted, to every open subscription on
// that tenant whose filters match.
//
// Grounded on cuemby-warren's pkg/events broker: a mutex-guarded
// subscriber set with Subscribe/Unsubscribe/Publish. Adapted from its
// buffered-channel fan-out to a direct listener-call fan-out, since
// spec §5 requires a tenant's emit-order to be observed synchronously
// (a handler's persist/append/prune/emit sequence must complete before
// the next message for that tenant begins) rather than delivered
// through independently-draining channels.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"
)

// Listener is invoked once per event a subscription's filters match.
// Returning an error closes the subscription (spec §9 Open Question:
// a subscription closes on any reauthorization failure; the listener
// is where RecordsSubscribe's reauthorization check lives).
type Listener func(ctx context.Context, tenant string, msg message.Message, indexes map[string]interface{}) error

type subscription struct {
	id       string
	filters  []filter.Filter
	listener Listener
}

// Stream is the process-global event fan-out. Delivery is best-effort
// in-memory with no persistence (spec §4.9); pkg/store.EventLog is the
// durable side of the same emission.
type Stream struct {
	mu       sync.RWMutex
	byTenant map[string][]*subscription
	closed   bool
}

func NewStream() *Stream {
	return &Stream{byTenant: make(map[string][]*subscription)}
}

// Handle is returned by Subscribe; Close removes the subscription.
type Handle struct {
	stream *Stream
	tenant string
	id     string
}

// Close removes the subscription synchronously: an Emit that starts
// after Close returns does not invoke its listener. An Emit already in
// progress works on a snapshot of the subscriptions taken before Close
// and can still invoke the listener once; Close does not wait for it.
func (h *Handle) Close() {
	h.stream.mu.Lock()
	defer h.stream.mu.Unlock()
	subs := h.stream.byTenant[h.tenant]
	for i, s := range subs {
		if s.id == h.id {
			h.stream.byTenant[h.tenant] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Subscribe registers listener against tenant, invoked for every
// subsequent Emit on that tenant whose indexes match any of filters. An
// empty filters slice matches everything, per filter.MatchAny.
func (s *Stream) Subscribe(tenant string, filters []filter.Filter, listener Listener) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if !s.closed {
		s.byTenant[tenant] = append(s.byTenant[tenant], &subscription{id: id, filters: filters, listener: listener})
	}
	return &Handle{stream: s, tenant: tenant, id: id}
}

// Emit fans msg out to every matching subscription on tenant, in
// registration order, synchronously. A no-op once Close has been
// called (spec §4.9: "subsequent emit calls are no-ops"). A listener
// returning an error is treated as a terminal subscription failure and
// is unsubscribed before Emit returns.
func (s *Stream) Emit(ctx context.Context, tenant string, msg message.Message, indexes map[string]interface{}) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	subs := append([]*subscription(nil), s.byTenant[tenant]...)
	s.mu.RUnlock()

	for _, sub := range subs {
		if !filter.MatchAny(indexes, sub.filters) {
			continue
		}
		if err := sub.listener(ctx, tenant, msg, indexes); err != nil {
			(&Handle{stream: s, tenant: tenant, id: sub.id}).Close()
		}
	}
}

// Close permanently disables the stream: every outstanding handle stops
// receiving deliveries and Subscribe becomes a no-op registration.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.byTenant = make(map[string][]*subscription)
}
