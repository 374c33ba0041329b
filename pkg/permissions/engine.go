package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/message"
	"github.com/opendwn/core/pkg/store"
)

// ActionRequest is the incoming action a grant is being validated
// against (spec §4.6 "validate(grant, action)").
type ActionRequest struct {
	Interface    string
	Method       string
	Protocol     string
	Schema       string
	ContextID    string
	ProtocolPath string
	Author       string // the claimed message author, for grantedTo check
	Descriptor   map[string]interface{}
	Delegated    bool // true if the incoming message claims a delegated grant
}

// Engine validates permission grants against a tenant's message store
// (spec §4.6). Fetching a grant goes via the message store; if the
// store returns nothing, GrantMissing is the surfaced error.
type Engine struct {
	messages  store.MessageStore
	evaluator *ConditionEvaluator
}

func NewEngine(messages store.MessageStore) (*Engine, error) {
	evaluator, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{messages: messages, evaluator: evaluator}, nil
}

// Validate implements spec §4.6's validate(grant, action): the grant
// must be the newest-base-state message for its recordId, not revoked,
// not expired, granted to the claimed author, scope-matching, and (if
// declared) its conditions expression must evaluate true.
func (e *Engine) Validate(ctx context.Context, tenant, grantRecordID string, req ActionRequest) error {
	grant, err := e.loadLatestGrant(ctx, tenant, grantRecordID)
	if err != nil {
		return err
	}

	revoked, err := e.isRevoked(ctx, tenant, grantRecordID)
	if err != nil {
		return err
	}
	if revoked {
		return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeGrantRevoked, "permission grant has been revoked")
	}

	data, err := DecodeGrantData(grant)
	if err != nil {
		return err
	}

	if data.GrantedTo != req.Author {
		return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeGrantWrongGrantee, "grant was not issued to this message's author")
	}

	if !data.Scope.Covers(req.Interface, req.Method, req.Protocol, req.Schema, req.ContextID, req.ProtocolPath) {
		return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeGrantScopeMismatch, "grant scope does not cover this action")
	}

	expired, err := e.isExpired(data)
	if err != nil {
		return err
	}
	if expired {
		return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeGrantExpired, "permission grant has expired")
	}

	if req.Delegated && !data.Delegated {
		return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeDelegationMismatch, "grant is not delegated but message claims delegation")
	}

	if data.Conditions != "" {
		ok, err := e.evaluator.Evaluate(data.Conditions, req.Descriptor)
		if err != nil {
			return dwnerr.Wrap(dwnerr.KindAuth, dwnerr.CodeGrantScopeMismatch, "grant conditions evaluation failed", err)
		}
		if !ok {
			return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeGrantScopeMismatch, "grant conditions not satisfied")
		}
	}

	return nil
}

func (e *Engine) loadLatestGrant(ctx context.Context, tenant, grantRecordID string) (*message.Message, error) {
	entries, err := e.messages.ListByRecordID(ctx, tenant, grantRecordID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Latest {
			return &entries[i].Message, nil
		}
	}
	return nil, dwnerr.New(dwnerr.KindAuth, dwnerr.CodeGrantMissing, "permission grant not found")
}

func (e *Engine) isRevoked(ctx context.Context, tenant, grantRecordID string) (bool, error) {
	f := []filter.Filter{{
		"protocol":     filter.Equal{Value: ProtocolURI},
		"protocolPath": filter.Equal{Value: PathGrantRevocation},
		"parentId":     filter.Equal{Value: grantRecordID},
	}}
	entries, _, err := e.messages.Query(ctx, tenant, f, "", "", 1)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (e *Engine) isExpired(data GrantData) (bool, error) {
	exp, err := message.ParseTimestamp(data.DateExpires)
	if err != nil {
		return false, fmt.Errorf("permissions: invalid dateExpires: %w", err)
	}
	return !exp.After(time.Now().UTC()), nil
}

// DecodeGrantData unmarshals a grant record's encoded data into GrantData,
// used both to validate an already-cited grant (above) and, by callers
// outside this package, to inspect an embedded authorDelegatedGrant /
// ownerDelegatedGrant before it is ever cited by record id.
func DecodeGrantData(grant *message.Message) (GrantData, error) {
	raw, err := grant.DecodedData()
	if err != nil {
		return GrantData{}, err
	}
	var data GrantData
	if err := json.Unmarshal(raw, &data); err != nil {
		return GrantData{}, fmt.Errorf("permissions: decode grant data: %w", err)
	}
	return data, nil
}
