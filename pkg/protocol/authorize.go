package protocol

import (
	"context"
	"fmt"

	"github.com/opendwn/core/pkg/dwnerr"
	"github.com/opendwn/core/pkg/filter"
	"github.com/opendwn/core/pkg/store"
)

// Ancestor is one link of a record's ancestry chain (spec §4.5 step 2).
type Ancestor struct {
	RecordID     string
	ProtocolPath string
	Author       string
	Recipient    string
}

// Request describes the message being authorized (spec §4.5).
type Request struct {
	Tenant       string
	ProtocolURI  string
	ProtocolPath string
	RecordID     string // empty for the initial write of a new record
	ParentID     string
	Author       string
	Actions      []string // candidate actions (spec §4.5 step 4)
	InvokedRole  string   // protocolRole claimed by the message, if any
}

// Engine evaluates protocol-authorization decisions against the
// process-global Cache and a tenant's message store (for ancestry and
// role-record lookup, spec §4.5 steps 2 and 5).
type Engine struct {
	cache    *Cache
	messages store.MessageStore
}

func NewEngine(cache *Cache, messages store.MessageStore) *Engine {
	return &Engine{cache: cache, messages: messages}
}

// Authorize implements spec §4.5: load the definition, reconstruct
// ancestry, locate the structural node, collect candidate actions
// (supplied by the caller, since create-vs-update depends on store
// state the caller already resolved), and walk rules looking for one
// that both matches its who/role guard and grants a requested action.
func (e *Engine) Authorize(ctx context.Context, req Request) error {
	def, ok := e.cache.Lookup(req.Tenant, req.ProtocolURI)
	if !ok {
		return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeProtocolNotFound, fmt.Sprintf("protocol %s is not installed", req.ProtocolURI))
	}

	ancestry, err := e.loadAncestry(ctx, req.Tenant, req.ParentID)
	if err != nil {
		return err
	}

	node, ok := def.Node(req.ProtocolPath)
	if !ok {
		return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeRuleNotMatched, fmt.Sprintf("no structure node at protocolPath %q", req.ProtocolPath))
	}

	rules := append([]Rule{}, node.Actions...)
	rules = append(rules, inheritedRules(def, req.ProtocolPath)...)

	for _, rule := range rules {
		for _, action := range req.Actions {
			if !rule.grants(action) {
				continue
			}
			if e.ruleMatches(rule, req, ancestry) {
				return nil
			}
		}
	}
	return dwnerr.New(dwnerr.KindAuth, dwnerr.CodeRuleNotMatched, "no protocol rule authorizes this action")
}

// inheritedRules collects the $actions declared on every ancestor
// structure node along protocolPath (spec §4.5 step 5: "any inherited
// rules from ancestor $actions"), walking the nested structure tree one
// path segment at a time. All of an ancestor's rules are collected;
// whether an author/recipient rule applies is decided by ruleMatches,
// which requires an ancestor of the rule's `of` type.
func inheritedRules(def *Definition, protocolPath string) []Rule {
	var out []Rule
	segments := splitPath(protocolPath)
	nodes := def.Structure
	for _, seg := range segments[:max(0, len(segments)-1)] {
		node, ok := nodes[seg]
		if !ok {
			break
		}
		out = append(out, node.Actions...)
		nodes = node.Children
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) ruleMatches(rule Rule, req Request, ancestry []Ancestor) bool {
	switch {
	case rule.Who == WhoAnyone:
		return true
	case rule.Who == WhoAuthor:
		anc, ok := ancestorOfType(ancestry, rule.Of)
		return ok && anc.Author == req.Author
	case rule.Who == WhoRecipient:
		anc, ok := ancestorOfType(ancestry, rule.Of)
		return ok && anc.Recipient == req.Author
	case rule.isRoleRule():
		if req.InvokedRole != rule.Role {
			return false
		}
		return e.roleInvoked(req.Tenant, rule.Role, req.Author)
	default:
		return false
	}
}

func ancestorOfType(ancestry []Ancestor, typeName string) (Ancestor, bool) {
	for _, a := range ancestry {
		if a.ProtocolPath == typeName || lastSegment(a.ProtocolPath) == typeName {
			return a, true
		}
	}
	return Ancestor{}, false
}

func lastSegment(path string) string {
	segs := splitPath(path)
	if len(segs) == 0 {
		return path
	}
	return segs[len(segs)-1]
}

// roleInvoked checks for a latest-base-state record at the role's
// structural path whose recipient is the invoker (spec §4.5 step 5:
// "there must exist a role record ... whose recipient === message.author
// and whose isLatestBaseState is true").
func (e *Engine) roleInvoked(tenant, rolePath, invoker string) bool {
	f := []filter.Filter{{
		"protocolPath": filter.Equal{Value: rolePath},
		"recipient":    filter.Equal{Value: invoker},
	}}
	entries, _, err := e.messages.Query(context.Background(), tenant, f, "", "", 1)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// RoleAuthorizedPaths reports the protocolPaths of protocolURI's installed
// definition whose rules grant role any of actions, gated on invoker
// actually holding that role right now (spec §4.5 step 5's role-record
// lookup, reused here for read/query/subscribe visibility rather than a
// single write/delete authorization decision). The second return value is
// false when the protocol isn't installed or the role isn't currently
// held, in which case the caller should treat the role as granting
// nothing rather than everything.
func (e *Engine) RoleAuthorizedPaths(tenant, protocolURI, role string, actions []string, invoker string) ([]string, bool) {
	def, ok := e.cache.Lookup(tenant, protocolURI)
	if !ok {
		return nil, false
	}
	if !e.roleInvoked(tenant, role, invoker) {
		return nil, false
	}
	var paths []string
	collectRoleAuthorizedPaths(def.Structure, "", role, actions, &paths)
	return paths, true
}

func collectRoleAuthorizedPaths(nodes map[string]StructureNode, prefix, role string, actions []string, out *[]string) {
	for name, node := range nodes {
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}
		for _, rule := range node.Actions {
			if rule.Role != role {
				continue
			}
			for _, a := range actions {
				if rule.grants(a) {
					*out = append(*out, path)
					break
				}
			}
		}
		collectRoleAuthorizedPaths(node.Children, path, role, actions, out)
	}
}

// loadAncestry walks parentId from the incoming record to the root,
// loading each ancestor's current base-state RecordsWrite (spec §4.5
// step 2). A missing ancestor is a hard failure: the caller must deny.
func (e *Engine) loadAncestry(ctx context.Context, tenant, parentID string) ([]Ancestor, error) {
	var chain []Ancestor
	for parentID != "" {
		entries, err := e.messages.ListByRecordID(ctx, tenant, parentID)
		if err != nil {
			return nil, err
		}
		var found *store.IndexedMessage
		for i := range entries {
			if entries[i].Latest {
				found = &entries[i]
				break
			}
		}
		if found == nil {
			return nil, dwnerr.New(dwnerr.KindAuth, dwnerr.CodeReferentialIntegrity, fmt.Sprintf("ancestor %s not found", parentID))
		}
		author, _ := found.Indexes["author"].(string)
		chain = append(chain, Ancestor{
			RecordID:     parentID,
			ProtocolPath: found.Message.Descriptor.ProtocolPath,
			Author:       author,
			Recipient:    found.Message.Descriptor.Recipient,
		})
		parentID = found.Message.Descriptor.ParentID
	}
	return chain, nil
}
