// Package protocol implements protocol definitions (spec §3 "Protocol
// definition") and the protocol-authorization engine (spec §4.5):
// evaluating create/update/delete/prune/co-*/read/query/subscribe
// actions against a declarative structure tree with role, author-of,
// and recipient-of rules.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/opendwn/core/pkg/dwnerr"
)

// Action names permitted in a rule's Can list (spec §6).
const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionPrune    = "prune"
	ActionCoUpdate = "co-update"
	ActionCoDelete = "co-delete"
	ActionCoPrune  = "co-prune"
	ActionRead     = "read"
	ActionQuery    = "query"
	ActionSubscribe = "subscribe"
)

// Who guards in a Rule (spec §3).
const (
	WhoAnyone    = "anyone"
	WhoAuthor    = "author"
	WhoRecipient = "recipient"
)

// TypeDef is one entry of a Definition's Types map (spec §3).
type TypeDef struct {
	Schema      string         `json:"schema,omitempty"`
	DataFormats []string       `json:"dataFormats,omitempty"`
	Tags        map[string]any `json:"tags,omitempty"`
}

// Rule is one entry of a StructureNode's $actions (spec §3): a guard
// (Who, or Role+Of) paired with the actions it grants.
type Rule struct {
	Who  string   `json:"who,omitempty"`
	Role string   `json:"role,omitempty"`
	Of   string   `json:"of,omitempty"`
	Can  []string `json:"can"`
}

func (r Rule) grants(action string) bool {
	for _, a := range r.Can {
		if a == action {
			return true
		}
	}
	return false
}

func (r Rule) isRoleRule() bool { return r.Role != "" }

// StructureNode is one node of the structure tree (spec §3). Besides the
// reserved `$role`/`$actions` keys, it carries arbitrary child type-name
// keys, so it needs custom JSON (un)marshaling.
type StructureNode struct {
	Role     bool                     `json:"-"`
	Actions  []Rule                   `json:"-"`
	Children map[string]StructureNode `json:"-"`
}

func (n StructureNode) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(n.Children)+2)
	if n.Role {
		out["$role"] = true
	}
	if len(n.Actions) > 0 {
		out["$actions"] = n.Actions
	}
	for k, v := range n.Children {
		out[k] = v
	}
	return json.Marshal(out)
}

func (n *StructureNode) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.Children = make(map[string]StructureNode)
	for k, v := range raw {
		switch k {
		case "$role":
			if err := json.Unmarshal(v, &n.Role); err != nil {
				return fmt.Errorf("protocol: $role: %w", err)
			}
		case "$actions":
			if err := json.Unmarshal(v, &n.Actions); err != nil {
				return fmt.Errorf("protocol: $actions: %w", err)
			}
		default:
			var child StructureNode
			if err := json.Unmarshal(v, &child); err != nil {
				return fmt.Errorf("protocol: child %q: %w", k, err)
			}
			n.Children[k] = child
		}
	}
	return nil
}

// Definition is a protocol installed by ProtocolsConfigure (spec §3).
// Version is an optional semver string ($version) the ambient codebase's
// Masterminds/semver/v3 dependency compares on Configure replacement.
type Definition struct {
	Protocol  string                   `json:"protocol"`
	Published bool                     `json:"published"`
	Version   string                   `json:"$version,omitempty"`
	Types     map[string]TypeDef       `json:"types"`
	Structure map[string]StructureNode `json:"structure"`
}

const maxStructureDepth = 10

// Validate checks the structural invariants of spec §3: update implies
// create in the same rule; delete implies create; roles must reference
// a node with $role:true; `of` is prohibited when who=anyone; recipient
// rules may only grant delete/update/co-delete/co-update; nesting depth
// <= 10.
func (d *Definition) Validate() error {
	roleTargets := collectRolePaths(d.Structure, "")
	for name, node := range d.Structure {
		if err := validateNode(name, node, 1, roleTargets); err != nil {
			return err
		}
	}
	return nil
}

func collectRolePaths(nodes map[string]StructureNode, prefix string) map[string]bool {
	out := make(map[string]bool)
	for name, node := range nodes {
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}
		if node.Role {
			out[path] = true
		}
		for k, v := range collectRolePaths(node.Children, path) {
			out[k] = v
		}
	}
	return out
}

func validateNode(path string, node StructureNode, depth int, roleTargets map[string]bool) error {
	if depth > maxStructureDepth {
		return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeProtocolStructureInvalid, fmt.Sprintf("protocol: structure nesting exceeds %d at %s", maxStructureDepth, path))
	}
	for _, rule := range node.Actions {
		if err := validateRule(path, rule, roleTargets); err != nil {
			return err
		}
	}
	for childName, child := range node.Children {
		if err := validateNode(path+"/"+childName, child, depth+1, roleTargets); err != nil {
			return err
		}
	}
	return nil
}

func validateRule(path string, rule Rule, roleTargets map[string]bool) error {
	if rule.grants(ActionUpdate) && !rule.grants(ActionCreate) {
		return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeProtocolStructureInvalid, fmt.Sprintf("protocol: %s: update implies create in the same rule", path))
	}
	if rule.grants(ActionDelete) && !rule.grants(ActionCreate) {
		return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeProtocolStructureInvalid, fmt.Sprintf("protocol: %s: delete implies create in the same rule", path))
	}
	if rule.isRoleRule() {
		if !roleTargets[rule.Role] {
			return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeProtocolStructureInvalid, fmt.Sprintf("protocol: %s: role %q does not reference a $role:true node", path, rule.Role))
		}
	}
	if rule.Who == WhoAnyone && rule.Of != "" {
		return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeProtocolStructureInvalid, fmt.Sprintf("protocol: %s: \"of\" is prohibited when who=anyone", path))
	}
	if rule.Who == WhoRecipient {
		for _, a := range rule.Can {
			switch a {
			case ActionDelete, ActionUpdate, ActionCoDelete, ActionCoUpdate:
			default:
				return dwnerr.New(dwnerr.KindMalformed, dwnerr.CodeProtocolStructureInvalid, fmt.Sprintf("protocol: %s: who=recipient cannot grant %q", path, a))
			}
		}
	}
	return nil
}

// Node looks up the structure node at a slash-separated protocolPath,
// e.g. "thread/chat".
func (d *Definition) Node(protocolPath string) (StructureNode, bool) {
	segments := splitPath(protocolPath)
	cur := d.Structure
	var node StructureNode
	for i, seg := range segments {
		n, ok := cur[seg]
		if !ok {
			return StructureNode{}, false
		}
		node = n
		if i < len(segments)-1 {
			cur = n.Children
		}
	}
	return node, true
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			out = append(out, p[start:i])
			start = i + 1
		}
	}
	return out
}
