// Package permissions implements the permission-grant engine (spec
// §4.6): issuing grants and revocations as reserved-protocol
// RecordsWrite messages, and validating that a grant authorizes a
// specific Records action.
package permissions

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/opendwn/core/pkg/message"
)

// ProtocolURI is the reserved permissions protocol URI (spec §6
// "Reserved identifiers"). It is an opaque constant, not a real
// dereferenceable URL.
const ProtocolURI = "https://dwn.local/protocols/permissions"

// Reserved protocolPath values (spec §6).
const (
	PathRequest         = "request"
	PathGrant           = "grant"
	PathGrantRevocation = "grant/revocation"
)

// Scope narrows a grant to a specific interface/method and, for Records,
// exactly one of protocol or schema, with an optional protocol-scoped
// contextId xor protocolPath (spec §3 "Permission grant").
type Scope struct {
	Interface    string `json:"interface"`
	Method       string `json:"method"`
	Protocol     string `json:"protocol,omitempty"`
	Schema       string `json:"schema,omitempty"`
	ContextID    string `json:"contextId,omitempty"`
	ProtocolPath string `json:"protocolPath,omitempty"`
}

// Validate enforces spec §3's scope mutual-exclusion rules: for Records,
// exactly one of {protocol, schema}; within protocol, optional contextId
// xor protocolPath.
func (s Scope) Validate() error {
	if s.Interface == "Records" {
		hasProtocol := s.Protocol != ""
		hasSchema := s.Schema != ""
		if hasProtocol == hasSchema {
			return fmt.Errorf("permissions: scope must declare exactly one of protocol or schema")
		}
		if hasProtocol && s.ContextID != "" && s.ProtocolPath != "" {
			return fmt.Errorf("permissions: scope may declare contextId or protocolPath, not both")
		}
	}
	return nil
}

// Covers reports whether this scope authorizes an action against the
// given interface/method/protocol/schema/contextId/protocolPath
// (spec §4.6 "scope narrowing matches").
func (s Scope) Covers(iface, method, protocol, schema, contextID, protocolPath string) bool {
	if s.Interface != iface || s.Method != method {
		return false
	}
	if s.Protocol != "" {
		if s.Protocol != protocol {
			return false
		}
		if s.ContextID != "" && s.ContextID != contextID {
			return false
		}
		if s.ProtocolPath != "" && s.ProtocolPath != protocolPath {
			return false
		}
		return true
	}
	if s.Schema != "" {
		return s.Schema == schema
	}
	return false
}

// GrantData is the data payload of a grant RecordsWrite (spec §3).
type GrantData struct {
	DateExpires string `json:"dateExpires"`
	Delegated   bool   `json:"delegated"`
	Description string `json:"description,omitempty"`
	GrantedTo   string `json:"grantedTo"`
	Scope       Scope  `json:"scope"`
	Conditions  string `json:"conditions,omitempty"` // CEL boolean expression
}

// RevocationData is the data payload of a grant-revocation RecordsWrite.
type RevocationData struct {
	GrantID string `json:"grantId"`
	Reason  string `json:"reason,omitempty"`
}

// NewGrant builds an unsigned RecordsWrite message under the reserved
// permissions protocol at path "grant" (spec §4.6 "createGrant emits a
// RecordsWrite under the reserved permissions protocol"), with data
// JSON-encoded into its encodedData. Callers sign it with pkg/identity
// before submission.
func NewGrant(grantor string, data GrantData, messageTimestamp string) (*message.Message, error) {
	if err := data.Scope.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("permissions: encode grant data: %w", err)
	}
	return &message.Message{
		EncodedData: base64.RawURLEncoding.EncodeToString(raw),
		Descriptor: message.Descriptor{
			Interface:        message.InterfaceRecords,
			Method:           message.MethodWrite,
			Protocol:         ProtocolURI,
			ProtocolPath:     PathGrant,
			Schema:           "https://dwn.local/schemas/permission-grant",
			DataFormat:       "application/json",
			MessageTimestamp: messageTimestamp,
		},
	}, nil
}

// NewRevocation builds an unsigned RecordsWrite message under
// "grant/revocation", parented by the grant it revokes (spec §4.6
// "createRevocation emits a child RecordsWrite").
func NewRevocation(grantRecordID string, data RevocationData, messageTimestamp string) *message.Message {
	return &message.Message{
		Descriptor: message.Descriptor{
			Interface:        message.InterfaceRecords,
			Method:           message.MethodWrite,
			ParentID:         grantRecordID,
			Protocol:         ProtocolURI,
			ProtocolPath:     PathGrantRevocation,
			DataFormat:       "application/json",
			MessageTimestamp: messageTimestamp,
		},
	}
}
