// Package message defines the DWN wire envelope (spec §3, §6): the
// Message struct, its Descriptor variants, and the Authorization object
// carrying up to four JWS envelopes. Per the spec's design notes, each
// interface/method combination is modeled as a single descriptor struct
// with method-specific fields left as their zero value rather than a
// full tagged-union type hierarchy — the same flattened-variant shape
// the retrieved pack's own wire types (e.g. an AT-protocol commit) use
// for a small, closed set of operation kinds.
package message

import (
	"encoding/base64"
	"fmt"

	"github.com/opendwn/core/pkg/canonicalize"
	dwncid "github.com/opendwn/core/pkg/cid"
)

// Interface names (spec §6 "Reserved identifiers").
const (
	InterfaceRecords   = "Records"
	InterfaceProtocols = "Protocols"
	InterfaceMessages  = "Messages"
)

// Method names (spec §6).
const (
	MethodWrite     = "Write"
	MethodDelete    = "Delete"
	MethodRead      = "Read"
	MethodQuery     = "Query"
	MethodSubscribe = "Subscribe"
	MethodConfigure = "Configure"
)

// Descriptor carries every field any method needs; unused fields are the
// zero value and omitted on the wire. messageTimestamp uses RFC3339Nano
// for the "high-precision" ordering spec §3/§4.3 require.
type Descriptor struct {
	Interface        string `json:"interface"`
	Method           string `json:"method"`
	MessageTimestamp string `json:"messageTimestamp"`

	// RecordsWrite / shared Records fields.
	RecordID        string            `json:"recordId,omitempty"`
	ParentID        string            `json:"parentId,omitempty"`
	ParentContextID string            `json:"parentContextId,omitempty"`
	ContextID       string            `json:"contextId,omitempty"`
	Protocol        string            `json:"protocol,omitempty"`
	ProtocolPath    string            `json:"protocolPath,omitempty"`
	Schema          string            `json:"schema,omitempty"`
	DataFormat      string            `json:"dataFormat,omitempty"`
	DataCID         string            `json:"dataCid,omitempty"`
	DataSize        int64             `json:"dataSize,omitempty"`
	Recipient       string            `json:"recipient,omitempty"`
	Published       *bool             `json:"published,omitempty"`
	DatePublished   string            `json:"datePublished,omitempty"`
	DateCreated     string            `json:"dateCreated,omitempty"`
	Tags            map[string]any    `json:"tags,omitempty"`

	// RecordsDelete
	Prune bool `json:"prune,omitempty"`

	// RecordsQuery / RecordsSubscribe
	Filter map[string]any `json:"filter,omitempty"`

	// ProtocolsConfigure
	Definition *ProtocolDefinitionRef `json:"definition,omitempty"`
}

// ProtocolDefinitionRef breaks the import cycle between message and
// protocol: protocol.Definition embeds this shape by value at the JSON
// level, so message never needs to import protocol.
type ProtocolDefinitionRef struct {
	Protocol  string         `json:"protocol"`
	Published bool           `json:"published"`
	Types     map[string]any `json:"types"`
	Structure map[string]any `json:"structure"`
}

// Authorization carries the up to four JWS envelopes of spec §3/§6.
// Each field is a compact JWS string except the two delegated-grant
// references, which embed the full grant Message by value (spec §9
// "Cyclic ownership of messages": grants are stored by value and
// resolved by MCID, never owning-pointer cycles).
type Authorization struct {
	Signature            string   `json:"signature"`
	OwnerSignature        string   `json:"ownerSignature,omitempty"`
	AuthorDelegatedGrant  *Message `json:"authorDelegatedGrant,omitempty"`
	OwnerDelegatedGrant   *Message `json:"ownerDelegatedGrant,omitempty"`
}

// Message is the full wire envelope (spec §3): immutable once accepted.
type Message struct {
	Descriptor    Descriptor     `json:"descriptor"`
	Authorization *Authorization `json:"authorization,omitempty"`
	EncodedData   string         `json:"encodedData,omitempty"`
}

// CID computes the message content id (MCID): the CID of the canonical
// CBOR encoding of Descriptor (spec §3, §6).
func (m *Message) CID() (dwncid.Cid, error) {
	return canonicalize.MessageContentID(m.Descriptor)
}

// DecodedData base64url-decodes EncodedData, for the small-payload path
// (spec §4.3 step 6).
func (m *Message) DecodedData() ([]byte, error) {
	if m.EncodedData == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(m.EncodedData)
	if err != nil {
		return nil, fmt.Errorf("message: decode encodedData: %w", err)
	}
	return b, nil
}

// IsInitialWrite reports whether this descriptor is a RecordsWrite with
// no recordId — the first write of a record, whose own MCID becomes the
// recordId (spec §3).
func (d Descriptor) IsInitialWrite() bool {
	return d.Interface == InterfaceRecords && d.Method == MethodWrite && d.RecordID == ""
}

// PublishedOrFalse normalizes the optional Published pointer to a bool
// (spec §4.3 step 7: "published normalized to boolean").
func (d Descriptor) PublishedOrFalse() bool {
	return d.Published != nil && *d.Published
}
