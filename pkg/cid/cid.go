// Package cid provides the content-identifier value type used throughout
// the DWN core: message content ids (MCIDs) over canonical CBOR-encoded
// descriptors, and data content ids (data CIDs) over payload bytes.
//
// The actual CBOR/DAG-PB multicodec hashing routines are an external
// collaborator per spec §1 ("the CBOR/DAG-PB CID hashing routines"); this
// package wires a concrete, swappable implementation on top of
// github.com/ipfs/go-cid so the rest of the engine has a real CID type to
// compare and store, without needing its own multicodec/multihash stack.
package cid

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Cid is re-exported so callers never need to import go-cid directly.
type Cid = gocid.Cid

// Undef is the zero-value CID, returned on error.
var Undef = gocid.Undef

// Multicodecs used by this engine: CBOR for message content ids (the MCID
// is always a hash of a canonical CBOR encoding), raw DAG-PB for payload
// data content ids.
const (
	CodecDagCBOR = gocid.DagCBOR
	CodecDagPB   = gocid.DagProtobuf
)

// FromCBOR computes the v1 CID of already-canonical CBOR bytes, SHA-256
// multihash, DAG-CBOR multicodec — the MCID of a message or the recordId
// of an initial write (spec §3, §6).
func FromCBOR(canonical []byte) (Cid, error) {
	return fromBytes(canonical, CodecDagCBOR)
}

// FromData computes the v1 CID of payload bytes, SHA-256 multihash,
// DAG-PB multicodec — a record's dataCid (spec §3, §4.1).
func FromData(data []byte) (Cid, error) {
	return fromBytes(data, CodecDagPB)
}

func fromBytes(data []byte, codec uint64) (Cid, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return Undef, fmt.Errorf("cid: multihash: %w", err)
	}
	return gocid.NewCidV1(codec, sum), nil
}

// Parse decodes a CID string (base32/base58/etc, whatever go-cid accepts)
// and verifies it uses one of the multicodecs this engine recognizes. Any
// alternate codec or hash on an inbound CID is rejected per spec §6.
func Parse(s string) (Cid, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return Undef, fmt.Errorf("cid: parse %q: %w", s, err)
	}
	if c.Prefix().Codec != CodecDagCBOR && c.Prefix().Codec != CodecDagPB {
		return Undef, fmt.Errorf("cid: unsupported codec 0x%x on %q", c.Prefix().Codec, s)
	}
	if c.Prefix().MhType != mh.SHA2_256 {
		return Undef, fmt.Errorf("cid: unsupported multihash 0x%x on %q", c.Prefix().MhType, s)
	}
	return c, nil
}

// Equal reports whether two CID strings denote the same CID, tolerating
// differing string encodings of identical bytes.
func Equal(a, b string) bool {
	ca, err := gocid.Decode(a)
	if err != nil {
		return false
	}
	cb, err := gocid.Decode(b)
	if err != nil {
		return false
	}
	return ca.Equals(cb)
}
