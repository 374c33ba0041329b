package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	dwncid "github.com/opendwn/core/pkg/cid"
)

var canonicalEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("canonicalize: building canonical CBOR encoder: %v", err))
	}
	return mode
}

// CanonicalCBOR deterministically CBOR-encodes v: map keys sorted by the
// RFC 7049/8949 canonical ordering rules, shortest-form integers, no
// indefinite-length items. This is the encoding the message content id
// (MCID) and descriptorCid (spec §3, §6) are computed over.
//
// v typically arrives as a struct with `json` tags (a parsed descriptor).
// It is round-tripped through JSON first so field tags and omitempty are
// honored exactly as the wire envelope would see them, then re-encoded to
// canonical CBOR from the resulting generic value — the same two-step
// "marshal to intermediate, re-walk generically" strategy the RFC 8785
// JCS walker in jcs.go uses, just targeting CBOR instead of JSON as the
// terminal wire form.
func CanonicalCBOR(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	var generic interface{}
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	normalized, err := normalizeNumbers(generic)
	if err != nil {
		return nil, err
	}

	out, err := canonicalEncMode.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: cbor encode failed: %w", err)
	}
	return out, nil
}

// MessageContentID computes the MCID (spec §3) of a message descriptor:
// the CID of its canonical CBOR encoding.
func MessageContentID(descriptor interface{}) (dwncid.Cid, error) {
	b, err := CanonicalCBOR(descriptor)
	if err != nil {
		return dwncid.Undef, err
	}
	return dwncid.FromCBOR(b)
}

// normalizeNumbers converts json.Number leaves to int64/float64 so the
// CBOR encoder picks the canonical integer or float representation,
// recursing through maps and slices.
func normalizeNumbers(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("canonicalize: number %q is neither int64 nor float64: %w", t.String(), err)
		}
		return f, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			nv, err := normalizeNumbers(vv)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			nv, err := normalizeNumbers(vv)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}
