// Package identity resolves DIDs to verification methods and verifies the
// JWS envelopes that authenticate and authorize DWN messages.
//
// DID resolution and the underlying signature primitives are treated as
// external collaborators (spec §1, §6): this package defines the
// Resolver interface and delegates the actual cryptography to
// github.com/golang-jwt/jwt/v5, the same library the rest of the ambient
// stack uses for signed tokens.
package identity

import "crypto"

// VerificationMethod is one entry of a DID document's verificationMethod
// array: an identifier (typically "<did>#<fragment>") bound to a public key.
type VerificationMethod struct {
	ID        string
	Type      string
	Controller string
	PublicKey crypto.PublicKey
}

// DIDDocument is the subset of a resolved DID document this package needs.
type DIDDocument struct {
	ID                 string
	VerificationMethod []VerificationMethod
}

// Method looks up a verification method by its full "<did>#<fragment>" id,
// or by bare fragment ("#<fragment>" / "<fragment>") against this document's id.
func (d *DIDDocument) Method(kid string) (*VerificationMethod, bool) {
	frag := kid
	if len(frag) > 0 && frag[0] == '#' {
		frag = frag[1:]
	}
	for i := range d.VerificationMethod {
		vm := d.VerificationMethod[i]
		if vm.ID == kid || vm.ID == d.ID+"#"+frag {
			return &vm, true
		}
	}
	return nil, false
}

// Signer is the logical signer of a JWS: the DID plus which verification
// method (kid) produced the signature.
type Signer struct {
	DID string
	Kid string
}
