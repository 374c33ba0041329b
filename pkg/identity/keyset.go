package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Keyring is a single DID's signing key, able to produce the compact JWS
// envelopes a RecordsWrite/Delete/Query/Subscribe message carries in its
// `authorization` object. It is the test/bootstrap-side counterpart to
// Verifier: the same split the ambient codebase draws between KeySet.Sign
// and KeySet.KeyFunc, but keyed by DID document rather than a local kid
// table, since DWN signers are other tenants, not this process's own keys.
type Keyring struct {
	DID        string
	kid        string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewKeyring generates a fresh Ed25519 key for did and returns both the
// signing keyring and the DID document a Resolver should serve for it.
func NewKeyring(did string) (*Keyring, *DIDDocument, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate key for %s: %w", did, err)
	}
	kid := did + "#key-1"
	kr := &Keyring{DID: did, kid: kid, privateKey: priv, publicKey: pub}
	doc := &DIDDocument{
		ID: did,
		VerificationMethod: []VerificationMethod{
			{ID: kid, Type: "Ed25519VerificationKey2020", Controller: did, PublicKey: pub},
		},
	}
	return kr, doc, nil
}

// Sign produces a compact JWS over payload, header alg=EdDSA, kid=<did>#key-1.
func (k *Keyring) Sign(ctx context.Context, payload JWSPayload) (string, error) {
	claims := jwt.MapClaims{
		"descriptorCid": payload.DescriptorCid,
	}
	if payload.PermissionGrantID != "" {
		claims["permissionGrantId"] = payload.PermissionGrantID
	}
	if payload.DelegatedGrantID != "" {
		claims["delegatedGrantId"] = payload.DelegatedGrantID
	}
	if payload.ProtocolRole != "" {
		claims["protocolRole"] = payload.ProtocolRole
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = k.kid
	return token.SignedString(k.privateKey)
}
