package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWSPayload is the body of a DWN authorization JWS (spec §6).
type JWSPayload struct {
	DescriptorCid     string `json:"descriptorCid"`
	PermissionGrantID string `json:"permissionGrantId,omitempty"`
	DelegatedGrantID  string `json:"delegatedGrantId,omitempty"`
	ProtocolRole      string `json:"protocolRole,omitempty"`
}

// VerifiedJWS is the outcome of successfully verifying a compact JWS.
type VerifiedJWS struct {
	Signer  Signer
	Payload JWSPayload
}

// Verifier resolves signer DIDs via a Resolver and verifies compact JWS
// strings produced over a DWN message's canonical descriptor.
type Verifier struct {
	resolver Resolver
}

func NewVerifier(resolver Resolver) *Verifier {
	return &Verifier{resolver: resolver}
}

// Verify checks the JWS signature and returns the resolved signer and the
// parsed payload. It does NOT check that payload.DescriptorCid matches the
// message being authenticated — callers compare that against the MCID they
// independently compute (pkg/canonicalize), keeping this package ignorant
// of message framing.
func (v *Verifier) Verify(ctx context.Context, compact string) (*VerifiedJWS, error) {
	if strings.TrimSpace(compact) == "" {
		return nil, errors.New("identity: empty JWS")
	}

	var resolvedSigner Signer
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(compact, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("identity: missing kid in JWS header")
		}
		did, err := didFromKid(kid)
		if err != nil {
			return nil, err
		}
		doc, err := v.resolver.Resolve(ctx, did)
		if err != nil {
			return nil, fmt.Errorf("identity: resolve %s: %w", did, err)
		}
		vm, ok := doc.Method(kid)
		if !ok {
			return nil, fmt.Errorf("identity: verification method %s not found in DID document", kid)
		}
		key, err := publicKeyForMethod(token, vm)
		if err != nil {
			return nil, err
		}
		resolvedSigner = Signer{DID: did, Kid: kid}
		return key, nil
	}, jwt.WithValidMethods([]string{"EdDSA", "ES256", "ES256K"}))
	if err != nil {
		return nil, fmt.Errorf("identity: JWS verification failed: %w", err)
	}

	payload := JWSPayload{}
	if s, ok := claims["descriptorCid"].(string); ok {
		payload.DescriptorCid = s
	}
	if s, ok := claims["permissionGrantId"].(string); ok {
		payload.PermissionGrantID = s
	}
	if s, ok := claims["delegatedGrantId"].(string); ok {
		payload.DelegatedGrantID = s
	}
	if s, ok := claims["protocolRole"].(string); ok {
		payload.ProtocolRole = s
	}

	return &VerifiedJWS{Signer: resolvedSigner, Payload: payload}, nil
}

// didFromKid splits "<did>#<fragment>" into the bare DID. A kid lacking a
// fragment is rejected: every verification method must be addressable.
func didFromKid(kid string) (string, error) {
	idx := strings.Index(kid, "#")
	if idx <= 0 {
		return "", fmt.Errorf("identity: kid %q is not of the form <did>#<fragment>", kid)
	}
	return kid[:idx], nil
}

func publicKeyForMethod(token *jwt.Token, vm *VerificationMethod) (interface{}, error) {
	switch token.Method.Alg() {
	case "EdDSA":
		key, ok := vm.PublicKey.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("identity: verification method %s is not an Ed25519 key", vm.ID)
		}
		return key, nil
	case "ES256", "ES256K":
		key, ok := vm.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("identity: verification method %s is not an ECDSA key", vm.ID)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("identity: unsupported alg %s", token.Method.Alg())
	}
}
