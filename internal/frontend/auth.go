package frontend

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sentinelfleet/core/internal/clientstore"
	"github.com/sentinelfleet/core/internal/message"
)

// EnrollmentAction is the client action name exempted from signature
// verification (§4.8 step 1): a never-before-seen client has no enrolled key
// yet, so its first bundle must be accepted unauthenticated.
const EnrollmentAction = "Enroll"

// publicKeyAttribute is the clientstore attribute key an enrollment flow
// writes the client's base64-encoded ed25519 public key under.
const publicKeyAttribute = "publicKey"

// ErrBadSignature is returned when a bundle carries a signature that does
// not verify against the client's enrolled key.
var ErrBadSignature = errors.New("frontend: signature verification failed")

// Authenticator verifies a client bundle's signature against its enrolled
// ed25519 public key (§4.8 step 1). This stays on crypto/ed25519 rather than
// a third-party signature library: the corpus reaches for dedicated crypto
// packages for domain-specific primitives (VRFs, enclave sealing, HD keys)
// but never swaps out the standard library for a plain signature check.
type Authenticator struct {
	clients *clientstore.Store
}

// NewAuthenticator builds an authenticator backed by clients.
func NewAuthenticator(clients *clientstore.Store) *Authenticator {
	return &Authenticator{clients: clients}
}

// Verify checks sig over body against clientID's enrolled public key. A
// client with no enrolled key yields (Unauthenticated, nil): the caller is
// responsible for only routing enrollment-flow messages out of an
// unauthenticated bundle. A present but invalid signature is reported as
// Desynchronized rather than rejected outright, matching the three-state
// auth_state enum of §3.
func (a *Authenticator) Verify(ctx context.Context, clientID string, body, sig []byte) (message.AuthState, error) {
	attrs, err := a.clients.ClientAttributes(ctx, clientID)
	if err != nil {
		return message.Unauthenticated, fmt.Errorf("frontend: load attributes for %q: %w", clientID, err)
	}
	raw, _ := attrs[publicKeyAttribute].(string)
	if raw == "" {
		return message.Unauthenticated, nil
	}
	pub, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return message.Desynchronized, fmt.Errorf("frontend: malformed enrolled key for %q", clientID)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(pub), body, sig) {
		return message.Desynchronized, ErrBadSignature
	}
	return message.Authenticated, nil
}

func decodeSignature(header string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(header)
}
