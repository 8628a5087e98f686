package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Scheme identifies which of the two coexisting signature conventions a
// signed message uses. Both are accepted on input; only the active scheme
// is used when originating a new signature.
type Scheme byte

const (
	// SchemeLegacy signs over a plain byte concatenation of a message's
	// fields, matching the wire format emitted by pre-upgrade peers.
	SchemeLegacy Scheme = iota
	// SchemeCurrent signs over a 256-bit hash of the canonical
	// serialization of a message.
	SchemeCurrent
)

func (s Scheme) String() string {
	if s == SchemeCurrent {
		return "current"
	}
	return "legacy"
}

// SignerKit produces and verifies secp256k1 signatures over a 32-byte
// message digest. The digest itself is scheme-specific and is built by the
// wire package; SignerKit only knows how to turn digest bytes into a
// signature and back, mirroring the split between
// crypto.PrivateKey (key material) and core/types (message hashing).
type SignerKit struct {
	active Scheme
}

// NewSignerKit builds a kit that originates signatures under the supplied
// active scheme. Verification is scheme-agnostic: callers pass the digest
// built for whichever scheme the message declares.
func NewSignerKit(active Scheme) *SignerKit {
	return &SignerKit{active: active}
}

// ActiveScheme reports which scheme new signatures are produced under.
func (k *SignerKit) ActiveScheme() Scheme {
	if k == nil {
		return SchemeCurrent
	}
	return k.active
}

// Sign produces a 65-byte recoverable secp256k1 signature over digest.
func (k *SignerKit) Sign(priv *PrivateKey, digest [32]byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("crypto: nil private key")
	}
	return crypto.Sign(digest[:], priv.PrivateKey)
}

// Recover returns the public key that produced sig over digest.
func (k *SignerKit) Recover(digest [32]byte, sig []byte) (*PublicKey, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, fmt.Errorf("crypto: recover public key: %w", err)
	}
	return &PublicKey{pub}, nil
}

// Verify reports whether sig over digest was produced by pub.
func (k *SignerKit) Verify(pub *PublicKey, digest [32]byte, sig []byte) bool {
	if pub == nil || len(sig) < 64 {
		return false
	}
	recovered, err := k.Recover(digest, sig)
	if err != nil {
		return false
	}
	return publicKeysEqual(recovered.PublicKey, pub.PublicKey)
}

func publicKeysEqual(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return a.X.Cmp(b.X) == 0 && a.Y.Cmp(b.Y) == 0
}
